package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a job rejection.
type ErrorKind string

const (
	// SecurityMismatch covers origin and scope validation failures.
	SecurityMismatch ErrorKind = "SecurityMismatch"
	// ScriptFetchError covers network or parse failures fetching the script.
	ScriptFetchError ErrorKind = "ScriptFetchError"
	// ContextStartError covers execution contexts that failed to start.
	ContextStartError ErrorKind = "ContextStartError"
	// LifecycleConflict covers operations invalid for the current state.
	LifecycleConflict ErrorKind = "LifecycleConflict"
)

// ExceptionData is the error a rejected job carries back to its connection.
type ExceptionData struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewException builds an ExceptionData with a formatted message.
func NewException(kind ErrorKind, format string, args ...any) ExceptionData {
	return ExceptionData{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e ExceptionData) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the ErrorKind from err, or "" when err is not a job rejection.
func KindOf(err error) ErrorKind {
	var ex ExceptionData
	if errors.As(err, &ex) {
		return ex.Kind
	}
	return ""
}
