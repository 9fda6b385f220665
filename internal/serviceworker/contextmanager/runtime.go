package contextmanager

import (
	"context"
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// EventKind names an event dispatched to a worker.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventPush     EventKind = "push"
)

// IsFunctional reports whether kind is a functional event, as opposed to a
// lifecycle event.
func (k EventKind) IsFunctional() bool {
	switch k {
	case EventFetch, EventMessage, EventPush:
		return true
	default:
		return false
	}
}

// ParseEventKind converts a functional event name.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(strings.ToLower(s)); k {
	case EventFetch, EventMessage, EventPush:
		return k, nil
	default:
		return "", fmt.Errorf("unknown functional event %q", s)
	}
}

// Extension is a lifetime extension registered by an event handler, the
// equivalent of a promise passed to waitUntil.
type Extension func(ctx context.Context) error

// Runtime executes worker scripts.
type Runtime interface {
	// Start evaluates the worker's script. An error means the context failed to start.
	Start(ctx context.Context, data types.ContextData) error
	// Dispatch runs the handler for kind and returns the extensions it registered.
	Dispatch(ctx context.Context, worker types.WorkerIdentifier, kind EventKind) ([]Extension, error)
	// Stop releases everything the worker holds.
	Stop(worker types.WorkerIdentifier)
}

// NopRuntime starts every worker and handles every event without doing anything.
type NopRuntime struct{}

func (NopRuntime) Start(context.Context, types.ContextData) error { return nil }

func (NopRuntime) Dispatch(context.Context, types.WorkerIdentifier, EventKind) ([]Extension, error) {
	return nil, nil
}

func (NopRuntime) Stop(types.WorkerIdentifier) {}

// ParseCheck reports the first syntax error in a worker script, formatted the
// way a script engine would report it. Module workers are parsed as ES modules.
func ParseCheck(data types.ContextData) error {
	opts := esbuild.TransformOptions{
		Loader: esbuild.LoaderJS,
		Target: esbuild.ES2022,
	}
	if data.ScriptURL != nil {
		opts.Sourcefile = data.ScriptURL.String()
	}
	if data.Type == types.WorkerTypeModule {
		opts.Format = esbuild.FormatESModule
	}

	result := esbuild.Transform(data.Script, opts)
	if len(result.Errors) == 0 {
		return nil
	}
	msg := result.Errors[0]
	if msg.Location != nil {
		return fmt.Errorf("SyntaxError: %s (%d:%d)", msg.Text, msg.Location.Line, msg.Location.Column)
	}
	return fmt.Errorf("SyntaxError: %s", msg.Text)
}
