package types

import (
	"net/url"
	"time"
)

// WorkerData is a snapshot of a worker as clients see it.
type WorkerData struct {
	Identifier             WorkerIdentifier       `json:"id"`
	RegistrationIdentifier RegistrationIdentifier `json:"registration_id"`
	ScriptURL              string                 `json:"script_url"`
	State                  WorkerState            `json:"state"`
	Type                   WorkerType             `json:"type"`
}

// RegistrationData is a snapshot of a registration and its worker slots.
type RegistrationData struct {
	Identifier     RegistrationIdentifier `json:"id"`
	Key            RegistrationKey        `json:"key"`
	ScopeURL       string                 `json:"scope_url"`
	UpdateViaCache UpdateViaCache         `json:"update_via_cache"`
	Installing     *WorkerData            `json:"installing,omitempty"`
	Waiting        *WorkerData            `json:"waiting,omitempty"`
	Active         *WorkerData            `json:"active,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Slot returns the worker snapshot occupying slot, or nil.
func (r RegistrationData) Slot(slot RegistrationSlot) *WorkerData {
	switch slot {
	case SlotInstalling:
		return r.Installing
	case SlotWaiting:
		return r.Waiting
	case SlotActive:
		return r.Active
	default:
		return nil
	}
}

// ContextData is everything an execution host needs to start a worker.
type ContextData struct {
	JobDataIdentifier      JobDataIdentifier
	RegistrationIdentifier RegistrationIdentifier
	RegistrationKey        RegistrationKey
	WorkerIdentifier       WorkerIdentifier
	ScriptURL              *url.URL
	Script                 string
	Type                   WorkerType
}
