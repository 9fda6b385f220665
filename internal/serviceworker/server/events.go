package server

import (
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// Events published on the server's event bus.

// JobScheduledEvent is published when a job joins its scope's queue.
type JobScheduledEvent struct {
	Job   types.JobDataIdentifier `json:"job"`
	Type  types.JobType           `json:"type"`
	Key   types.RegistrationKey   `json:"key"`
	Depth int                     `json:"depth"`
}

// JobSettledEvent is published when a job's promise is resolved or rejected.
type JobSettledEvent struct {
	Job          types.JobDataIdentifier      `json:"job"`
	Type         types.JobType                `json:"type"`
	Key          types.RegistrationKey        `json:"key"`
	Outcome      string                       `json:"outcome"`
	Registration types.RegistrationIdentifier `json:"registration,omitempty"`
	Error        *types.ExceptionData         `json:"error,omitempty"`
}

// RegistrationChangedEvent carries a registration snapshot after a slot,
// flag or membership change. Removed is set once it left the table.
type RegistrationChangedEvent struct {
	Registration types.RegistrationData `json:"registration"`
	Uninstalling bool                   `json:"uninstalling"`
	Removed      bool                   `json:"removed"`
}

// WorkerStateChangedEvent is published on every worker state transition.
type WorkerStateChangedEvent struct {
	Worker       types.WorkerIdentifier       `json:"worker"`
	Registration types.RegistrationIdentifier `json:"registration"`
	State        types.WorkerState            `json:"state"`
}

// ControllerChangedEvent is published when a new worker becomes active.
type ControllerChangedEvent struct {
	Registration types.RegistrationIdentifier `json:"registration"`
	Active       types.WorkerData             `json:"active"`
	Clients      int                          `json:"clients"`
}
