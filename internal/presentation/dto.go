package presentation

import (
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// RegistrationDTO is a registration flattened for CLI output.
type RegistrationDTO struct {
	ID           uint64     `json:"id"`
	TopOrigin    string     `json:"top_origin"`
	Scope        string     `json:"scope"`
	Installing   *WorkerDTO `json:"installing,omitempty"`
	Waiting      *WorkerDTO `json:"waiting,omitempty"`
	Active       *WorkerDTO `json:"active,omitempty"`
	Uninstalling bool       `json:"uninstalling,omitempty"`
}

// WorkerDTO is one worker slot.
type WorkerDTO struct {
	ID        uint64 `json:"id"`
	ScriptURL string `json:"script_url"`
	State     string `json:"state"`
}

// FromRegistrationData converts a registration snapshot to a DTO.
func FromRegistrationData(reg types.RegistrationData) RegistrationDTO {
	return RegistrationDTO{
		ID:         uint64(reg.Identifier),
		TopOrigin:  reg.Key.TopOrigin.String(),
		Scope:      reg.ScopeURL,
		Installing: fromWorker(reg.Installing),
		Waiting:    fromWorker(reg.Waiting),
		Active:     fromWorker(reg.Active),
	}
}

// FromRegistrations converts a list, keeping order.
func FromRegistrations(regs []types.RegistrationData) []RegistrationDTO {
	dtos := make([]RegistrationDTO, 0, len(regs))
	for _, reg := range regs {
		dtos = append(dtos, FromRegistrationData(reg))
	}
	return dtos
}

func fromWorker(w *types.WorkerData) *WorkerDTO {
	if w == nil {
		return nil
	}
	return &WorkerDTO{
		ID:        uint64(w.Identifier),
		ScriptURL: w.ScriptURL,
		State:     w.State.String(),
	}
}

// WorkerStatusDTO is a running worker context.
type WorkerStatusDTO struct {
	ID            uint64 `json:"id"`
	PendingEvents int    `json:"pending_events"`
}
