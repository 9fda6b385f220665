package client

import "github.com/zjrosen/swserver/internal/serviceworker/types"

// NotificationKind identifies a state notification.
type NotificationKind string

const (
	NotifyRegistrationState NotificationKind = "registration_state"
	NotifyWorkerState       NotificationKind = "worker_state"
	NotifyUpdateFound       NotificationKind = "updatefound"
	NotifyControllerChange  NotificationKind = "controllerchange"
)

// Notification is a state change the server pushed to this connection.
type Notification struct {
	Kind         NotificationKind             `json:"kind"`
	Registration types.RegistrationIdentifier `json:"registration,omitempty"`
	Slot         types.RegistrationSlot       `json:"slot"`
	Worker       *types.WorkerData            `json:"worker,omitempty"`
	WorkerID     types.WorkerIdentifier       `json:"worker_id,omitempty"`
	State        types.WorkerState            `json:"state"`
	Clients      []types.ClientIdentifier     `json:"clients,omitempty"`
}
