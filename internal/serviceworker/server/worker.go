package server

import (
	"crypto/sha256"
	"net/url"
	"time"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// Worker is one service worker version. Workers are owned by the Server's
// worker table and refer to their registration by key and identifier only.
type Worker struct {
	id             types.WorkerIdentifier
	registrationID types.RegistrationIdentifier
	key            types.RegistrationKey
	scriptURL      *url.URL
	script         string
	digest         [sha256.Size]byte
	workerType     types.WorkerType
	state          types.WorkerState
	createdAt      time.Time

	// pendingEvents counts lifetime-extending events still outstanding.
	pendingEvents int

	// contextConnection is the host running this worker, zero before the
	// context data was handed to one.
	contextConnection types.ContextConnectionIdentifier
	running           bool

	// terminateWhenIdle defers a termination requested while events were pending.
	terminateWhenIdle bool
}

func newWorker(id types.WorkerIdentifier, reg *Registration, scriptURL *url.URL, script string, digest [sha256.Size]byte, workerType types.WorkerType) *Worker {
	return &Worker{
		id:             id,
		registrationID: reg.id,
		key:            reg.key,
		scriptURL:      types.WithoutFragment(scriptURL),
		script:         script,
		digest:         digest,
		workerType:     workerType,
		state:          types.WorkerParsed,
		createdAt:      time.Now(),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() types.WorkerIdentifier { return w.id }

// State returns the lifecycle state.
func (w *Worker) State() types.WorkerState { return w.state }

// HasPendingEvents reports whether lifetime-extending events are outstanding.
func (w *Worker) HasPendingEvents() bool { return w.pendingEvents > 0 }

func (w *Worker) data() types.WorkerData {
	return types.WorkerData{
		Identifier:             w.id,
		RegistrationIdentifier: w.registrationID,
		ScriptURL:              w.scriptURL.String(),
		State:                  w.state,
		Type:                   w.workerType,
	}
}

func (w *Worker) contextData(job types.JobDataIdentifier) types.ContextData {
	return types.ContextData{
		JobDataIdentifier:      job,
		RegistrationIdentifier: w.registrationID,
		RegistrationKey:        w.key,
		WorkerIdentifier:       w.id,
		ScriptURL:              w.scriptURL,
		Script:                 w.script,
		Type:                   w.workerType,
	}
}

func scriptDigest(script string) [sha256.Size]byte {
	return sha256.Sum256([]byte(script))
}
