package server

import (
	"net/url"
	"slices"
	"time"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// clientRef names one controlled client of one connection.
type clientRef struct {
	connection types.ConnectionIdentifier
	client     types.ClientIdentifier
}

// Registration binds a scope to its worker versions. Slots hold worker
// identifiers, never worker pointers.
type Registration struct {
	id             types.RegistrationIdentifier
	key            types.RegistrationKey
	scopeURL       *url.URL
	scriptURL      *url.URL
	updateViaCache types.UpdateViaCache
	uninstalling   bool
	slots          [3]types.WorkerIdentifier
	createdAt      time.Time
	// sequence orders listings; wall clock time can tie.
	sequence uint64

	// handles counts client-side registration objects per connection.
	handles map[types.ConnectionIdentifier]int
	// clients are the clients currently controlled through this registration.
	clients map[clientRef]struct{}
}

func newRegistration(id types.RegistrationIdentifier, sequence uint64, job types.JobData) *Registration {
	return &Registration{
		id:             id,
		key:            job.Key(),
		scopeURL:       types.WithoutFragment(job.ScopeURL),
		scriptURL:      types.WithoutFragment(job.ScriptURL),
		updateViaCache: job.Options.UpdateViaCache,
		createdAt:      time.Now(),
		sequence:       sequence,
		handles:        make(map[types.ConnectionIdentifier]int),
		clients:        make(map[clientRef]struct{}),
	}
}

// ID returns the registration identifier.
func (r *Registration) ID() types.RegistrationIdentifier { return r.id }

// Key returns the registration key.
func (r *Registration) Key() types.RegistrationKey { return r.key }

// IsUninstalling reports whether unregister has been requested.
func (r *Registration) IsUninstalling() bool { return r.uninstalling }

func (r *Registration) slot(slot types.RegistrationSlot) types.WorkerIdentifier {
	return r.slots[slot]
}

// slotOf returns the slot holding worker, if any.
func (r *Registration) slotOf(worker types.WorkerIdentifier) (types.RegistrationSlot, bool) {
	if worker == 0 {
		return 0, false
	}
	for i, id := range r.slots {
		if id == worker {
			return types.RegistrationSlot(i), true
		}
	}
	return 0, false
}

// newestWorker is installing, else waiting, else active.
func (r *Registration) newestWorker() types.WorkerIdentifier {
	for _, slot := range []types.RegistrationSlot{types.SlotInstalling, types.SlotWaiting, types.SlotActive} {
		if id := r.slots[slot]; id != 0 {
			return id
		}
	}
	return 0
}

func (r *Registration) isEmpty() bool {
	return r.newestWorker() == 0
}

func (r *Registration) addHandle(conn types.ConnectionIdentifier) {
	r.handles[conn]++
}

func (r *Registration) removeHandle(conn types.ConnectionIdentifier) {
	if n := r.handles[conn]; n > 1 {
		r.handles[conn] = n - 1
		return
	}
	delete(r.handles, conn)
}

// handleConnections lists connections holding a handle, in identifier order.
func (r *Registration) handleConnections() []types.ConnectionIdentifier {
	ids := make([]types.ConnectionIdentifier, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registration) hasClientsUsing() bool {
	return len(r.clients) > 0
}

// clientsByConnection groups controlled clients per connection, sorted.
func (r *Registration) clientsByConnection() map[types.ConnectionIdentifier][]types.ClientIdentifier {
	out := make(map[types.ConnectionIdentifier][]types.ClientIdentifier)
	for ref := range r.clients {
		out[ref.connection] = append(out[ref.connection], ref.client)
	}
	for _, clients := range out {
		slices.Sort(clients)
	}
	return out
}

// forgetConnection drops every handle and controlled client of conn and
// reports whether anything was removed.
func (r *Registration) forgetConnection(conn types.ConnectionIdentifier) bool {
	_, hadHandle := r.handles[conn]
	delete(r.handles, conn)

	removed := hadHandle
	for ref := range r.clients {
		if ref.connection == conn {
			delete(r.clients, ref)
			removed = true
		}
	}
	return removed
}
