package server

import (
	"errors"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ErrRegistrationUninstalling is returned when a client would start being
// controlled by a registration that is being removed.
var ErrRegistrationUninstalling = errors.New("registration is uninstalling")

func (s *Server) registerConnection(conn types.Connection) {
	id := conn.Identifier()
	if _, exists := s.connections[id]; exists {
		log.Warn(log.CatClient, "Replacing connection with duplicate identifier", "connection", id)
	}
	s.connections[id] = conn
	log.Info(log.CatClient, "Connection registered", "connection", id)
}

// unregisterConnection drops every handle, controlled client and queued job
// of the connection. A fetch it still owed fails, and an install waiting for
// its acknowledgement proceeds.
func (s *Server) unregisterConnection(id types.ConnectionIdentifier) {
	if _, ok := s.connections[id]; !ok {
		return
	}
	delete(s.connections, id)
	log.Info(log.CatClient, "Connection unregistered", "connection", id)

	for _, key := range sortedRegistrationKeys(s.registrations) {
		reg := s.registrations[key]
		if reg == nil || !reg.forgetConnection(id) {
			continue
		}
		if reg.uninstalling {
			s.tryClearRegistration(reg)
		}
	}

	for _, key := range sortedRegistrationKeys(s.jobQueues) {
		q, ok := s.jobQueues[key]
		if !ok {
			continue
		}
		s.purgeQueuedJobs(q, id)

		head, ok := q.current()
		if !ok || head.Identifier.Connection != id {
			continue
		}
		switch {
		case q.state == QueueAwaitingFetch && !q.fetched:
			s.scriptFetchFailed(q, head, errConnectionClosed)
		case q.state == QueueAwaitingInstallResolution && q.awaitingAck:
			if reg, ok := s.registrations[key]; ok {
				s.continueInstall(q, reg)
			}
		}
	}
}

// purgeQueuedJobs removes jobs of conn that have not started yet.
func (s *Server) purgeQueuedJobs(q *JobQueue, conn types.ConnectionIdentifier) {
	if len(q.jobs) < 2 {
		return
	}
	kept := q.jobs[:1]
	for _, job := range q.jobs[1:] {
		if job.Identifier.Connection == conn {
			log.Debug(log.CatJobs, "Dropping queued job of closed connection", "job", job.Identifier.String())
			continue
		}
		kept = append(kept, job)
	}
	q.jobs = kept
}

func (s *Server) registerContextConnection(cc types.ContextConnection) {
	id := cc.Identifier()
	s.contextConnections[id] = cc
	if s.contextConnection == 0 {
		s.contextConnection = id
	}
	log.Info(log.CatContext, "Context connection registered",
		"context_connection", id,
		"pending", len(s.pendingContextDatas))

	if id != s.contextConnection {
		return
	}
	pending := s.pendingContextDatas
	s.pendingContextDatas = nil
	for _, data := range pending {
		w, ok := s.workers[data.WorkerIdentifier]
		if !ok {
			continue
		}
		w.contextConnection = id
		cc.InstallServiceWorkerContext(data)
	}
}

// unregisterContextConnection forgets the host. Jobs waiting for a context it
// was starting fail; an install in progress on it fails.
func (s *Server) unregisterContextConnection(id types.ContextConnectionIdentifier) {
	if _, ok := s.contextConnections[id]; !ok {
		return
	}
	delete(s.contextConnections, id)
	if s.contextConnection == id {
		s.contextConnection = 0
		if remaining := sortedKeys(s.contextConnections); len(remaining) > 0 {
			s.contextConnection = remaining[0]
		}
	}
	log.Info(log.CatContext, "Context connection unregistered", "context_connection", id)

	for _, key := range sortedRegistrationKeys(s.jobQueues) {
		q, ok := s.jobQueues[key]
		if !ok {
			continue
		}
		w, ok := s.workers[q.installingWorker]
		if !ok || w.contextConnection != id {
			continue
		}
		switch q.state {
		case QueueAwaitingContextStart:
			w.contextConnection = 0
			s.contextStartFailed(q, w, "Context connection closed before the worker started", true)
		case QueueAwaitingInstallResolution:
			w.running = false
			w.contextConnection = 0
			w.pendingEvents = 0
			s.finishInstall(q, w, false)
		}
	}

	var detached []types.WorkerIdentifier
	for _, wid := range sortedKeys(s.workers) {
		w := s.workers[wid]
		if w.contextConnection != id {
			continue
		}
		w.running = false
		w.contextConnection = 0
		w.pendingEvents = 0
		detached = append(detached, wid)
	}

	// Every worker of the host is detached before any post-condition runs so
	// activation never targets the departed host.
	for _, wid := range detached {
		w, ok := s.workers[wid]
		if !ok {
			continue
		}
		s.pendingEventsDrained(w)
		if _, inSlot := s.slotOf(w); !inSlot {
			delete(s.workers, wid)
		}
	}
}

// ===========================================================================
// Client usage
// ===========================================================================

func (s *Server) addClientRegistration(conn types.ConnectionIdentifier, id types.RegistrationIdentifier) {
	reg, ok := s.registrationsByID[id]
	if !ok {
		log.Debug(log.CatClient, "dropping handle for unknown registration", "registration", id)
		return
	}
	reg.addHandle(conn)
}

func (s *Server) removeClientRegistration(conn types.ConnectionIdentifier, id types.RegistrationIdentifier) {
	if reg, ok := s.registrationsByID[id]; ok {
		reg.removeHandle(conn)
	}
}

func (s *Server) startedControllingClient(conn types.ConnectionIdentifier, workerID types.WorkerIdentifier, client types.ClientIdentifier) error {
	w, ok := s.workers[workerID]
	if !ok {
		log.Debug(log.CatClient, "dropping controlled client of unknown worker", "worker", workerID)
		return nil
	}
	reg, ok := s.registrations[w.key]
	if !ok || reg.id != w.registrationID {
		return nil
	}
	if reg.uninstalling {
		return ErrRegistrationUninstalling
	}
	reg.clients[clientRef{connection: conn, client: client}] = struct{}{}
	return nil
}

func (s *Server) stoppedControllingClient(conn types.ConnectionIdentifier, workerID types.WorkerIdentifier, client types.ClientIdentifier) {
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	reg, ok := s.registrations[w.key]
	if !ok || reg.id != w.registrationID {
		return
	}
	delete(reg.clients, clientRef{connection: conn, client: client})
	if reg.uninstalling && !reg.hasClientsUsing() {
		s.tryClearRegistration(reg)
	}
}

func sortedRegistrationKeys[V any](m map[types.RegistrationKey]V) []types.RegistrationKey {
	keys := make([]types.RegistrationKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}
