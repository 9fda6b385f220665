package server

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/journal"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ===========================================================================
// Registration table
// ===========================================================================

func (s *Server) addRegistration(job types.JobData) *Registration {
	s.sequence++
	reg := newRegistration(s.registrationIDs.Next(), s.sequence, job)
	assertInvariant(s.registrations[reg.key] == nil, "registration key already present", "scope", reg.key.Scope)

	s.registrations[reg.key] = reg
	s.registrationsByID[reg.id] = reg
	s.originStore[reg.key.TopOrigin]++

	log.Info(log.CatServer, "Registration added",
		"registration", reg.id,
		"scope", reg.key.Scope,
		"top_origin", reg.key.TopOrigin.String())
	s.emit(s.registrationChanged(reg, false))
	return reg
}

func (s *Server) removeRegistration(reg *Registration) {
	if s.registrations[reg.key] != reg {
		return
	}
	delete(s.registrations, reg.key)
	delete(s.registrationsByID, reg.id)
	if n := s.originStore[reg.key.TopOrigin] - 1; n > 0 {
		s.originStore[reg.key.TopOrigin] = n
	} else {
		delete(s.originStore, reg.key.TopOrigin)
	}

	log.Info(log.CatServer, "Registration removed", "registration", reg.id, "scope", reg.key.Scope)
	s.emit(s.registrationChanged(reg, true))
}

func (s *Server) registrationData(reg *Registration) types.RegistrationData {
	data := types.RegistrationData{
		Identifier:     reg.id,
		Key:            reg.key,
		ScopeURL:       reg.scopeURL.String(),
		UpdateViaCache: reg.updateViaCache,
		CreatedAt:      reg.createdAt,
	}
	slotData := func(slot types.RegistrationSlot) *types.WorkerData {
		if w, ok := s.workers[reg.slot(slot)]; ok {
			d := w.data()
			return &d
		}
		return nil
	}
	data.Installing = slotData(types.SlotInstalling)
	data.Waiting = slotData(types.SlotWaiting)
	data.Active = slotData(types.SlotActive)
	return data
}

func (s *Server) registrationChanged(reg *Registration, removed bool) RegistrationChangedEvent {
	return RegistrationChangedEvent{
		Registration: s.registrationData(reg),
		Uninstalling: reg.uninstalling,
		Removed:      removed,
	}
}

// slotOf finds the slot w occupies in its registration.
func (s *Server) slotOf(w *Worker) (types.RegistrationSlot, bool) {
	reg, ok := s.registrations[w.key]
	if !ok || reg.id != w.registrationID {
		return 0, false
	}
	return reg.slotOf(w.id)
}

// updateRegistrationState moves w (or nothing) into slot and broadcasts the
// change to every connection holding a handle on reg.
func (s *Server) updateRegistrationState(reg *Registration, slot types.RegistrationSlot, w *Worker) {
	var id types.WorkerIdentifier
	var data *types.WorkerData
	if w != nil {
		if other, inSlot := reg.slotOf(w.id); inSlot {
			assertInvariant(other == slot, "worker already occupies another slot",
				"worker", w.id, "slot", other.String(), "target", slot.String())
		}
		id = w.id
		d := w.data()
		data = &d
	}
	reg.slots[slot] = id

	for _, connID := range reg.handleConnections() {
		if conn, ok := s.connections[connID]; ok {
			conn.UpdateRegistrationState(reg.id, slot, data)
		}
	}
	s.emit(s.registrationChanged(reg, false))
}

// updateWorkerState transitions w and broadcasts the change to every connection.
func (s *Server) updateWorkerState(w *Worker, state types.WorkerState) {
	if w.state == state {
		return
	}
	assertInvariant(w.state.CanTransitionTo(state), "illegal worker state transition",
		"worker", w.id, "from", w.state.String(), "to", state.String())
	w.state = state

	for _, connID := range sortedKeys(s.connections) {
		s.connections[connID].UpdateWorkerState(w.id, state)
	}
	s.emit(WorkerStateChangedEvent{Worker: w.id, Registration: w.registrationID, State: state})
}

// ===========================================================================
// Worker termination
// ===========================================================================

// terminateWorker stops w, or defers until its pending events settle.
func (s *Server) terminateWorker(w *Worker) {
	if w.HasPendingEvents() {
		log.Debug(log.CatContext, "Deferring termination of busy worker",
			"worker", w.id,
			"pending_events", w.pendingEvents)
		w.terminateWhenIdle = true
		return
	}
	s.forceTerminateWorker(w)
}

// forceTerminateWorker asks the worker's host to stop it regardless of
// pending events. The record stays until the host confirms termination.
func (s *Server) forceTerminateWorker(w *Worker) {
	w.terminateWhenIdle = false
	if w.contextConnection == 0 {
		s.dropPendingContextData(w.id)
		if _, inSlot := s.slotOf(w); !inSlot {
			delete(s.workers, w.id)
		}
		return
	}
	cc, ok := s.contextConnections[w.contextConnection]
	if !ok {
		log.Error(log.CatContext, "No context connection to terminate worker",
			"worker", w.id,
			"context_connection", w.contextConnection)
		return
	}
	cc.TerminateWorker(w.id)
}

func (s *Server) fireInstallEvent(w *Worker) {
	cc, ok := s.contextConnections[w.contextConnection]
	if !ok {
		log.Error(log.CatContext, "No context connection to fire install event",
			"worker", w.id,
			"context_connection", w.contextConnection)
		return
	}
	cc.FireInstallEvent(w.id)
}

func (s *Server) fireActivateEvent(w *Worker) {
	cc, ok := s.contextConnections[w.contextConnection]
	if !ok {
		log.Error(log.CatContext, "No context connection to fire activate event",
			"worker", w.id,
			"context_connection", w.contextConnection)
		return
	}
	cc.FireActivateEvent(w.id)
}

func (s *Server) setPendingEventCount(workerID types.WorkerIdentifier, count int) {
	w, ok := s.workers[workerID]
	if !ok {
		log.Debug(log.CatContext, "dropping pending count of unknown worker", "worker", workerID)
		return
	}
	w.pendingEvents = count
	if count > 0 {
		return
	}
	s.pendingEventsDrained(w)
}

// pendingEventsDrained runs whenever w has no pending events left, including
// when its context goes away: a deferred termination goes ahead, an
// uninstalling registration retries teardown and a waiting worker retries
// activation.
func (s *Server) pendingEventsDrained(w *Worker) {
	if w.terminateWhenIdle || (w.state == types.WorkerRedundant && w.running) {
		s.forceTerminateWorker(w)
	}

	reg, ok := s.registrations[w.key]
	if !ok || reg.id != w.registrationID {
		return
	}
	if reg.uninstalling {
		s.tryClearRegistration(reg)
		if _, still := s.registrations[w.key]; !still {
			return
		}
	}
	if reg.slot(types.SlotActive) == w.id {
		s.tryActivate(reg)
	}
}

func (s *Server) workerContextTerminated(workerID types.WorkerIdentifier) {
	w, ok := s.workers[workerID]
	if !ok {
		log.Debug(log.CatContext, "dropping termination of unknown worker", "worker", workerID)
		return
	}
	w.running = false
	w.contextConnection = 0
	w.pendingEvents = 0

	if q, ok := s.jobQueues[w.key]; ok && q.installingWorker == workerID {
		switch q.state {
		case QueueAwaitingContextStart:
			s.contextStartFailed(q, w, "Worker context terminated before it started", true)
			return
		case QueueAwaitingInstallResolution:
			s.finishInstall(q, w, false)
		}
	}

	s.pendingEventsDrained(w)
	if _, inSlot := s.slotOf(w); !inSlot {
		delete(s.workers, workerID)
	}
}

// ===========================================================================
// Teardown
// ===========================================================================

// tryClearRegistration removes reg unless clients still use it or one of its
// workers has pending events.
func (s *Server) tryClearRegistration(reg *Registration) {
	if reg.hasClientsUsing() {
		return
	}
	for _, id := range reg.slots {
		if w, ok := s.workers[id]; ok && w.HasPendingEvents() {
			return
		}
	}
	s.clearRegistration(reg)
}

// clearRegistration terminates every worker of reg and removes it.
func (s *Server) clearRegistration(reg *Registration) {
	for _, slot := range []types.RegistrationSlot{types.SlotInstalling, types.SlotWaiting, types.SlotActive} {
		w, ok := s.workers[reg.slot(slot)]
		if !ok {
			continue
		}
		s.forceTerminateWorker(w)
		s.updateWorkerState(w, types.WorkerRedundant)
		s.updateRegistrationState(reg, slot, nil)
		if !w.running && w.contextConnection == 0 {
			delete(s.workers, w.id)
		}
	}
	s.removeRegistration(reg)
}

// ===========================================================================
// Job outcomes
// ===========================================================================

func (s *Server) resolveRegistrationJob(job types.JobData, reg *Registration, notify types.ShouldNotifyWhenResolved) {
	if conn, ok := s.connections[job.Identifier.Connection]; ok {
		conn.ResolveRegistrationJob(job.Identifier, s.registrationData(reg), notify)
	}
	s.settled(job, journal.OutcomeResolved, reg.id, nil)
}

func (s *Server) resolveUnregistrationJob(job types.JobData, reg types.RegistrationIdentifier, unregistered bool) {
	if conn, ok := s.connections[job.Identifier.Connection]; ok {
		conn.ResolveUnregistrationJob(job.Identifier, job.Key(), unregistered)
	}
	outcome := journal.OutcomeUnregistered
	if !unregistered {
		outcome = journal.OutcomeNotFound
	}
	s.settled(job, outcome, reg, nil)
}

func (s *Server) rejectJob(job types.JobData, ex types.ExceptionData) {
	log.Debug(log.CatJobs, "Job rejected",
		"job", job.Identifier.String(),
		"kind", string(ex.Kind),
		"message", ex.Message)
	if conn, ok := s.connections[job.Identifier.Connection]; ok {
		conn.RejectJob(job.Identifier, ex)
	}
	s.settled(job, journal.OutcomeRejected, 0, &ex)
}

// settled counts, publishes and journals a job outcome.
func (s *Server) settled(job types.JobData, outcome journal.Outcome, reg types.RegistrationIdentifier, ex *types.ExceptionData) {
	s.metrics.jobsCompleted.WithLabelValues(job.Type.String(), string(outcome)).Inc()
	s.emit(JobSettledEvent{
		Job:          job.Identifier,
		Type:         job.Type,
		Key:          job.Key(),
		Outcome:      string(outcome),
		Registration: reg,
		Error:        ex,
	})

	if s.journal == nil {
		return
	}
	entry := journal.Entry{
		JobID:          job.Identifier.String(),
		JobType:        job.Type.String(),
		TopOrigin:      job.TopOrigin.String(),
		ScopeURL:       job.Key().Scope,
		Outcome:        outcome,
		RegistrationID: uint64(reg),
		CreatedAt:      time.Now(),
	}
	if job.ScriptURL != nil {
		entry.ScriptURL = job.ScriptURL.String()
	}
	if ex != nil {
		entry.ErrorKind = string(ex.Kind)
		entry.Message = ex.Message
	}
	rec := s.journal
	postTask(s, func(ctx context.Context) error {
		if err := rec.Record(ctx, entry); err != nil {
			log.ErrorErr(log.CatDB, "Failed to journal job", err, "job", entry.JobID)
			return err
		}
		return nil
	}, nil)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
