package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/command"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// QueueState is where the head job of a queue is suspended.
type QueueState int

const (
	QueueIdle QueueState = iota
	QueueRunning
	QueueAwaitingFetch
	QueueAwaitingContextStart
	QueueAwaitingInstallResolution
)

func (s QueueState) String() string {
	switch s {
	case QueueIdle:
		return "idle"
	case QueueRunning:
		return "running"
	case QueueAwaitingFetch:
		return "awaiting_fetch"
	case QueueAwaitingContextStart:
		return "awaiting_context_start"
	case QueueAwaitingInstallResolution:
		return "awaiting_install_resolution"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s QueueState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *QueueState) UnmarshalText(text []byte) error {
	for candidate := QueueIdle; candidate <= QueueAwaitingInstallResolution; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("invalid queue state %q", text)
}

// errConnectionClosed is the fetch failure recorded when the fetching
// connection goes away.
var errConnectionClosed = errors.New("connection closed")

// JobQueue is the FIFO of jobs for one registration key. The head job is
// current until finishCurrentJob pops it.
type JobQueue struct {
	key   types.RegistrationKey
	jobs  []types.JobData
	state QueueState

	// installingWorker is the worker the head job is starting or installing.
	installingWorker types.WorkerIdentifier
	// awaitingAck is set while the resolving connection has not yet called
	// DidResolveRegistrationPromise.
	awaitingAck bool
	// fetched is set once the head job's fetch result arrived.
	fetched bool

	// generation invalidates watchdogs armed for earlier stages.
	generation uint64
	timer      *time.Timer
}

func newJobQueue(key types.RegistrationKey) *JobQueue {
	return &JobQueue{key: key}
}

func (q *JobQueue) current() (types.JobData, bool) {
	if len(q.jobs) == 0 {
		return types.JobData{}, false
	}
	return q.jobs[0], true
}

// isCurrent reports whether job is the head and the queue is in state.
func (q *JobQueue) isCurrent(job types.JobDataIdentifier, state QueueState) bool {
	head, ok := q.current()
	return ok && head.Identifier == job && q.state == state
}

// ===========================================================================
// Scheduling
// ===========================================================================

func (s *Server) scheduleJob(job types.JobData) error {
	if _, ok := s.connections[job.Identifier.Connection]; !ok {
		log.Debug(log.CatJobs, "dropping job from unknown connection",
			"job", job.Identifier.String(),
			"connection", job.Identifier.Connection)
		return nil
	}

	key := job.Key()
	q, ok := s.jobQueues[key]
	if !ok {
		q = newJobQueue(key)
		s.jobQueues[key] = q
	}
	q.jobs = append(q.jobs, job)

	s.metrics.jobsScheduled.WithLabelValues(job.Type.String()).Inc()
	s.emit(JobScheduledEvent{Job: job.Identifier, Type: job.Type, Key: key, Depth: len(q.jobs)})
	log.Debug(log.CatJobs, "Job scheduled",
		"job", job.Identifier.String(),
		"type", job.Type.String(),
		"scope", key.Scope,
		"depth", len(q.jobs))

	if len(q.jobs) == 1 {
		s.followUp(command.NewRunNextJobCommand(key))
	}
	return nil
}

func (s *Server) runNextJob(key types.RegistrationKey) {
	q, ok := s.jobQueues[key]
	if !ok || q.state != QueueIdle {
		return
	}
	job, ok := q.current()
	if !ok {
		return
	}

	q.state = QueueRunning
	q.fetched = false
	log.Debug(log.CatJobs, "Running job",
		"job", job.Identifier.String(),
		"type", job.Type.String(),
		"scope", key.Scope)

	switch job.Type {
	case types.JobRegister:
		s.runRegisterJob(q, job)
	case types.JobUpdate:
		s.runUpdateJob(q, job)
	case types.JobUnregister:
		s.runUnregisterJob(q, job)
	default:
		s.rejectCurrentJob(q, types.NewException(types.LifecycleConflict, "Unknown job type %d", job.Type))
	}
}

// finishCurrentJob pops the head job. The next job starts from a follow-up
// command so the call depth never grows with the queue.
func (s *Server) finishCurrentJob(q *JobQueue) {
	assertInvariant(len(q.jobs) > 0, "finishing a job on an empty queue", "scope", q.key.Scope)
	if len(q.jobs) == 0 {
		return
	}

	q.disarm()
	q.jobs[0] = types.JobData{}
	q.jobs = q.jobs[1:]
	q.state = QueueIdle
	q.installingWorker = 0
	q.awaitingAck = false
	q.fetched = false

	if len(q.jobs) == 0 {
		delete(s.jobQueues, q.key)
		return
	}
	s.followUp(command.NewRunNextJobCommand(q.key))
}

func (s *Server) rejectCurrentJob(q *JobQueue, ex types.ExceptionData) {
	job, ok := q.current()
	if !ok {
		return
	}
	s.rejectJob(job, ex)
	s.finishCurrentJob(q)
}

// ===========================================================================
// Register / Update / Unregister
// ===========================================================================

func (s *Server) runRegisterJob(q *JobQueue, job types.JobData) {
	if !types.IsPotentiallyTrustworthy(job.ScriptURL, s.cfg.TrustedHosts) {
		s.rejectCurrentJob(q, types.NewException(types.SecurityMismatch, "Script URL is not potentially trustworthy"))
		return
	}
	if !types.ProtocolHostAndPortAreEqual(job.ScriptURL, job.ClientCreationURL) {
		s.rejectCurrentJob(q, types.NewException(types.SecurityMismatch, "Script origin does not match the registering client's origin"))
		return
	}
	if !types.ProtocolHostAndPortAreEqual(job.ScopeURL, job.ClientCreationURL) {
		s.rejectCurrentJob(q, types.NewException(types.SecurityMismatch, "Scope origin does not match the registering client's origin"))
		return
	}

	if reg, ok := s.registrations[q.key]; ok {
		if reg.uninstalling {
			reg.uninstalling = false
			s.emit(s.registrationChanged(reg, false))
		}
		newest := s.workers[reg.newestWorker()]
		if newest != nil &&
			types.EqualIgnoringFragment(job.ScriptURL, newest.scriptURL) &&
			job.Options.UpdateViaCache == reg.updateViaCache {
			s.resolveRegistrationJob(job, reg, types.DontNotifyWhenResolved)
			s.finishCurrentJob(q)
			return
		}
		reg.updateViaCache = job.Options.UpdateViaCache
	} else {
		s.addRegistration(job)
	}

	s.runUpdateJob(q, job)
}

func (s *Server) runUpdateJob(q *JobQueue, job types.JobData) {
	reg, ok := s.registrations[q.key]
	if !ok {
		s.rejectCurrentJob(q, types.NewException(types.LifecycleConflict, "Cannot update a null/nonexistent service worker registration"))
		return
	}
	if reg.uninstalling {
		s.rejectCurrentJob(q, types.NewException(types.LifecycleConflict, "Cannot update a service worker registration that is uninstalling"))
		return
	}
	newest := s.workers[reg.newestWorker()]
	if job.Type == types.JobUpdate && newest != nil && !types.EqualIgnoringFragment(job.ScriptURL, newest.scriptURL) {
		s.rejectCurrentJob(q, types.NewException(types.LifecycleConflict, "Cannot update a service worker with a requested script URL whose newest worker has a different script URL"))
		return
	}

	s.startScriptFetch(q, job)
}

func (s *Server) startScriptFetch(q *JobQueue, job types.JobData) {
	q.state = QueueAwaitingFetch
	s.armWatchdog(q, job, watchdogFetch)

	conn, ok := s.connections[job.Identifier.Connection]
	if !ok {
		s.scriptFetchFailed(q, job, errConnectionClosed)
		return
	}
	log.Debug(log.CatJobs, "Starting script fetch",
		"job", job.Identifier.String(),
		"script_url", job.ScriptURL.String())
	conn.StartScriptFetch(job)
}

func (s *Server) runUnregisterJob(q *JobQueue, job types.JobData) {
	if !types.OriginFromURL(job.ScopeURL).SameOrigin(types.OriginFromURL(job.ClientCreationURL)) {
		s.rejectCurrentJob(q, types.NewException(types.SecurityMismatch, "Origin of scope URL does not match the client's origin"))
		return
	}

	reg, ok := s.registrations[q.key]
	if !ok || reg.uninstalling {
		s.resolveUnregistrationJob(job, 0, false)
		s.finishCurrentJob(q)
		return
	}

	reg.uninstalling = true
	s.emit(s.registrationChanged(reg, false))
	s.resolveUnregistrationJob(job, reg.id, true)
	s.tryClearRegistration(reg)
	s.finishCurrentJob(q)
}

// ===========================================================================
// Script fetch
// ===========================================================================

func (s *Server) scriptFetchFinished(connID types.ConnectionIdentifier, result types.FetchResult) {
	q, ok := s.jobQueues[result.RegistrationKey]
	if !ok || q.fetched || !q.isCurrent(result.JobDataIdentifier, QueueAwaitingFetch) {
		log.Debug(log.CatJobs, "dropping stale fetch result",
			"job", result.JobDataIdentifier.String(),
			"connection", connID)
		return
	}
	job, _ := q.current()

	if result.Err != nil {
		s.scriptFetchFailed(q, job, result.Err)
		return
	}

	q.fetched = true
	q.disarm()
	script := result.Script
	postTask(s, func(context.Context) [sha256.Size]byte {
		return scriptDigest(script)
	}, func(digest [sha256.Size]byte) {
		s.scriptDigested(job, script, digest)
	})
}

func (s *Server) scriptFetchFailed(q *JobQueue, job types.JobData, err error) {
	var ex types.ExceptionData
	if !errors.As(err, &ex) {
		ex = types.NewException(types.ScriptFetchError, "Script URL %s fetch resulted in error: %v", job.ScriptURL, err)
	}
	s.rejectJob(job, ex)

	if reg, ok := s.registrations[q.key]; ok && reg.isEmpty() {
		s.clearRegistration(reg)
	}
	s.finishCurrentJob(q)
}

// scriptDigested runs on the control goroutine once the fetched script was
// hashed. A script identical to the newest worker's resolves without a new
// worker.
func (s *Server) scriptDigested(job types.JobData, script string, digest [sha256.Size]byte) {
	q, ok := s.jobQueues[job.Key()]
	if !ok || !q.fetched || !q.isCurrent(job.Identifier, QueueAwaitingFetch) {
		log.Debug(log.CatJobs, "dropping stale script digest", "job", job.Identifier.String())
		return
	}

	reg, ok := s.registrations[q.key]
	if !ok {
		s.rejectCurrentJob(q, types.NewException(types.LifecycleConflict, "Registration was removed while fetching its script"))
		return
	}

	if newest := s.workers[reg.newestWorker()]; newest != nil &&
		types.EqualIgnoringFragment(newest.scriptURL, job.ScriptURL) &&
		newest.digest == digest {
		log.Debug(log.CatJobs, "Fetched script is byte-identical, skipping update",
			"job", job.Identifier.String(),
			"worker", newest.id)
		s.resolveRegistrationJob(job, reg, types.DontNotifyWhenResolved)
		s.finishCurrentJob(q)
		return
	}

	s.updateWorker(q, job, reg, script, digest)
}

// updateWorker creates the new worker and hands its context to an execution
// host, or buffers it until one attaches.
func (s *Server) updateWorker(q *JobQueue, job types.JobData, reg *Registration, script string, digest [sha256.Size]byte) {
	w := newWorker(s.workerIDs.Next(), reg, job.ScriptURL, script, digest, job.Options.Type)
	s.workers[w.id] = w
	reg.scriptURL = w.scriptURL

	q.state = QueueAwaitingContextStart
	q.installingWorker = w.id
	s.armWatchdog(q, job, watchdogContextStart)

	data := w.contextData(job.Identifier)
	cc, ok := s.contextConnections[s.contextConnection]
	if !ok {
		log.Debug(log.CatContext, "No context connection, buffering worker context",
			"worker", w.id,
			"pending", len(s.pendingContextDatas)+1)
		s.pendingContextDatas = append(s.pendingContextDatas, data)
		return
	}
	w.contextConnection = cc.Identifier()
	cc.InstallServiceWorkerContext(data)
}

// ===========================================================================
// Context start
// ===========================================================================

func (s *Server) scriptContextStarted(jobID types.JobDataIdentifier, workerID types.WorkerIdentifier) {
	w, ok := s.workers[workerID]
	if !ok {
		log.Debug(log.CatContext, "dropping start of unknown worker", "worker", workerID)
		return
	}
	w.running = true

	q, ok := s.jobQueues[w.key]
	if !ok || q.installingWorker != workerID || !q.isCurrent(jobID, QueueAwaitingContextStart) {
		log.Debug(log.CatContext, "worker started for a job that is gone", "worker", workerID, "job", jobID.String())
		if _, inSlot := s.slotOf(w); !inSlot {
			w.state = types.WorkerRedundant
			s.forceTerminateWorker(w)
		}
		return
	}

	job, _ := q.current()
	s.install(q, job, w)
}

func (s *Server) scriptContextFailedToStart(jobID types.JobDataIdentifier, workerID types.WorkerIdentifier, message string) {
	w, ok := s.workers[workerID]
	if !ok {
		log.Debug(log.CatContext, "dropping start failure of unknown worker", "worker", workerID)
		return
	}
	q, ok := s.jobQueues[w.key]
	if !ok || q.installingWorker != workerID || !q.isCurrent(jobID, QueueAwaitingContextStart) {
		log.Debug(log.CatContext, "dropping stale start failure", "worker", workerID, "job", jobID.String())
		return
	}
	s.contextStartFailed(q, w, message, true)
}

// contextStartFailed rejects the head job. Unless the host itself reported
// the failure it is asked to tear down whatever it started.
func (s *Server) contextStartFailed(q *JobQueue, w *Worker, message string, hostReported bool) {
	job, _ := q.current()
	log.Warn(log.CatContext, "Worker context failed to start",
		"worker", w.id,
		"job", job.Identifier.String(),
		"message", message)

	w.state = types.WorkerRedundant
	if !hostReported && w.contextConnection != 0 {
		if cc, ok := s.contextConnections[w.contextConnection]; ok {
			cc.TerminateWorker(w.id)
		}
	}
	delete(s.workers, w.id)
	s.dropPendingContextData(w.id)

	s.rejectJob(job, types.NewException(types.ContextStartError, "%s", message))
	if reg, ok := s.registrations[q.key]; ok && reg.isEmpty() {
		s.clearRegistration(reg)
	}
	s.finishCurrentJob(q)
}

func (s *Server) dropPendingContextData(worker types.WorkerIdentifier) {
	kept := s.pendingContextDatas[:0]
	for _, data := range s.pendingContextDatas {
		if data.WorkerIdentifier != worker {
			kept = append(kept, data)
		}
	}
	s.pendingContextDatas = kept
}

// ===========================================================================
// Install
// ===========================================================================

// install puts w in the installing slot and resolves the job. The queue head
// stays held until the install event settles.
func (s *Server) install(q *JobQueue, job types.JobData, w *Worker) {
	reg, ok := s.registrations[q.key]
	if !ok {
		s.contextStartFailed(q, w, "Registration was removed while the worker was starting", false)
		return
	}
	assertInvariant(reg.slot(types.SlotInstalling) == 0, "installing slot already occupied",
		"scope", reg.key.Scope, "worker", reg.slot(types.SlotInstalling))

	s.updateRegistrationState(reg, types.SlotInstalling, w)
	s.updateWorkerState(w, types.WorkerInstalling)

	q.state = QueueAwaitingInstallResolution
	s.armWatchdog(q, job, watchdogInstall)

	if _, ok := s.connections[job.Identifier.Connection]; !ok {
		s.resolveRegistrationJob(job, reg, types.NotifyWhenResolved)
		s.continueInstall(q, reg)
		return
	}
	q.awaitingAck = true
	s.resolveRegistrationJob(job, reg, types.NotifyWhenResolved)
}

func (s *Server) didResolveRegistrationPromise(connID types.ConnectionIdentifier, key types.RegistrationKey) {
	q, ok := s.jobQueues[key]
	if !ok || !q.awaitingAck || q.state != QueueAwaitingInstallResolution {
		log.Debug(log.CatJobs, "dropping stale resolution acknowledgement", "connection", connID, "scope", key.Scope)
		return
	}
	if job, _ := q.current(); job.Identifier.Connection != connID {
		log.Debug(log.CatJobs, "acknowledgement from a connection that did not resolve", "connection", connID)
		return
	}
	reg, ok := s.registrations[key]
	if !ok {
		return
	}
	s.continueInstall(q, reg)
}

// continueInstall fires updatefound and the install event once the
// resolution was acknowledged.
func (s *Server) continueInstall(q *JobQueue, reg *Registration) {
	q.awaitingAck = false
	w, ok := s.workers[q.installingWorker]
	if !ok {
		return
	}
	for _, connID := range reg.handleConnections() {
		if conn, ok := s.connections[connID]; ok {
			conn.FireUpdateFoundEvent(reg.id)
		}
	}
	s.fireInstallEvent(w)
}

func (s *Server) didFinishInstall(jobID types.JobDataIdentifier, workerID types.WorkerIdentifier, succeeded bool) {
	w, ok := s.workers[workerID]
	if !ok {
		log.Debug(log.CatContext, "dropping install result of unknown worker", "worker", workerID)
		return
	}
	q, ok := s.jobQueues[w.key]
	if !ok || q.installingWorker != workerID || !q.isCurrent(jobID, QueueAwaitingInstallResolution) {
		log.Debug(log.CatContext, "dropping stale install result", "worker", workerID, "job", jobID.String())
		return
	}
	s.finishInstall(q, w, succeeded)
}

func (s *Server) finishInstall(q *JobQueue, w *Worker, succeeded bool) {
	reg, ok := s.registrations[q.key]
	if !ok {
		s.finishCurrentJob(q)
		return
	}

	if !succeeded {
		log.Info(log.CatJobs, "Install failed", "worker", w.id, "scope", reg.key.Scope)
		s.updateWorkerState(w, types.WorkerRedundant)
		s.updateRegistrationState(reg, types.SlotInstalling, nil)
		s.terminateWorker(w)
		if reg.isEmpty() {
			s.clearRegistration(reg)
		}
		s.finishCurrentJob(q)
		return
	}

	if waiting, ok := s.workers[reg.slot(types.SlotWaiting)]; ok {
		s.terminateWorker(waiting)
		s.updateWorkerState(waiting, types.WorkerRedundant)
	}
	s.updateRegistrationState(reg, types.SlotInstalling, nil)
	s.updateRegistrationState(reg, types.SlotWaiting, w)
	s.updateWorkerState(w, types.WorkerInstalled)
	log.Info(log.CatJobs, "Worker installed", "worker", w.id, "scope", reg.key.Scope)

	s.finishCurrentJob(q)
	s.tryActivate(reg)
}

// ===========================================================================
// Activate
// ===========================================================================

func (s *Server) tryActivate(reg *Registration) {
	if reg.slot(types.SlotWaiting) == 0 {
		return
	}
	active, hasActive := s.workers[reg.slot(types.SlotActive)]
	if hasActive && active.state == types.WorkerActivating {
		return
	}
	if !hasActive || !active.HasPendingEvents() {
		s.activate(reg)
	}
}

func (s *Server) activate(reg *Registration) {
	if active, ok := s.workers[reg.slot(types.SlotActive)]; ok {
		s.terminateWorker(active)
		s.updateWorkerState(active, types.WorkerRedundant)
	}
	next := s.workers[reg.slot(types.SlotWaiting)]
	s.updateRegistrationState(reg, types.SlotWaiting, nil)
	s.updateRegistrationState(reg, types.SlotActive, next)
	s.updateWorkerState(next, types.WorkerActivating)
	log.Info(log.CatJobs, "Worker activating", "worker", next.id, "scope", reg.key.Scope)

	s.notifyClientsOfControllerChange(reg, next)
	s.fireActivateEvent(next)
}

func (s *Server) didFinishActivation(workerID types.WorkerIdentifier) {
	w, ok := s.workers[workerID]
	if !ok || w.state != types.WorkerActivating {
		log.Debug(log.CatContext, "dropping stale activation result", "worker", workerID)
		return
	}
	reg, ok := s.registrations[w.key]
	if !ok || reg.slot(types.SlotActive) != workerID {
		return
	}
	s.updateWorkerState(w, types.WorkerActivated)
	if reg.uninstalling {
		s.tryClearRegistration(reg)
	}
}

func (s *Server) notifyClientsOfControllerChange(reg *Registration, active *Worker) {
	byConn := reg.clientsByConnection()
	total := 0
	for _, connID := range sortedKeys(byConn) {
		conn, ok := s.connections[connID]
		if !ok {
			continue
		}
		clients := byConn[connID]
		total += len(clients)
		conn.NotifyClientsOfControllerChange(clients, active.data())
	}
	s.emit(ControllerChangedEvent{Registration: reg.id, Active: active.data(), Clients: total})
}
