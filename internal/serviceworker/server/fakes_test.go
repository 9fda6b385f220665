package server

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ===========================================================================
// Fake client connection
// ===========================================================================

type resolution struct {
	Job          types.JobDataIdentifier
	Registration types.RegistrationData
	Notify       types.ShouldNotifyWhenResolved
}

type rejection struct {
	Job       types.JobDataIdentifier
	Exception types.ExceptionData
}

type unregistration struct {
	Job          types.JobDataIdentifier
	Key          types.RegistrationKey
	Unregistered bool
}

type controllerChange struct {
	Clients []types.ClientIdentifier
	Active  types.WorkerData
}

// fakeConnection answers fetches from scripts and acknowledges resolutions
// unless told otherwise. It records everything the server tells it.
type fakeConnection struct {
	id types.ConnectionIdentifier
	s  *Server

	mu          sync.Mutex
	scripts     map[string]string
	manualFetch bool
	manualAck   bool

	fetches         []types.JobData
	resolutions     []resolution
	rejections      []rejection
	unregistrations []unregistration
	settled         []types.JobDataIdentifier
	workerStates    map[types.WorkerIdentifier][]types.WorkerState
	updateFound     []types.RegistrationIdentifier
	controllers     []controllerChange
	slotUpdates     int
}

func newFakeConnection(id types.ConnectionIdentifier, s *Server) *fakeConnection {
	return &fakeConnection{
		id:           id,
		s:            s,
		scripts:      make(map[string]string),
		workerStates: make(map[types.WorkerIdentifier][]types.WorkerState),
	}
}

func (c *fakeConnection) Identifier() types.ConnectionIdentifier { return c.id }

func (c *fakeConnection) setScript(scriptURL, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[scriptURL] = body
}

func (c *fakeConnection) RejectJob(job types.JobDataIdentifier, ex types.ExceptionData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections = append(c.rejections, rejection{Job: job, Exception: ex})
	c.settled = append(c.settled, job)
}

func (c *fakeConnection) ResolveRegistrationJob(job types.JobDataIdentifier, reg types.RegistrationData, notify types.ShouldNotifyWhenResolved) {
	c.mu.Lock()
	c.resolutions = append(c.resolutions, resolution{Job: job, Registration: reg, Notify: notify})
	c.settled = append(c.settled, job)
	manual := c.manualAck
	c.mu.Unlock()

	_ = c.s.AddClientRegistration(c.id, reg.Key, reg.Identifier)
	if notify == types.NotifyWhenResolved && !manual {
		_ = c.s.DidResolveRegistrationPromise(c.id, reg.Key)
	}
}

func (c *fakeConnection) ResolveUnregistrationJob(job types.JobDataIdentifier, key types.RegistrationKey, unregistered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregistrations = append(c.unregistrations, unregistration{Job: job, Key: key, Unregistered: unregistered})
	c.settled = append(c.settled, job)
}

func (c *fakeConnection) StartScriptFetch(job types.JobData) {
	c.mu.Lock()
	c.fetches = append(c.fetches, job)
	body, ok := c.scripts[job.ScriptURL.String()]
	manual := c.manualFetch
	c.mu.Unlock()

	if manual {
		return
	}
	result := types.FetchResult{JobDataIdentifier: job.Identifier, RegistrationKey: job.Key(), Script: body}
	if !ok {
		result.Err = errors.New("404 not found")
	}
	_ = c.s.ScriptFetchFinished(c.id, result)
}

func (c *fakeConnection) UpdateRegistrationState(types.RegistrationIdentifier, types.RegistrationSlot, *types.WorkerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotUpdates++
}

func (c *fakeConnection) UpdateWorkerState(worker types.WorkerIdentifier, state types.WorkerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerStates[worker] = append(c.workerStates[worker], state)
}

func (c *fakeConnection) FireUpdateFoundEvent(reg types.RegistrationIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateFound = append(c.updateFound, reg)
}

func (c *fakeConnection) NotifyClientsOfControllerChange(clients []types.ClientIdentifier, active types.WorkerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controllers = append(c.controllers, controllerChange{Clients: clients, Active: active})
}

func (c *fakeConnection) Fetches() []types.JobData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.JobData(nil), c.fetches...)
}

func (c *fakeConnection) Resolutions() []resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]resolution(nil), c.resolutions...)
}

func (c *fakeConnection) Rejections() []rejection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rejection(nil), c.rejections...)
}

func (c *fakeConnection) Unregistrations() []unregistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]unregistration(nil), c.unregistrations...)
}

func (c *fakeConnection) Settled() []types.JobDataIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.JobDataIdentifier(nil), c.settled...)
}

func (c *fakeConnection) WorkerStates(w types.WorkerIdentifier) []types.WorkerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.WorkerState(nil), c.workerStates[w]...)
}

func (c *fakeConnection) UpdateFound() []types.RegistrationIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.RegistrationIdentifier(nil), c.updateFound...)
}

func (c *fakeConnection) Controllers() []controllerChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controllerChange(nil), c.controllers...)
}

// ===========================================================================
// Fake execution host
// ===========================================================================

// fakeContext starts workers and settles their events immediately unless
// told otherwise. Terminations are confirmed right away.
type fakeContext struct {
	id types.ContextConnectionIdentifier
	s  *Server

	mu             sync.Mutex
	manualStart    bool
	startFailure   string
	manualInstall  bool
	installFails   bool
	manualActivate bool

	started    []types.ContextData
	installs   []types.WorkerIdentifier
	activates  []types.WorkerIdentifier
	terminated []types.WorkerIdentifier
	jobs       map[types.WorkerIdentifier]types.JobDataIdentifier
}

func newFakeContext(id types.ContextConnectionIdentifier, s *Server) *fakeContext {
	return &fakeContext{id: id, s: s, jobs: make(map[types.WorkerIdentifier]types.JobDataIdentifier)}
}

func (c *fakeContext) Identifier() types.ContextConnectionIdentifier { return c.id }

func (c *fakeContext) InstallServiceWorkerContext(data types.ContextData) {
	c.mu.Lock()
	c.started = append(c.started, data)
	c.jobs[data.WorkerIdentifier] = data.JobDataIdentifier
	manual, failure := c.manualStart, c.startFailure
	c.mu.Unlock()

	switch {
	case manual:
	case failure != "":
		_ = c.s.ScriptContextFailedToStart(data.JobDataIdentifier, data.WorkerIdentifier, failure)
	default:
		_ = c.s.ScriptContextStarted(data.JobDataIdentifier, data.WorkerIdentifier)
	}
}

func (c *fakeContext) FireInstallEvent(worker types.WorkerIdentifier) {
	c.mu.Lock()
	c.installs = append(c.installs, worker)
	job := c.jobs[worker]
	manual, fails := c.manualInstall, c.installFails
	c.mu.Unlock()

	if !manual {
		_ = c.s.DidFinishInstall(job, worker, !fails)
	}
}

func (c *fakeContext) FireActivateEvent(worker types.WorkerIdentifier) {
	c.mu.Lock()
	c.activates = append(c.activates, worker)
	manual := c.manualActivate
	c.mu.Unlock()

	if !manual {
		_ = c.s.DidFinishActivation(worker)
	}
}

func (c *fakeContext) TerminateWorker(worker types.WorkerIdentifier) {
	c.mu.Lock()
	c.terminated = append(c.terminated, worker)
	c.mu.Unlock()
	_ = c.s.WorkerContextTerminated(worker)
}

func (c *fakeContext) Started() []types.ContextData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ContextData(nil), c.started...)
}

func (c *fakeContext) Installs() []types.WorkerIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.WorkerIdentifier(nil), c.installs...)
}

func (c *fakeContext) Terminated() []types.WorkerIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.WorkerIdentifier(nil), c.terminated...)
}

func (c *fakeContext) JobFor(worker types.WorkerIdentifier) types.JobDataIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[worker]
}

// ===========================================================================
// Harness
// ===========================================================================

const (
	testOrigin = "https://example.com"
	testClient = "https://example.com/app/index.html"
)

type harness struct {
	t    testing.TB
	s    *Server
	conn *fakeConnection
	cc   *fakeContext
	next types.JobIdentifier
}

func startServer(t testing.TB, cfg Config, opts ...Option) *Server {
	t.Helper()
	s := New(cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s
}

// newHarness starts a server with one client connection and one execution host.
func newHarness(t testing.TB, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, DefaultConfig(), opts...)
}

func newHarnessWithConfig(t testing.TB, cfg Config, opts ...Option) *harness {
	t.Helper()
	s := startServer(t, cfg, opts...)
	h := &harness{
		t:    t,
		s:    s,
		conn: newFakeConnection(1, s),
		cc:   newFakeContext(1, s),
	}
	require.NoError(t, s.RegisterConnection(h.conn))
	require.NoError(t, s.RegisterContextConnection(h.cc))
	h.flush()
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.s.Flush(ctx))
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.s.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) job(jobType types.JobType, scope, script string) types.JobData {
	h.next++
	job := types.JobData{
		Identifier:        types.JobDataIdentifier{Connection: h.conn.id, Job: h.next},
		Type:              jobType,
		TopOrigin:         mustOrigin(testOrigin),
		ClientCreationURL: mustURL(testClient),
		ScopeURL:          mustURL(scope),
	}
	if script != "" {
		job.ScriptURL = mustURL(script)
	}
	return job
}

// schedule submits job and returns its identifier.
func (h *harness) schedule(job types.JobData) types.JobDataIdentifier {
	h.t.Helper()
	require.NoError(h.t, h.s.ScheduleJob(job))
	return job.Identifier
}

// register schedules a register job, flushes and returns it.
func (h *harness) register(scope, script string) types.JobData {
	h.t.Helper()
	job := h.job(types.JobRegister, scope, script)
	h.schedule(job)
	h.flush()
	return job
}

func (h *harness) registrationFor(scope string) (RegistrationSnapshot, bool) {
	h.t.Helper()
	for _, reg := range h.snapshot().Registrations {
		if reg.Key.Scope == scope {
			return reg, true
		}
	}
	return RegistrationSnapshot{}, false
}

func mustURL(raw string) *url.URL {
	u, err := types.ParseURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func mustOrigin(raw string) types.SecurityOrigin {
	o, err := types.ParseOrigin(raw)
	if err != nil {
		panic(err)
	}
	return o
}
