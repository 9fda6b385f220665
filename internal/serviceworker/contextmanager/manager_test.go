package contextmanager

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ===========================================================================
// Test Helpers
// ===========================================================================

type call struct {
	Method    string
	Job       types.JobDataIdentifier
	Worker    types.WorkerIdentifier
	Succeeded bool
	Count     int
	Message   string
}

// recordingServer records every report in order.
type recordingServer struct {
	mu    sync.Mutex
	calls []call
}

func (s *recordingServer) add(c call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return nil
}

func (s *recordingServer) ScriptContextStarted(job types.JobDataIdentifier, worker types.WorkerIdentifier) error {
	return s.add(call{Method: "started", Job: job, Worker: worker})
}

func (s *recordingServer) ScriptContextFailedToStart(job types.JobDataIdentifier, worker types.WorkerIdentifier, message string) error {
	return s.add(call{Method: "failed", Job: job, Worker: worker, Message: message})
}

func (s *recordingServer) DidFinishInstall(job types.JobDataIdentifier, worker types.WorkerIdentifier, succeeded bool) error {
	return s.add(call{Method: "installed", Job: job, Worker: worker, Succeeded: succeeded})
}

func (s *recordingServer) DidFinishActivation(worker types.WorkerIdentifier) error {
	return s.add(call{Method: "activated", Worker: worker})
}

func (s *recordingServer) SetPendingEventCount(worker types.WorkerIdentifier, count int) error {
	return s.add(call{Method: "pending", Worker: worker, Count: count})
}

func (s *recordingServer) WorkerContextTerminated(worker types.WorkerIdentifier) error {
	return s.add(call{Method: "terminated", Worker: worker})
}

func (s *recordingServer) Calls(method string) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingServer) waitFor(t *testing.T, method string, n int) []call {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Calls(method)) >= n }, 2*time.Second, 2*time.Millisecond,
		"waiting for %d %q reports", n, method)
	return s.Calls(method)
}

// scriptedRuntime returns per-kind handler results.
type scriptedRuntime struct {
	startErr   error
	extensions map[EventKind][]Extension
	failures   map[EventKind]error

	mu      sync.Mutex
	stopped []types.WorkerIdentifier
}

func (r *scriptedRuntime) Start(context.Context, types.ContextData) error { return r.startErr }

func (r *scriptedRuntime) Dispatch(_ context.Context, _ types.WorkerIdentifier, kind EventKind) ([]Extension, error) {
	if err := r.failures[kind]; err != nil {
		return nil, err
	}
	return r.extensions[kind], nil
}

func (r *scriptedRuntime) Stop(worker types.WorkerIdentifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, worker)
}

func (r *scriptedRuntime) Stopped() []types.WorkerIdentifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.WorkerIdentifier(nil), r.stopped...)
}

func contextData(worker types.WorkerIdentifier, script string) types.ContextData {
	u, _ := url.Parse("https://example.com/sw.js")
	return types.ContextData{
		JobDataIdentifier: types.JobDataIdentifier{Connection: 1, Job: types.JobIdentifier(worker)},
		WorkerIdentifier:  worker,
		ScriptURL:         u,
		Script:            script,
	}
}

func newManager(t *testing.T, srv Server, opts ...Option) *Manager {
	t.Helper()
	m := New(1, srv, opts...)
	t.Cleanup(m.Close)
	return m
}

// ===========================================================================
// Start
// ===========================================================================

func TestManager_StartsValidScript(t *testing.T) {
	srv := &recordingServer{}
	m := newManager(t, srv)

	m.InstallServiceWorkerContext(contextData(7, "self.addEventListener('install', () => {})"))

	started := srv.waitFor(t, "started", 1)
	require.Equal(t, types.WorkerIdentifier(7), started[0].Worker)
	require.Equal(t, types.JobIdentifier(7), started[0].Job.Job)
	require.Equal(t, []types.WorkerIdentifier{7}, m.Workers())
}

func TestManager_SyntaxErrorFailsStart(t *testing.T) {
	srv := &recordingServer{}
	m := newManager(t, srv)

	m.InstallServiceWorkerContext(contextData(3, "self.oninstall = ("))

	failed := srv.waitFor(t, "failed", 1)
	require.Equal(t, types.WorkerIdentifier(3), failed[0].Worker)
	require.Contains(t, failed[0].Message, "SyntaxError")
	require.Empty(t, srv.Calls("started"))
	require.Empty(t, m.Workers())
}

func TestManager_RuntimeStartErrorFailsStart(t *testing.T) {
	srv := &recordingServer{}
	rt := &scriptedRuntime{startErr: errors.New("ReferenceError: foo is not defined")}
	m := newManager(t, srv, WithRuntime(rt))

	m.InstallServiceWorkerContext(contextData(4, "foo()"))

	failed := srv.waitFor(t, "failed", 1)
	require.Equal(t, "ReferenceError: foo is not defined", failed[0].Message)
	require.Equal(t, []types.WorkerIdentifier{4}, rt.Stopped())
}

func TestManager_WithoutParseCheckSkipsSyntax(t *testing.T) {
	srv := &recordingServer{}
	m := newManager(t, srv, WithoutParseCheck())

	m.InstallServiceWorkerContext(contextData(5, "this is not javascript ("))
	srv.waitFor(t, "started", 1)
}

func TestParseCheck_ModuleScripts(t *testing.T) {
	data := contextData(1, "import { x } from './x.js'\nexport default x")
	data.Type = types.WorkerTypeModule
	require.NoError(t, ParseCheck(data))

	data.Script = "export default {"
	err := ParseCheck(data)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SyntaxError")
}

// ===========================================================================
// Lifecycle events
// ===========================================================================

func TestManager_InstallWaitsForExtensions(t *testing.T) {
	srv := &recordingServer{}
	release := make(chan struct{})
	rt := &scriptedRuntime{extensions: map[EventKind][]Extension{
		EventInstall: {
			func(ctx context.Context) error { <-release; return nil },
			func(ctx context.Context) error { return nil },
		},
	}}
	m := newManager(t, srv, WithRuntime(rt))
	m.InstallServiceWorkerContext(contextData(1, "1"))
	srv.waitFor(t, "started", 1)

	m.FireInstallEvent(1)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, srv.Calls("installed"), "install settles after its extensions")

	close(release)
	installed := srv.waitFor(t, "installed", 1)
	require.True(t, installed[0].Succeeded)
}

func TestManager_FailingExtensionFailsInstall(t *testing.T) {
	srv := &recordingServer{}
	rt := &scriptedRuntime{extensions: map[EventKind][]Extension{
		EventInstall: {func(ctx context.Context) error { return errors.New("cache.addAll failed") }},
	}}
	m := newManager(t, srv, WithRuntime(rt))
	m.InstallServiceWorkerContext(contextData(1, "1"))
	srv.waitFor(t, "started", 1)

	m.FireInstallEvent(1)
	installed := srv.waitFor(t, "installed", 1)
	require.False(t, installed[0].Succeeded)
}

func TestManager_InstallTimesOut(t *testing.T) {
	srv := &recordingServer{}
	rt := &scriptedRuntime{extensions: map[EventKind][]Extension{
		EventInstall: {func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }},
	}}
	m := newManager(t, srv, WithRuntime(rt), WithEventTimeout(20*time.Millisecond))
	m.InstallServiceWorkerContext(contextData(1, "1"))
	srv.waitFor(t, "started", 1)

	m.FireInstallEvent(1)
	installed := srv.waitFor(t, "installed", 1)
	require.False(t, installed[0].Succeeded)
}

func TestManager_ActivationReportedEvenWhenHandlerFails(t *testing.T) {
	srv := &recordingServer{}
	rt := &scriptedRuntime{failures: map[EventKind]error{EventActivate: errors.New("boom")}}
	m := newManager(t, srv, WithRuntime(rt))
	m.InstallServiceWorkerContext(contextData(2, "1"))
	srv.waitFor(t, "started", 1)

	m.FireActivateEvent(2)
	activated := srv.waitFor(t, "activated", 1)
	require.Equal(t, types.WorkerIdentifier(2), activated[0].Worker)
}

func TestManager_EventsForUnknownWorkerAreDropped(t *testing.T) {
	srv := &recordingServer{}
	m := newManager(t, srv)

	m.FireInstallEvent(99)
	m.FireActivateEvent(99)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, srv.Calls("installed"))
	assert.Empty(t, srv.Calls("activated"))
}

// ===========================================================================
// Functional events
// ===========================================================================

func TestManager_FunctionalEventHoldsPendingCount(t *testing.T) {
	srv := &recordingServer{}
	release := make(chan struct{})
	rt := &scriptedRuntime{extensions: map[EventKind][]Extension{
		EventFetch: {func(ctx context.Context) error { <-release; return nil }},
	}}
	m := newManager(t, srv, WithRuntime(rt))
	m.InstallServiceWorkerContext(contextData(1, "1"))
	srv.waitFor(t, "started", 1)

	done := make(chan error, 1)
	go func() { done <- m.DispatchFunctionalEvent(context.Background(), 1, EventFetch) }()

	pending := srv.waitFor(t, "pending", 1)
	require.Equal(t, 1, pending[0].Count)
	require.Equal(t, 1, m.PendingEvents(1))

	close(release)
	require.NoError(t, <-done)
	pending = srv.waitFor(t, "pending", 2)
	require.Equal(t, 0, pending[1].Count)
	require.Zero(t, m.PendingEvents(1))
}

func TestManager_FunctionalEventErrors(t *testing.T) {
	srv := &recordingServer{}
	rt := &scriptedRuntime{failures: map[EventKind]error{EventPush: errors.New("handler threw")}}
	m := newManager(t, srv, WithRuntime(rt))
	m.InstallServiceWorkerContext(contextData(1, "1"))
	srv.waitFor(t, "started", 1)

	err := m.DispatchFunctionalEvent(context.Background(), 1, EventPush)
	require.ErrorContains(t, err, "handler threw")
	require.Len(t, srv.Calls("pending"), 2, "the count returns to zero on failure")

	require.ErrorIs(t, m.DispatchFunctionalEvent(context.Background(), 42, EventFetch), ErrUnknownWorker)
	require.Error(t, m.DispatchFunctionalEvent(context.Background(), 1, EventInstall))
}

func TestParseEventKind(t *testing.T) {
	kind, err := ParseEventKind("Push")
	require.NoError(t, err)
	require.Equal(t, EventPush, kind)

	_, err = ParseEventKind("install")
	require.Error(t, err)
}

// ===========================================================================
// Termination
// ===========================================================================

func TestManager_TerminateCancelsRunningWork(t *testing.T) {
	srv := &recordingServer{}
	rt := &scriptedRuntime{extensions: map[EventKind][]Extension{
		EventMessage: {func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }},
	}}
	m := newManager(t, srv, WithRuntime(rt))
	m.InstallServiceWorkerContext(contextData(1, "1"))
	srv.waitFor(t, "started", 1)

	done := make(chan error, 1)
	go func() { done <- m.DispatchFunctionalEvent(context.Background(), 1, EventMessage) }()
	srv.waitFor(t, "pending", 1)

	m.TerminateWorker(1)
	require.Error(t, <-done)
	terminated := srv.waitFor(t, "terminated", 1)
	require.Equal(t, types.WorkerIdentifier(1), terminated[0].Worker)
	require.Contains(t, rt.Stopped(), types.WorkerIdentifier(1))
	require.Empty(t, m.Workers())
}

func TestManager_TerminateUnknownWorkerConfirms(t *testing.T) {
	srv := &recordingServer{}
	m := newManager(t, srv)

	m.TerminateWorker(12)
	terminated := srv.waitFor(t, "terminated", 1)
	require.Equal(t, types.WorkerIdentifier(12), terminated[0].Worker)
}

func TestManager_CloseRejectsNewContexts(t *testing.T) {
	srv := &recordingServer{}
	m := New(1, srv)
	m.InstallServiceWorkerContext(contextData(1, "1"))
	srv.waitFor(t, "started", 1)

	m.Close()
	require.Empty(t, m.Workers())

	m.InstallServiceWorkerContext(contextData(2, "1"))
	failed := srv.waitFor(t, "failed", 1)
	require.Equal(t, ErrClosed.Error(), failed[0].Message)
}
