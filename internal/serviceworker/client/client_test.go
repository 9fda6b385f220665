package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swserver/internal/pubsub"
	"github.com/zjrosen/swserver/internal/serviceworker/contextmanager"
	"github.com/zjrosen/swserver/internal/serviceworker/fetch"
	"github.com/zjrosen/swserver/internal/serviceworker/server"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ===========================================================================
// Test Helpers
// ===========================================================================

// scriptHost serves worker scripts over HTTP.
type scriptHost struct {
	*httptest.Server
	mu      sync.Mutex
	scripts map[string]string
}

func newScriptHost(t *testing.T) *scriptHost {
	t.Helper()
	h := &scriptHost{scripts: make(map[string]string)}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		body, ok := h.scripts[r.URL.Path]
		h.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *scriptHost) set(path, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts[path] = body
}

func (h *scriptHost) url(t *testing.T, path string) *url.URL {
	t.Helper()
	u, err := types.ParseURL(h.URL + path)
	require.NoError(t, err)
	return u
}

func (h *scriptHost) origin(t *testing.T) types.SecurityOrigin {
	t.Helper()
	o, err := types.ParseOrigin(h.URL)
	require.NoError(t, err)
	return o
}

type stack struct {
	srv   *server.Server
	conn  *Connection
	ctxm  *contextmanager.Manager
	host  *scriptHost
	flush func()
}

// newStack wires a real server, an execution host and a client connection
// fetching from an httptest server.
func newStack(t *testing.T, withContext bool) *stack {
	t.Helper()
	srv := server.New(server.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	host := newScriptHost(t)
	fetcher := fetch.New(fetch.DefaultConfig())
	conn, err := New(1, srv, fetcher)
	require.NoError(t, err)

	st := &stack{srv: srv, conn: conn, host: host}
	if withContext {
		st.ctxm = contextmanager.New(1, srv)
		require.NoError(t, srv.RegisterContextConnection(st.ctxm))
	}
	st.flush = func() {
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer fcancel()
		require.NoError(t, srv.Flush(fctx))
	}
	t.Cleanup(func() {
		_ = conn.Close()
		if st.ctxm != nil {
			st.ctxm.Close()
		}
		srv.Stop()
		cancel()
	})
	return st
}

func (st *stack) request(t *testing.T, scope, script string) Request {
	return Request{
		TopOrigin: st.host.origin(t),
		ClientURL: st.host.url(t, "/index.html"),
		ScriptURL: st.host.url(t, script),
		ScopeURL:  st.host.url(t, scope),
	}
}

// waitActive waits until the registration at scope has an activated worker.
func (st *stack) waitActive(t *testing.T, scope string) {
	t.Helper()
	require.Eventually(t, func() bool {
		match, err := st.conn.MatchRegistration(context.Background(), st.host.origin(t), st.host.url(t, scope))
		return err == nil && match != nil && match.Active != nil && match.Active.State == types.WorkerActivated
	}, 5*time.Second, 5*time.Millisecond)
	st.flush()
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ===========================================================================
// End to end
// ===========================================================================

func TestConnection_RegisterActivatesWorker(t *testing.T) {
	st := newStack(t, true)
	st.host.set("/sw.js", "self.addEventListener('fetch', e => e.respondWith(fetch(e.request)))")

	events := st.conn.Subscribe(waitCtx(t))
	reg, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/sw.js"))
	require.NoError(t, err)
	require.NotNil(t, reg.Installing)
	require.Equal(t, types.WorkerInstalling, reg.Installing.State)

	st.waitActive(t, "/page")

	var sawUpdateFound, sawActivated bool
	timeout := time.After(2 * time.Second)
	for !(sawUpdateFound && sawActivated) {
		select {
		case ev := <-events:
			switch ev.Payload.Kind {
			case NotifyUpdateFound:
				sawUpdateFound = ev.Payload.Registration == reg.Identifier
			case NotifyWorkerState:
				if ev.Payload.State == types.WorkerActivated {
					sawActivated = true
				}
			}
		case <-timeout:
			t.Fatalf("missing notifications: updatefound=%v activated=%v", sawUpdateFound, sawActivated)
		}
	}
}

func TestConnection_SyntaxErrorRejectsRegister(t *testing.T) {
	st := newStack(t, true)
	st.host.set("/sw.js", "self.oninstall = (")

	_, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/sw.js"))
	var ex types.ExceptionData
	require.ErrorAs(t, err, &ex)
	require.Equal(t, types.ContextStartError, ex.Kind)
	require.Contains(t, ex.Message, "SyntaxError")
}

func TestConnection_MissingScriptRejectsRegister(t *testing.T) {
	st := newStack(t, true)

	_, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/missing.js"))
	require.Equal(t, types.ScriptFetchError, types.KindOf(err))

	regs, err := st.conn.GetRegistrations(waitCtx(t), st.host.origin(t), st.host.url(t, "/index.html"))
	require.NoError(t, err)
	require.Empty(t, regs)
}

func TestConnection_ScopeAboveScriptDirectoryRejected(t *testing.T) {
	st := newStack(t, true)
	st.host.set("/js/sw.js", "1")

	_, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/js/sw.js"))
	require.Equal(t, types.SecurityMismatch, types.KindOf(err))
}

func TestConnection_UpdateWithIdenticalScriptKeepsWorker(t *testing.T) {
	st := newStack(t, true)
	st.host.set("/sw.js", "1")

	first, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/sw.js"))
	require.NoError(t, err)
	st.waitActive(t, "/")

	updated, err := st.conn.Update(waitCtx(t), st.request(t, "/", "/sw.js"))
	require.NoError(t, err)
	require.NotNil(t, updated.Active)
	require.Equal(t, first.Installing.Identifier, updated.Active.Identifier)
	require.Nil(t, updated.Installing)
}

func TestConnection_Unregister(t *testing.T) {
	st := newStack(t, true)
	st.host.set("/sw.js", "1")

	_, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/sw.js"))
	require.NoError(t, err)
	st.waitActive(t, "/")

	ok, err := st.conn.Unregister(waitCtx(t), st.host.origin(t), st.host.url(t, "/index.html"), st.host.url(t, "/"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.conn.Unregister(waitCtx(t), st.host.origin(t), st.host.url(t, "/index.html"), st.host.url(t, "/"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConnection_ControlledClientDefersRemoval(t *testing.T) {
	st := newStack(t, true)
	st.host.set("/sw.js", "1")

	reg, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/sw.js"))
	require.NoError(t, err)
	st.waitActive(t, "/")
	worker := reg.Installing.Identifier

	require.NoError(t, st.conn.StartControlling(worker, 5))
	ok, err := st.conn.Unregister(waitCtx(t), st.host.origin(t), st.host.url(t, "/index.html"), st.host.url(t, "/"))
	require.NoError(t, err)
	require.True(t, ok)
	st.flush()

	snap, err := st.srv.Snapshot(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, snap.Registrations, 1)
	require.True(t, snap.Registrations[0].Uninstalling)

	require.NoError(t, st.conn.StopControlling(worker, 5))
	st.flush()
	snap, err = st.srv.Snapshot(waitCtx(t))
	require.NoError(t, err)
	require.Empty(t, snap.Registrations)
}

func TestConnection_ReleaseDropsHandle(t *testing.T) {
	st := newStack(t, true)
	st.host.set("/sw.js", "1")

	reg, err := st.conn.Register(waitCtx(t), st.request(t, "/", "/sw.js"))
	require.NoError(t, err)
	st.waitActive(t, "/")

	snap, err := st.srv.Snapshot(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, 1, snap.Registrations[0].Handles)

	require.NoError(t, st.conn.Release(reg))
	st.flush()
	snap, err = st.srv.Snapshot(waitCtx(t))
	require.NoError(t, err)
	require.Zero(t, snap.Registrations[0].Handles)
}

func TestConnection_ContextCancelStopsWaiting(t *testing.T) {
	st := newStack(t, false)
	st.host.set("/sw.js", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := st.conn.Register(ctx, st.request(t, "/", "/sw.js"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnection_CloseFailsWaitingCalls(t *testing.T) {
	st := newStack(t, false)
	st.host.set("/sw.js", "1")

	done := make(chan error, 1)
	go func() {
		_, err := st.conn.Register(context.Background(), st.request(t, "/", "/sw.js"))
		done <- err
	}()
	require.Eventually(t, func() bool {
		snap, err := st.srv.Snapshot(context.Background())
		return err == nil && snap.PendingContextData == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, st.conn.Close())
	require.ErrorIs(t, <-done, ErrClosed)

	_, err := st.conn.Register(context.Background(), st.request(t, "/", "/sw.js"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestConnection_InvalidRequest(t *testing.T) {
	st := newStack(t, false)
	_, err := st.conn.Register(waitCtx(t), Request{TopOrigin: st.host.origin(t), ScopeURL: st.host.url(t, "/")})
	require.Error(t, err)
}

// ===========================================================================
// Server callbacks
// ===========================================================================

// mockServer is a testify mock of Server.
type mockServer struct {
	mock.Mock
}

func (m *mockServer) RegisterConnection(conn types.Connection) error {
	return m.Called(conn).Error(0)
}

func (m *mockServer) UnregisterConnection(id types.ConnectionIdentifier) error {
	return m.Called(id).Error(0)
}

func (m *mockServer) ScheduleJob(job types.JobData) error {
	return m.Called(job).Error(0)
}

func (m *mockServer) ScriptFetchFinished(conn types.ConnectionIdentifier, result types.FetchResult) error {
	return m.Called(conn, result).Error(0)
}

func (m *mockServer) DidResolveRegistrationPromise(conn types.ConnectionIdentifier, key types.RegistrationKey) error {
	return m.Called(conn, key).Error(0)
}

func (m *mockServer) AddClientRegistration(conn types.ConnectionIdentifier, key types.RegistrationKey, id types.RegistrationIdentifier) error {
	return m.Called(conn, key, id).Error(0)
}

func (m *mockServer) RemoveClientRegistration(conn types.ConnectionIdentifier, key types.RegistrationKey, id types.RegistrationIdentifier) error {
	return m.Called(conn, key, id).Error(0)
}

func (m *mockServer) StartedControllingClient(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) error {
	return m.Called(conn, worker, client).Error(0)
}

func (m *mockServer) StoppedControllingClient(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) error {
	return m.Called(conn, worker, client).Error(0)
}

func (m *mockServer) GetRegistrations(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) ([]types.RegistrationData, error) {
	args := m.Called(ctx, topOrigin, clientURL)
	regs, _ := args.Get(0).([]types.RegistrationData)
	return regs, args.Error(1)
}

func (m *mockServer) MatchRegistration(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) (*types.RegistrationData, error) {
	args := m.Called(ctx, topOrigin, clientURL)
	reg, _ := args.Get(0).(*types.RegistrationData)
	return reg, args.Error(1)
}

type stubFetcher struct {
	script fetch.Script
	err    error
}

func (f stubFetcher) Fetch(context.Context, types.JobData) (fetch.Script, error) {
	return f.script, f.err
}

func newMockedConnection(t *testing.T, fetcher Fetcher) (*Connection, *mockServer) {
	t.Helper()
	srv := &mockServer{}
	srv.On("RegisterConnection", mock.Anything).Return(nil).Once()
	conn, err := New(3, srv, fetcher)
	require.NoError(t, err)
	return conn, srv
}

func TestConnection_UnclaimedResolutionReleasesHandle(t *testing.T) {
	conn, srv := newMockedConnection(t, stubFetcher{})
	key := types.RegistrationKey{Scope: "https://example.com/"}
	reg := types.RegistrationData{Identifier: 9, Key: key}

	// Neither job has a waiting caller, so each handle is dropped again.
	srv.On("AddClientRegistration", types.ConnectionIdentifier(3), key, types.RegistrationIdentifier(9)).Return(nil).Twice()
	srv.On("RemoveClientRegistration", types.ConnectionIdentifier(3), key, types.RegistrationIdentifier(9)).Return(nil).Twice()
	srv.On("DidResolveRegistrationPromise", types.ConnectionIdentifier(3), key).Return(nil).Once()

	conn.ResolveRegistrationJob(types.JobDataIdentifier{Connection: 3, Job: 1}, reg, types.NotifyWhenResolved)
	conn.ResolveRegistrationJob(types.JobDataIdentifier{Connection: 3, Job: 2}, reg, types.DontNotifyWhenResolved)

	srv.AssertExpectations(t)
}

func TestConnection_FetchReportsResult(t *testing.T) {
	conn, srv := newMockedConnection(t, stubFetcher{script: fetch.Script{Body: "v1"}})
	job := types.JobData{Identifier: types.JobDataIdentifier{Connection: 3, Job: 4}}

	reported := make(chan types.FetchResult, 1)
	srv.On("ScriptFetchFinished", types.ConnectionIdentifier(3), mock.Anything).
		Run(func(args mock.Arguments) { reported <- args.Get(1).(types.FetchResult) }).
		Return(nil).Once()

	conn.StartScriptFetch(job)
	result := <-reported
	require.Equal(t, job.Identifier, result.JobDataIdentifier)
	require.Equal(t, "v1", result.Script)
	require.NoError(t, result.Err)
}

func TestConnection_FetchReportsError(t *testing.T) {
	fetchErr := types.NewException(types.ScriptFetchError, "boom")
	conn, srv := newMockedConnection(t, stubFetcher{err: fetchErr})

	reported := make(chan types.FetchResult, 1)
	srv.On("ScriptFetchFinished", types.ConnectionIdentifier(3), mock.Anything).
		Run(func(args mock.Arguments) { reported <- args.Get(1).(types.FetchResult) }).
		Return(nil).Once()

	conn.StartScriptFetch(types.JobData{Identifier: types.JobDataIdentifier{Connection: 3, Job: 5}})
	result := <-reported
	require.True(t, errors.Is(result.Err, fetchErr))
}

func TestConnection_NotificationsPublished(t *testing.T) {
	conn, _ := newMockedConnection(t, stubFetcher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Subscribe(ctx)

	conn.FireUpdateFoundEvent(4)
	conn.NotifyClientsOfControllerChange([]types.ClientIdentifier{1, 2}, types.WorkerData{Identifier: 8, RegistrationIdentifier: 4})

	first := <-events
	require.Equal(t, pubsub.NotificationEvent, first.Type)
	require.Equal(t, NotifyUpdateFound, first.Payload.Kind)

	second := <-events
	require.Equal(t, NotifyControllerChange, second.Payload.Kind)
	require.Equal(t, types.RegistrationIdentifier(4), second.Payload.Registration)
	require.Equal(t, []types.ClientIdentifier{1, 2}, second.Payload.Clients)
}
