// Package contextmanager hosts worker execution contexts. Each worker gets
// its own goroutine; lifecycle events run there in order, functional events
// run on the caller and feed the server's pending-event count.
package contextmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ErrUnknownWorker is returned for a worker this manager is not running.
var ErrUnknownWorker = errors.New("unknown worker")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("context manager closed")

// Server is the part of the coordinator a context connection reports to.
type Server interface {
	ScriptContextStarted(job types.JobDataIdentifier, worker types.WorkerIdentifier) error
	ScriptContextFailedToStart(job types.JobDataIdentifier, worker types.WorkerIdentifier, message string) error
	DidFinishInstall(job types.JobDataIdentifier, worker types.WorkerIdentifier, succeeded bool) error
	DidFinishActivation(worker types.WorkerIdentifier) error
	SetPendingEventCount(worker types.WorkerIdentifier, count int) error
	WorkerContextTerminated(worker types.WorkerIdentifier) error
}

const mailboxSize = 16

// Manager is a types.ContextConnection. Its connection-facing methods never
// block the caller.
type Manager struct {
	id         types.ContextConnectionIdentifier
	srv        Server
	runtime    Runtime
	parseCheck bool
	eventLimit time.Duration

	mu      sync.Mutex
	workers map[types.WorkerIdentifier]*workerContext
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithRuntime replaces the NopRuntime.
func WithRuntime(rt Runtime) Option {
	return func(m *Manager) {
		m.runtime = rt
	}
}

// WithoutParseCheck skips the syntax check before a worker starts.
func WithoutParseCheck() Option {
	return func(m *Manager) {
		m.parseCheck = false
	}
}

// WithEventTimeout bounds each dispatched event including its extensions.
func WithEventTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.eventLimit = d
	}
}

type workerContext struct {
	data    types.ContextData
	mailbox chan func(ctx context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	// pending counts functional events in flight. Guarded by Manager.mu.
	pending int
}

// New creates a Manager reporting to srv.
func New(id types.ContextConnectionIdentifier, srv Server, opts ...Option) *Manager {
	m := &Manager{
		id:         id,
		srv:        srv,
		runtime:    NopRuntime{},
		parseCheck: true,
		workers:    make(map[types.WorkerIdentifier]*workerContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Identifier implements types.ContextConnection.
func (m *Manager) Identifier() types.ContextConnectionIdentifier {
	return m.id
}

// InstallServiceWorkerContext starts the worker's goroutine, which checks and
// evaluates the script and reports the outcome.
func (m *Manager) InstallServiceWorkerContext(data types.ContextData) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.report("context failed to start", m.srv.ScriptContextFailedToStart(data.JobDataIdentifier, data.WorkerIdentifier, ErrClosed.Error()))
		return
	}
	if _, exists := m.workers[data.WorkerIdentifier]; exists {
		m.mu.Unlock()
		log.Warn(log.CatContext, "Worker context already running", "worker", data.WorkerIdentifier)
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	wc := &workerContext{
		data:    data,
		mailbox: make(chan func(ctx context.Context), mailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.workers[data.WorkerIdentifier] = wc
	m.wg.Add(1)
	m.mu.Unlock()

	log.SafeGo(fmt.Sprintf("sw-worker-%d", data.WorkerIdentifier), func() {
		defer m.wg.Done()
		defer close(wc.done)
		m.run(wc)
	})
}

func (m *Manager) run(wc *workerContext) {
	data := wc.data
	if err := m.start(wc.ctx, data); err != nil {
		log.Info(log.CatContext, "Worker context failed to start",
			"worker", data.WorkerIdentifier,
			"script_url", data.ScriptURL.String(),
			"error", err.Error())
		m.forget(data.WorkerIdentifier, wc)
		m.runtime.Stop(data.WorkerIdentifier)
		m.report("context failed to start", m.srv.ScriptContextFailedToStart(data.JobDataIdentifier, data.WorkerIdentifier, err.Error()))
		return
	}
	log.Debug(log.CatContext, "Worker context started", "worker", data.WorkerIdentifier)
	m.report("context started", m.srv.ScriptContextStarted(data.JobDataIdentifier, data.WorkerIdentifier))

	for {
		select {
		case <-wc.ctx.Done():
			return
		case task := <-wc.mailbox:
			task(wc.ctx)
		}
	}
}

func (m *Manager) start(ctx context.Context, data types.ContextData) error {
	if m.parseCheck {
		if err := ParseCheck(data); err != nil {
			return err
		}
	}
	return m.runtime.Start(ctx, data)
}

// FireInstallEvent dispatches install on the worker's goroutine and reports
// the result. An unknown worker fails its install.
func (m *Manager) FireInstallEvent(worker types.WorkerIdentifier) {
	wc, ok := m.lookup(worker)
	if !ok {
		log.Warn(log.CatContext, "Install event for unknown worker", "worker", worker)
		return
	}
	job := wc.data.JobDataIdentifier
	m.post(wc, func(ctx context.Context) {
		err := m.dispatch(ctx, worker, EventInstall)
		if err != nil {
			log.Info(log.CatContext, "Install event failed", "worker", worker, "error", err.Error())
		}
		m.report("install finished", m.srv.DidFinishInstall(job, worker, err == nil))
	})
}

// FireActivateEvent dispatches activate on the worker's goroutine. Activation
// completes whether or not the handler failed.
func (m *Manager) FireActivateEvent(worker types.WorkerIdentifier) {
	wc, ok := m.lookup(worker)
	if !ok {
		log.Warn(log.CatContext, "Activate event for unknown worker", "worker", worker)
		return
	}
	m.post(wc, func(ctx context.Context) {
		if err := m.dispatch(ctx, worker, EventActivate); err != nil {
			log.Info(log.CatContext, "Activate event failed", "worker", worker, "error", err.Error())
		}
		m.report("activation finished", m.srv.DidFinishActivation(worker))
	})
}

// TerminateWorker stops the worker's goroutine and reports the termination.
// Termination of a worker this manager does not know is confirmed at once.
func (m *Manager) TerminateWorker(worker types.WorkerIdentifier) {
	m.mu.Lock()
	wc, ok := m.workers[worker]
	delete(m.workers, worker)
	m.mu.Unlock()

	if !ok {
		m.report("worker terminated", m.srv.WorkerContextTerminated(worker))
		return
	}
	wc.cancel()
	log.SafeGo(fmt.Sprintf("sw-terminate-%d", worker), func() {
		<-wc.done
		m.runtime.Stop(worker)
		log.Debug(log.CatContext, "Worker context terminated", "worker", worker)
		m.report("worker terminated", m.srv.WorkerContextTerminated(worker))
	})
}

// DispatchFunctionalEvent runs a functional event on the calling goroutine
// and waits for its extensions. The server sees the worker's pending-event
// count rise for the duration.
func (m *Manager) DispatchFunctionalEvent(ctx context.Context, worker types.WorkerIdentifier, kind EventKind) error {
	if !kind.IsFunctional() {
		return fmt.Errorf("%s is not a functional event", kind)
	}
	wc, ok := m.lookup(worker)
	if !ok {
		return fmt.Errorf("dispatch %s to worker %d: %w", kind, worker, ErrUnknownWorker)
	}

	m.adjustPending(worker, wc, 1)
	defer m.adjustPending(worker, wc, -1)

	ctx, cancel := mergeCancel(ctx, wc.ctx)
	defer cancel()
	if err := m.dispatch(ctx, worker, kind); err != nil {
		return fmt.Errorf("dispatch %s to worker %d: %w", kind, worker, err)
	}
	return nil
}

// PendingEvents returns the worker's functional events in flight.
func (m *Manager) PendingEvents(worker types.WorkerIdentifier) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wc, ok := m.workers[worker]; ok {
		return wc.pending
	}
	return 0
}

// Workers lists the running worker identifiers.
func (m *Manager) Workers() []types.WorkerIdentifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]types.WorkerIdentifier, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every worker goroutine without reporting terminations; the
// caller unregisters the connection instead.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	workers := m.workers
	m.workers = make(map[types.WorkerIdentifier]*workerContext)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	for id := range workers {
		m.runtime.Stop(id)
	}
}

// dispatch runs the handler and settles its extensions. The first failing
// extension cancels the rest and fails the event.
func (m *Manager) dispatch(ctx context.Context, worker types.WorkerIdentifier, kind EventKind) error {
	if m.eventLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.eventLimit)
		defer cancel()
	}

	extensions, err := m.runtime.Dispatch(ctx, worker, kind)
	if err != nil {
		return err
	}
	if len(extensions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ext := range extensions {
		g.Go(func() error {
			return ext(gctx)
		})
	}
	return g.Wait()
}

// adjustPending reports the new count while holding the lock so the server
// receives counts in the order they were produced.
func (m *Manager) adjustPending(worker types.WorkerIdentifier, wc *workerContext, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc.pending += delta
	m.report("pending event count", m.srv.SetPendingEventCount(worker, wc.pending))
}

func (m *Manager) lookup(worker types.WorkerIdentifier) (*workerContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.workers[worker]
	return wc, ok
}

func (m *Manager) forget(worker types.WorkerIdentifier, wc *workerContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[worker] == wc {
		delete(m.workers, worker)
	}
}

// post queues task on the worker's goroutine. A full mailbox hands the send
// to a helper goroutine so the caller never waits.
func (m *Manager) post(wc *workerContext, task func(ctx context.Context)) {
	select {
	case wc.mailbox <- task:
		return
	default:
	}
	log.Warn(log.CatContext, "Worker mailbox full, queueing asynchronously", "worker", wc.data.WorkerIdentifier)
	log.SafeGo("sw-worker-mailbox", func() {
		select {
		case wc.mailbox <- task:
		case <-wc.ctx.Done():
		}
	})
}

func (m *Manager) report(what string, err error) {
	if err != nil {
		log.Warn(log.CatContext, "Failed to report to server", "event", what, "error", err.Error())
	}
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
