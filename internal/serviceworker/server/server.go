// Package server implements the service worker coordinator: the registration
// table, per-scope job queues, the install/activate state machine and the
// routing between client connections and worker execution hosts.
//
// All coordinator state is owned by a single control goroutine, a
// processor.CommandProcessor. Public methods only enqueue commands, so they
// are safe for concurrent use and never block on coordinator work.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/pubsub"
	"github.com/zjrosen/swserver/internal/serviceworker/command"
	"github.com/zjrosen/swserver/internal/serviceworker/journal"
	"github.com/zjrosen/swserver/internal/serviceworker/processor"
	"github.com/zjrosen/swserver/internal/serviceworker/tracing"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ErrServerStopped is returned when a command is submitted to a server that
// is not running.
var ErrServerStopped = errors.New("service worker server is not running")

// flushPollInterval is how often Flush re-checks the background task runner.
const flushPollInterval = 2 * time.Millisecond

// Timeouts are the job watchdog durations. Zero disables a watchdog.
type Timeouts struct {
	Fetch        time.Duration
	ContextStart time.Duration
	Install      time.Duration
}

// Config configures a Server.
type Config struct {
	CommandQueueCapacity int
	TaskQueueCapacity    int
	ReplyQueueCapacity   int
	// TrustedHosts are extra hosts whose http scripts count as potentially trustworthy.
	TrustedHosts         []string
	SlowCommandThreshold time.Duration
	Timeouts             Timeouts
}

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		CommandQueueCapacity: processor.DefaultQueueCapacity,
		TaskQueueCapacity:    256,
		ReplyQueueCapacity:   256,
		SlowCommandThreshold: processor.DefaultSlowThreshold,
	}
}

// JobRecorder persists job outcomes. It is called on the task goroutine.
type JobRecorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Option configures a Server.
type Option func(*Server)

// WithEventBus publishes server events on bus instead of a private broker.
func WithEventBus(bus *pubsub.Broker[any]) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithJournal records every settled job through rec.
func WithJournal(rec JobRecorder) Option {
	return func(s *Server) {
		s.journal = rec
	}
}

// WithTracer wraps every command in an otel span.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithRegisterer registers the server's collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.registerer = reg
	}
}

// Server is the coordinator.
type Server struct {
	cfg        Config
	proc       *processor.CommandProcessor
	tasks      *taskRunner
	bus        *pubsub.Broker[any]
	ownsBus    bool
	journal    JobRecorder
	tracer     trace.Tracer
	registerer prometheus.Registerer
	metrics    *Metrics

	// Everything below is owned by the control goroutine.

	connections        map[types.ConnectionIdentifier]types.Connection
	contextConnections map[types.ContextConnectionIdentifier]types.ContextConnection
	// contextConnection is the host new workers are started on.
	contextConnection   types.ContextConnectionIdentifier
	pendingContextDatas []types.ContextData

	registrations     map[types.RegistrationKey]*Registration
	registrationsByID map[types.RegistrationIdentifier]*Registration
	jobQueues         map[types.RegistrationKey]*JobQueue
	workers           map[types.WorkerIdentifier]*Worker
	originStore       map[types.SecurityOrigin]int
	timeouts          Timeouts

	registrationIDs types.Generator[types.RegistrationIdentifier]
	workerIDs       types.Generator[types.WorkerIdentifier]
	sequence        uint64

	// fx collects follow-ups and events produced by the running handler.
	fx effects
}

type effects struct {
	followUps []command.Command
	events    []any
}

// New creates a Server. Call Start before submitting anything.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:                cfg,
		connections:        make(map[types.ConnectionIdentifier]types.Connection),
		contextConnections: make(map[types.ContextConnectionIdentifier]types.ContextConnection),
		registrations:      make(map[types.RegistrationKey]*Registration),
		registrationsByID:  make(map[types.RegistrationIdentifier]*Registration),
		jobQueues:          make(map[types.RegistrationKey]*JobQueue),
		workers:            make(map[types.WorkerIdentifier]*Worker),
		originStore:        make(map[types.SecurityOrigin]int),
		timeouts:           cfg.Timeouts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = pubsub.NewBroker[any]()
		s.ownsBus = true
	}
	s.metrics = NewMetrics(s.registerer, s.bus)

	middlewares := []processor.Middleware{
		tracing.NewMiddleware(s.tracer),
		processor.NewLoggingMiddleware(),
		processor.NewSlowHandlerMiddleware(cfg.SlowCommandThreshold),
	}
	if s.registerer != nil {
		middlewares = append(middlewares, processor.NewCommandMetrics(s.registerer).Middleware())
	}
	s.proc = processor.NewCommandProcessor(
		processor.WithQueueCapacity(cfg.CommandQueueCapacity),
		processor.WithEventBus(s.bus),
		processor.WithMiddleware(middlewares...),
	)
	s.tasks = newTaskRunner(cfg.TaskQueueCapacity, cfg.ReplyQueueCapacity, s.proc.Submit)
	s.registerHandlers()
	return s
}

// Start runs the control goroutine and the task runner until ctx is done or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go s.proc.Run(ctx)
	if err := s.proc.WaitForReady(ctx); err != nil {
		return fmt.Errorf("start control goroutine: %w", err)
	}
	s.tasks.start(ctx)
	log.Info(log.CatServer, "Service worker server started",
		"command_queue", s.cfg.CommandQueueCapacity,
		"task_queue", s.cfg.TaskQueueCapacity)
	return nil
}

// Stop processes already queued commands, then stops the task runner.
// Watchdog timers that fire afterwards are ignored.
func (s *Server) Stop() {
	s.proc.Drain()
	s.tasks.stop()
	for _, q := range s.jobQueues {
		q.disarm()
	}
	if s.ownsBus {
		s.bus.Close()
	}
	log.Info(log.CatServer, "Service worker server stopped",
		"processed", s.proc.ProcessedCount(),
		"errors", s.proc.ErrorCount())
}

// Flush waits until the control goroutine and the task runner are quiet:
// every command submitted before the call, everything they caused and every
// task reply has been processed.
func (s *Server) Flush(ctx context.Context) error {
	for {
		if _, err := s.submitAndWait(ctx, command.NewBarrierCommand()); err != nil {
			return err
		}
		if s.proc.QueueLength() == 0 && s.tasks.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushPollInterval):
		}
	}
}

// Events is the bus server and command events are published on.
func (s *Server) Events() *pubsub.Broker[any] {
	return s.bus
}

// Metrics returns the coordinator's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) submit(cmd command.Command) error {
	err := s.proc.Submit(cmd)
	if errors.Is(err, processor.ErrNotRunning) {
		return ErrServerStopped
	}
	return err
}

func (s *Server) submitAndWait(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	result, err := s.proc.SubmitAndWait(ctx, cmd)
	if errors.Is(err, processor.ErrNotRunning) {
		return nil, ErrServerStopped
	}
	return result, err
}

// ===========================================================================
// Connections
// ===========================================================================

// RegisterConnection attaches a client connection.
func (s *Server) RegisterConnection(conn types.Connection) error {
	return s.submit(command.NewRegisterConnectionCommand(conn))
}

// UnregisterConnection detaches a client connection and drops everything it held.
func (s *Server) UnregisterConnection(id types.ConnectionIdentifier) error {
	return s.submit(command.NewUnregisterConnectionCommand(id))
}

// RegisterContextConnection attaches an execution host and flushes buffered
// worker contexts to it.
func (s *Server) RegisterContextConnection(cc types.ContextConnection) error {
	return s.submit(command.NewRegisterContextConnectionCommand(cc))
}

// UnregisterContextConnection detaches an execution host.
func (s *Server) UnregisterContextConnection(id types.ContextConnectionIdentifier) error {
	return s.submit(command.NewUnregisterContextConnectionCommand(id))
}

// ===========================================================================
// Jobs
// ===========================================================================

// ScheduleJob appends job to its scope's queue. The outcome is delivered to
// the requesting connection.
func (s *Server) ScheduleJob(job types.JobData) error {
	return s.submit(command.NewScheduleJobCommand(job))
}

// ScriptFetchFinished reports the result of a fetch started by StartScriptFetch.
func (s *Server) ScriptFetchFinished(conn types.ConnectionIdentifier, result types.FetchResult) error {
	return s.submit(command.NewScriptFetchFinishedCommand(conn, result))
}

// DidResolveRegistrationPromise acknowledges a resolution made with NotifyWhenResolved.
func (s *Server) DidResolveRegistrationPromise(conn types.ConnectionIdentifier, key types.RegistrationKey) error {
	return s.submit(command.NewDidResolveRegistrationPromiseCommand(conn, key))
}

// ===========================================================================
// Client usage
// ===========================================================================

// AddClientRegistration records a client-side registration object held by conn.
func (s *Server) AddClientRegistration(conn types.ConnectionIdentifier, key types.RegistrationKey, id types.RegistrationIdentifier) error {
	return s.submit(command.NewAddClientRegistrationCommand(conn, key, id))
}

// RemoveClientRegistration releases one client-side registration object.
func (s *Server) RemoveClientRegistration(conn types.ConnectionIdentifier, key types.RegistrationKey, id types.RegistrationIdentifier) error {
	return s.submit(command.NewRemoveClientRegistrationCommand(conn, key, id))
}

// StartedControllingClient records that worker now controls client.
func (s *Server) StartedControllingClient(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) error {
	return s.submit(command.NewStartedControllingClientCommand(conn, worker, client))
}

// StoppedControllingClient records that client is no longer controlled.
func (s *Server) StoppedControllingClient(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) error {
	return s.submit(command.NewStoppedControllingClientCommand(conn, worker, client))
}

// ===========================================================================
// Execution contexts
// ===========================================================================

// ScriptContextStarted reports that the worker's context is running.
func (s *Server) ScriptContextStarted(job types.JobDataIdentifier, worker types.WorkerIdentifier) error {
	return s.submit(command.NewScriptContextStartedCommand(job, worker))
}

// ScriptContextFailedToStart reports that the worker's context could not start.
func (s *Server) ScriptContextFailedToStart(job types.JobDataIdentifier, worker types.WorkerIdentifier, message string) error {
	return s.submit(command.NewScriptContextFailedToStartCommand(job, worker, message))
}

// DidFinishInstall reports the settled install event.
func (s *Server) DidFinishInstall(job types.JobDataIdentifier, worker types.WorkerIdentifier, succeeded bool) error {
	return s.submit(command.NewDidFinishInstallCommand(job, worker, succeeded))
}

// DidFinishActivation reports the settled activate event.
func (s *Server) DidFinishActivation(worker types.WorkerIdentifier) error {
	return s.submit(command.NewDidFinishActivationCommand(worker))
}

// SetPendingEventCount reports the worker's outstanding lifetime-extending events.
func (s *Server) SetPendingEventCount(worker types.WorkerIdentifier, count int) error {
	return s.submit(command.NewSetPendingEventCountCommand(worker, count))
}

// WorkerContextTerminated reports that the worker's context is gone.
func (s *Server) WorkerContextTerminated(worker types.WorkerIdentifier) error {
	return s.submit(command.NewWorkerContextTerminatedCommand(worker))
}

// ===========================================================================
// Queries and administration
// ===========================================================================

// GetRegistrations lists live registrations visible to clientURL, oldest first.
func (s *Server) GetRegistrations(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) ([]types.RegistrationData, error) {
	result, err := s.submitAndWait(ctx, command.NewGetRegistrationsCommand(topOrigin, clientURL))
	if err != nil {
		return nil, err
	}
	regs, _ := result.Data.([]types.RegistrationData)
	return regs, nil
}

// MatchRegistration returns the registration controlling clientURL, or nil.
func (s *Server) MatchRegistration(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) (*types.RegistrationData, error) {
	result, err := s.submitAndWait(ctx, command.NewMatchRegistrationCommand(topOrigin, clientURL))
	if err != nil {
		return nil, err
	}
	reg, _ := result.Data.(*types.RegistrationData)
	return reg, nil
}

// Snapshot captures the whole coordinator state.
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	result, err := s.submitAndWait(ctx, command.NewSnapshotCommand())
	if err != nil {
		return Snapshot{}, err
	}
	snap, _ := result.Data.(Snapshot)
	return snap, nil
}

// ClearAll tears down every registration and rejects every queued job.
// It returns how many registrations were removed.
func (s *Server) ClearAll(ctx context.Context) (int, error) {
	return s.clear(ctx, nil)
}

// ClearOrigin tears down registrations whose top origin or scope origin is origin.
func (s *Server) ClearOrigin(ctx context.Context, origin types.SecurityOrigin) (int, error) {
	return s.clear(ctx, &origin)
}

func (s *Server) clear(ctx context.Context, origin *types.SecurityOrigin) (int, error) {
	result, err := s.submitAndWait(ctx, command.NewClearCommand(origin))
	if err != nil {
		return 0, err
	}
	n, _ := result.Data.(int)
	return n, nil
}

// UpdateTimeouts replaces the watchdog timeouts. Stages already armed keep
// their original deadline.
func (s *Server) UpdateTimeouts(t Timeouts) error {
	return s.submit(command.NewUpdateTimeoutsCommand(t.Fetch, t.ContextStart, t.Install))
}

// ===========================================================================
// Control goroutine helpers
// ===========================================================================

func (s *Server) followUp(cmd command.Command) {
	s.fx.followUps = append(s.fx.followUps, cmd)
}

func (s *Server) emit(event any) {
	s.fx.events = append(s.fx.events, event)
}

// postTask runs work on the task goroutine and reply with its result on the
// control goroutine. When the task queue is full both run inline.
func postTask[T any](s *Server, work func(ctx context.Context) T, reply func(T)) {
	err := s.tasks.post(func(ctx context.Context) {
		value := work(ctx)
		if reply != nil {
			s.tasks.postReply(func() { reply(value) })
		}
	})
	if err == nil {
		return
	}
	log.Warn(log.CatTasks, "task queue full, running task inline", "error", err.Error())
	value := work(context.Background())
	if reply != nil {
		reply(value)
	}
}

func (s *Server) updateGauges() {
	s.metrics.registrations.Set(float64(len(s.registrations)))
	s.metrics.workers.Set(float64(len(s.workers)))
	s.metrics.pendingContextData.Set(float64(len(s.pendingContextDatas)))
	queued := 0
	for _, q := range s.jobQueues {
		queued += len(q.jobs)
	}
	s.metrics.queuedJobs.Set(float64(queued))
}
