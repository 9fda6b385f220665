// Package command defines the messages processed on the coordinator's control
// goroutine. Every mutation of registration, job queue and worker state enters
// the system as a Command and is applied in FIFO order.
package command

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Command represents an explicit intent entering the control goroutine.
type Command interface {
	// ID returns unique command identifier for tracing/correlation
	ID() string
	// Type returns the command type for routing to handlers
	Type() CommandType
	// Validate checks command preconditions before execution
	Validate() error
	// Priority returns execution priority (0=normal, 1=urgent)
	Priority() int
	// CreatedAt returns when command was created
	CreatedAt() time.Time
}

// CommandType identifies the kind of command for handler routing.
type CommandType string

const (
	// Connection Commands

	CmdRegisterConnection          CommandType = "register_connection"
	CmdUnregisterConnection        CommandType = "unregister_connection"
	CmdRegisterContextConnection   CommandType = "register_context_connection"
	CmdUnregisterContextConnection CommandType = "unregister_context_connection"

	// Job Commands

	// CmdScheduleJob appends a job to its scope's queue.
	CmdScheduleJob CommandType = "schedule_job"
	// CmdRunNextJob starts the head job of a queue. Always issued as a follow-up
	// so finishing a job never recurses into the next one.
	CmdRunNextJob CommandType = "run_next_job"
	// CmdScriptFetchFinished carries a connection's script fetch result.
	CmdScriptFetchFinished CommandType = "script_fetch_finished"
	// CmdDidResolveRegistrationPromise acknowledges a registration resolution.
	CmdDidResolveRegistrationPromise CommandType = "did_resolve_registration_promise"
	// CmdDrainTaskReplies runs results posted by the background task goroutine.
	CmdDrainTaskReplies CommandType = "drain_task_replies"
	// CmdWatchdogExpired fires when a job stage outlives its timeout.
	CmdWatchdogExpired CommandType = "watchdog_expired"

	// Execution Context Commands

	CmdScriptContextStarted       CommandType = "script_context_started"
	CmdScriptContextFailedToStart CommandType = "script_context_failed_to_start"
	CmdDidFinishInstall           CommandType = "did_finish_install"
	CmdDidFinishActivation        CommandType = "did_finish_activation"
	CmdSetPendingEventCount       CommandType = "set_pending_event_count"
	CmdWorkerContextTerminated    CommandType = "worker_context_terminated"

	// Client Usage Commands

	CmdAddClientRegistration    CommandType = "add_client_registration"
	CmdRemoveClientRegistration CommandType = "remove_client_registration"
	CmdStartedControllingClient CommandType = "started_controlling_client"
	CmdStoppedControllingClient CommandType = "stopped_controlling_client"

	// Query Commands (SubmitAndWait, result in CommandResult.Data)

	CmdGetRegistrations  CommandType = "get_registrations"
	CmdMatchRegistration CommandType = "match_registration"
	CmdSnapshot          CommandType = "snapshot"

	// Administrative Commands

	CmdClear          CommandType = "clear"
	CmdUpdateTimeouts CommandType = "update_timeouts"
	// CmdBarrier does nothing; waiting on it proves earlier commands ran.
	CmdBarrier CommandType = "barrier"
)

// String returns the string representation of the CommandType.
func (ct CommandType) String() string {
	return string(ct)
}

// CommandSource identifies where the command originated.
type CommandSource string

const (
	// SourceClient indicates the command came from a client connection.
	SourceClient CommandSource = "client"
	// SourceContext indicates the command came from a worker execution context.
	SourceContext CommandSource = "context"
	// SourceInternal indicates the command was system-generated (e.g., run next job).
	SourceInternal CommandSource = "internal"
	// SourceTimer indicates the command came from a watchdog timer.
	SourceTimer CommandSource = "timer"
	// SourceAPI indicates the command came from the HTTP API or CLI.
	SourceAPI CommandSource = "api"
)

// String returns the string representation of the CommandSource.
func (cs CommandSource) String() string {
	return string(cs)
}

// BaseCommand provides common fields for all commands.
// Concrete command types should embed this struct.
type BaseCommand struct {
	id          string
	cmdType     CommandType
	priority    int
	createdAt   time.Time
	source      CommandSource
	traceID     string
	spanContext trace.SpanContext
}

// NewBaseCommand creates a BaseCommand with a generated UUID and current timestamp.
func NewBaseCommand(cmdType CommandType, source CommandSource) BaseCommand {
	return BaseCommand{
		id:        uuid.New().String(),
		cmdType:   cmdType,
		createdAt: time.Now(),
		source:    source,
	}
}

// ID returns the unique command identifier.
func (b *BaseCommand) ID() string {
	return b.id
}

// Type returns the command type for handler routing.
func (b *BaseCommand) Type() CommandType {
	return b.cmdType
}

// Priority returns the execution priority (0=normal, 1=urgent).
func (b *BaseCommand) Priority() int {
	return b.priority
}

// CreatedAt returns when the command was created.
func (b *BaseCommand) CreatedAt() time.Time {
	return b.createdAt
}

// Source returns the origin of this command.
func (b *BaseCommand) Source() CommandSource {
	return b.source
}

// TraceID returns the correlation ID for related commands.
// A valid SpanContext wins over a manually set trace ID.
func (b *BaseCommand) TraceID() string {
	if b.spanContext.IsValid() {
		return b.spanContext.TraceID().String()
	}
	return b.traceID
}

// SetTraceID sets the correlation ID for command tracing.
func (b *BaseCommand) SetTraceID(traceID string) {
	b.traceID = traceID
}

// SpanContext returns the OpenTelemetry span context for trace propagation.
func (b *BaseCommand) SpanContext() trace.SpanContext {
	return b.spanContext
}

// SetSpanContext sets the OpenTelemetry span context for trace propagation.
func (b *BaseCommand) SetSpanContext(sc trace.SpanContext) {
	b.spanContext = sc
}

// SetPriority sets the execution priority.
func (b *BaseCommand) SetPriority(priority int) {
	b.priority = priority
}

// Validate is a no-op for BaseCommand. Concrete commands should override this.
func (b *BaseCommand) Validate() error {
	return nil
}

// CommandResult contains the outcome of command execution.
type CommandResult struct {
	// Success indicates whether the command executed successfully.
	Success bool
	// Events contains events to publish on the event bus.
	Events []any
	// FollowUp contains commands to enqueue after the current one.
	FollowUp []Command
	// Error contains the error if Success is false.
	Error error
	// Data contains optional result data for the caller.
	Data any
}

// ErrQueueFull is returned when the command queue has reached capacity.
var ErrQueueFull = errors.New("command queue is full")
