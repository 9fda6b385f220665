package command

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ===========================================================================
// Connection Commands
// ===========================================================================

// RegisterConnectionCommand attaches a client connection.
type RegisterConnectionCommand struct {
	*BaseCommand
	Connection types.Connection
}

// NewRegisterConnectionCommand creates a new RegisterConnectionCommand.
func NewRegisterConnectionCommand(conn types.Connection) *RegisterConnectionCommand {
	base := NewBaseCommand(CmdRegisterConnection, SourceClient)
	return &RegisterConnectionCommand{BaseCommand: &base, Connection: conn}
}

// Validate checks that a connection with an identifier is provided.
func (c *RegisterConnectionCommand) Validate() error {
	if c.Connection == nil {
		return errors.New("connection is required")
	}
	if c.Connection.Identifier() == 0 {
		return errors.New("connection identifier is required")
	}
	return nil
}

// UnregisterConnectionCommand detaches a client connection.
type UnregisterConnectionCommand struct {
	*BaseCommand
	ConnectionID types.ConnectionIdentifier
}

// NewUnregisterConnectionCommand creates a new UnregisterConnectionCommand.
func NewUnregisterConnectionCommand(id types.ConnectionIdentifier) *UnregisterConnectionCommand {
	base := NewBaseCommand(CmdUnregisterConnection, SourceClient)
	return &UnregisterConnectionCommand{BaseCommand: &base, ConnectionID: id}
}

// RegisterContextConnectionCommand attaches an execution host.
type RegisterContextConnectionCommand struct {
	*BaseCommand
	Connection types.ContextConnection
}

// NewRegisterContextConnectionCommand creates a new RegisterContextConnectionCommand.
func NewRegisterContextConnectionCommand(conn types.ContextConnection) *RegisterContextConnectionCommand {
	base := NewBaseCommand(CmdRegisterContextConnection, SourceContext)
	return &RegisterContextConnectionCommand{BaseCommand: &base, Connection: conn}
}

// Validate checks that a connection with an identifier is provided.
func (c *RegisterContextConnectionCommand) Validate() error {
	if c.Connection == nil {
		return errors.New("context connection is required")
	}
	if c.Connection.Identifier() == 0 {
		return errors.New("context connection identifier is required")
	}
	return nil
}

// UnregisterContextConnectionCommand detaches an execution host.
type UnregisterContextConnectionCommand struct {
	*BaseCommand
	ConnectionID types.ContextConnectionIdentifier
}

// NewUnregisterContextConnectionCommand creates a new UnregisterContextConnectionCommand.
func NewUnregisterContextConnectionCommand(id types.ContextConnectionIdentifier) *UnregisterContextConnectionCommand {
	base := NewBaseCommand(CmdUnregisterContextConnection, SourceContext)
	return &UnregisterContextConnectionCommand{BaseCommand: &base, ConnectionID: id}
}

// ===========================================================================
// Job Commands
// ===========================================================================

// ScheduleJobCommand enqueues a job on its scope's queue.
type ScheduleJobCommand struct {
	*BaseCommand
	Job types.JobData
}

// NewScheduleJobCommand creates a new ScheduleJobCommand.
func NewScheduleJobCommand(job types.JobData) *ScheduleJobCommand {
	base := NewBaseCommand(CmdScheduleJob, SourceClient)
	return &ScheduleJobCommand{BaseCommand: &base, Job: job}
}

// Validate delegates to the job description.
func (c *ScheduleJobCommand) Validate() error {
	if err := c.Job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	return nil
}

// RunNextJobCommand starts the head of the queue for Key if it is idle.
type RunNextJobCommand struct {
	*BaseCommand
	Key types.RegistrationKey
}

// NewRunNextJobCommand creates a new RunNextJobCommand.
func NewRunNextJobCommand(key types.RegistrationKey) *RunNextJobCommand {
	base := NewBaseCommand(CmdRunNextJob, SourceInternal)
	return &RunNextJobCommand{BaseCommand: &base, Key: key}
}

// ScriptFetchFinishedCommand reports a script fetch outcome.
type ScriptFetchFinishedCommand struct {
	*BaseCommand
	ConnectionID types.ConnectionIdentifier
	Result       types.FetchResult
}

// NewScriptFetchFinishedCommand creates a new ScriptFetchFinishedCommand.
func NewScriptFetchFinishedCommand(conn types.ConnectionIdentifier, result types.FetchResult) *ScriptFetchFinishedCommand {
	base := NewBaseCommand(CmdScriptFetchFinished, SourceClient)
	return &ScriptFetchFinishedCommand{BaseCommand: &base, ConnectionID: conn, Result: result}
}

// Validate checks that the result names a job.
func (c *ScriptFetchFinishedCommand) Validate() error {
	if c.Result.JobDataIdentifier.IsZero() {
		return errors.New("job identifier is required")
	}
	return nil
}

// DidResolveRegistrationPromiseCommand acknowledges a resolution that asked
// for notification.
type DidResolveRegistrationPromiseCommand struct {
	*BaseCommand
	ConnectionID types.ConnectionIdentifier
	Key          types.RegistrationKey
}

// NewDidResolveRegistrationPromiseCommand creates a new DidResolveRegistrationPromiseCommand.
func NewDidResolveRegistrationPromiseCommand(conn types.ConnectionIdentifier, key types.RegistrationKey) *DidResolveRegistrationPromiseCommand {
	base := NewBaseCommand(CmdDidResolveRegistrationPromise, SourceClient)
	return &DidResolveRegistrationPromiseCommand{BaseCommand: &base, ConnectionID: conn, Key: key}
}

// DrainTaskRepliesCommand runs queued background task replies.
type DrainTaskRepliesCommand struct {
	*BaseCommand
}

// NewDrainTaskRepliesCommand creates a new DrainTaskRepliesCommand.
func NewDrainTaskRepliesCommand() *DrainTaskRepliesCommand {
	base := NewBaseCommand(CmdDrainTaskReplies, SourceInternal)
	return &DrainTaskRepliesCommand{BaseCommand: &base}
}

// WatchdogExpiredCommand reports that a job stage armed with Generation timed out.
type WatchdogExpiredCommand struct {
	*BaseCommand
	Key        types.RegistrationKey
	Job        types.JobDataIdentifier
	Generation uint64
}

// NewWatchdogExpiredCommand creates a new WatchdogExpiredCommand.
func NewWatchdogExpiredCommand(key types.RegistrationKey, job types.JobDataIdentifier, generation uint64) *WatchdogExpiredCommand {
	base := NewBaseCommand(CmdWatchdogExpired, SourceTimer)
	return &WatchdogExpiredCommand{BaseCommand: &base, Key: key, Job: job, Generation: generation}
}

// ===========================================================================
// Execution Context Commands
// ===========================================================================

// ScriptContextStartedCommand reports a worker context that started.
type ScriptContextStartedCommand struct {
	*BaseCommand
	Job    types.JobDataIdentifier
	Worker types.WorkerIdentifier
}

// NewScriptContextStartedCommand creates a new ScriptContextStartedCommand.
func NewScriptContextStartedCommand(job types.JobDataIdentifier, worker types.WorkerIdentifier) *ScriptContextStartedCommand {
	base := NewBaseCommand(CmdScriptContextStarted, SourceContext)
	return &ScriptContextStartedCommand{BaseCommand: &base, Job: job, Worker: worker}
}

// Validate checks that a worker is named.
func (c *ScriptContextStartedCommand) Validate() error {
	if c.Worker == 0 {
		return errors.New("worker identifier is required")
	}
	return nil
}

// ScriptContextFailedToStartCommand reports a worker context that failed to start.
type ScriptContextFailedToStartCommand struct {
	*BaseCommand
	Job     types.JobDataIdentifier
	Worker  types.WorkerIdentifier
	Message string
}

// NewScriptContextFailedToStartCommand creates a new ScriptContextFailedToStartCommand.
func NewScriptContextFailedToStartCommand(job types.JobDataIdentifier, worker types.WorkerIdentifier, message string) *ScriptContextFailedToStartCommand {
	base := NewBaseCommand(CmdScriptContextFailedToStart, SourceContext)
	return &ScriptContextFailedToStartCommand{BaseCommand: &base, Job: job, Worker: worker, Message: message}
}

// Validate checks that a worker is named.
func (c *ScriptContextFailedToStartCommand) Validate() error {
	if c.Worker == 0 {
		return errors.New("worker identifier is required")
	}
	return nil
}

// DidFinishInstallCommand reports the settled install event of a worker.
type DidFinishInstallCommand struct {
	*BaseCommand
	Job       types.JobDataIdentifier
	Worker    types.WorkerIdentifier
	Succeeded bool
}

// NewDidFinishInstallCommand creates a new DidFinishInstallCommand.
func NewDidFinishInstallCommand(job types.JobDataIdentifier, worker types.WorkerIdentifier, succeeded bool) *DidFinishInstallCommand {
	base := NewBaseCommand(CmdDidFinishInstall, SourceContext)
	return &DidFinishInstallCommand{BaseCommand: &base, Job: job, Worker: worker, Succeeded: succeeded}
}

// Validate checks that a worker is named.
func (c *DidFinishInstallCommand) Validate() error {
	if c.Worker == 0 {
		return errors.New("worker identifier is required")
	}
	return nil
}

// DidFinishActivationCommand reports the settled activate event of a worker.
type DidFinishActivationCommand struct {
	*BaseCommand
	Worker types.WorkerIdentifier
}

// NewDidFinishActivationCommand creates a new DidFinishActivationCommand.
func NewDidFinishActivationCommand(worker types.WorkerIdentifier) *DidFinishActivationCommand {
	base := NewBaseCommand(CmdDidFinishActivation, SourceContext)
	return &DidFinishActivationCommand{BaseCommand: &base, Worker: worker}
}

// SetPendingEventCountCommand reports how many lifetime-extending events a
// worker still has outstanding.
type SetPendingEventCountCommand struct {
	*BaseCommand
	Worker types.WorkerIdentifier
	Count  int
}

// NewSetPendingEventCountCommand creates a new SetPendingEventCountCommand.
func NewSetPendingEventCountCommand(worker types.WorkerIdentifier, count int) *SetPendingEventCountCommand {
	base := NewBaseCommand(CmdSetPendingEventCount, SourceContext)
	return &SetPendingEventCountCommand{BaseCommand: &base, Worker: worker, Count: count}
}

// Validate checks that the count is not negative.
func (c *SetPendingEventCountCommand) Validate() error {
	if c.Count < 0 {
		return fmt.Errorf("pending event count must be >= 0, got: %d", c.Count)
	}
	return nil
}

// WorkerContextTerminatedCommand reports that a worker's context is gone.
type WorkerContextTerminatedCommand struct {
	*BaseCommand
	Worker types.WorkerIdentifier
}

// NewWorkerContextTerminatedCommand creates a new WorkerContextTerminatedCommand.
func NewWorkerContextTerminatedCommand(worker types.WorkerIdentifier) *WorkerContextTerminatedCommand {
	base := NewBaseCommand(CmdWorkerContextTerminated, SourceContext)
	return &WorkerContextTerminatedCommand{BaseCommand: &base, Worker: worker}
}

// ===========================================================================
// Client Usage Commands
// ===========================================================================

// ClientRegistrationCommand adds or removes a client-side registration handle.
// Type is CmdAddClientRegistration or CmdRemoveClientRegistration.
type ClientRegistrationCommand struct {
	*BaseCommand
	ConnectionID types.ConnectionIdentifier
	Key          types.RegistrationKey
	Registration types.RegistrationIdentifier
}

// NewAddClientRegistrationCommand creates a handle-added command.
func NewAddClientRegistrationCommand(conn types.ConnectionIdentifier, key types.RegistrationKey, reg types.RegistrationIdentifier) *ClientRegistrationCommand {
	base := NewBaseCommand(CmdAddClientRegistration, SourceClient)
	return &ClientRegistrationCommand{BaseCommand: &base, ConnectionID: conn, Key: key, Registration: reg}
}

// NewRemoveClientRegistrationCommand creates a handle-removed command.
func NewRemoveClientRegistrationCommand(conn types.ConnectionIdentifier, key types.RegistrationKey, reg types.RegistrationIdentifier) *ClientRegistrationCommand {
	base := NewBaseCommand(CmdRemoveClientRegistration, SourceClient)
	return &ClientRegistrationCommand{BaseCommand: &base, ConnectionID: conn, Key: key, Registration: reg}
}

// ControlledClientCommand starts or stops a worker controlling a client.
// Type is CmdStartedControllingClient or CmdStoppedControllingClient.
type ControlledClientCommand struct {
	*BaseCommand
	ConnectionID types.ConnectionIdentifier
	Worker       types.WorkerIdentifier
	Client       types.ClientIdentifier
}

// NewStartedControllingClientCommand creates a controlling-started command.
func NewStartedControllingClientCommand(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) *ControlledClientCommand {
	base := NewBaseCommand(CmdStartedControllingClient, SourceClient)
	return &ControlledClientCommand{BaseCommand: &base, ConnectionID: conn, Worker: worker, Client: client}
}

// NewStoppedControllingClientCommand creates a controlling-stopped command.
func NewStoppedControllingClientCommand(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) *ControlledClientCommand {
	base := NewBaseCommand(CmdStoppedControllingClient, SourceClient)
	return &ControlledClientCommand{BaseCommand: &base, ConnectionID: conn, Worker: worker, Client: client}
}

// ===========================================================================
// Query Commands
// ===========================================================================

// RegistrationQueryCommand looks registrations up for a client URL.
// Type is CmdGetRegistrations or CmdMatchRegistration.
type RegistrationQueryCommand struct {
	*BaseCommand
	TopOrigin types.SecurityOrigin
	ClientURL *url.URL
}

// NewGetRegistrationsCommand creates a listing query.
func NewGetRegistrationsCommand(topOrigin types.SecurityOrigin, clientURL *url.URL) *RegistrationQueryCommand {
	base := NewBaseCommand(CmdGetRegistrations, SourceClient)
	return &RegistrationQueryCommand{BaseCommand: &base, TopOrigin: topOrigin, ClientURL: clientURL}
}

// NewMatchRegistrationCommand creates a best-match query.
func NewMatchRegistrationCommand(topOrigin types.SecurityOrigin, clientURL *url.URL) *RegistrationQueryCommand {
	base := NewBaseCommand(CmdMatchRegistration, SourceClient)
	return &RegistrationQueryCommand{BaseCommand: &base, TopOrigin: topOrigin, ClientURL: clientURL}
}

// Validate checks that a client URL is provided.
func (c *RegistrationQueryCommand) Validate() error {
	if c.ClientURL == nil {
		return errors.New("client url is required")
	}
	return nil
}

// SnapshotCommand captures the whole coordinator state for inspection.
type SnapshotCommand struct {
	*BaseCommand
}

// NewSnapshotCommand creates a new SnapshotCommand.
func NewSnapshotCommand() *SnapshotCommand {
	base := NewBaseCommand(CmdSnapshot, SourceAPI)
	return &SnapshotCommand{BaseCommand: &base}
}

// ===========================================================================
// Administrative Commands
// ===========================================================================

// ClearCommand tears down registrations. A nil Origin clears everything.
type ClearCommand struct {
	*BaseCommand
	Origin *types.SecurityOrigin
}

// NewClearCommand creates a new ClearCommand.
func NewClearCommand(origin *types.SecurityOrigin) *ClearCommand {
	base := NewBaseCommand(CmdClear, SourceAPI)
	return &ClearCommand{BaseCommand: &base, Origin: origin}
}

// UpdateTimeoutsCommand replaces the watchdog timeouts. Zero disables a watchdog.
type UpdateTimeoutsCommand struct {
	*BaseCommand
	FetchTimeout        time.Duration
	ContextStartTimeout time.Duration
	InstallTimeout      time.Duration
}

// NewUpdateTimeoutsCommand creates a new UpdateTimeoutsCommand.
func NewUpdateTimeoutsCommand(fetch, contextStart, install time.Duration) *UpdateTimeoutsCommand {
	base := NewBaseCommand(CmdUpdateTimeouts, SourceAPI)
	return &UpdateTimeoutsCommand{
		BaseCommand:         &base,
		FetchTimeout:        fetch,
		ContextStartTimeout: contextStart,
		InstallTimeout:      install,
	}
}

// Validate rejects negative timeouts.
func (c *UpdateTimeoutsCommand) Validate() error {
	if c.FetchTimeout < 0 || c.ContextStartTimeout < 0 || c.InstallTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// BarrierCommand is a no-op used to wait for the queue ahead of it.
type BarrierCommand struct {
	*BaseCommand
}

// NewBarrierCommand creates a new BarrierCommand.
func NewBarrierCommand() *BarrierCommand {
	base := NewBaseCommand(CmdBarrier, SourceInternal)
	return &BarrierCommand{BaseCommand: &base}
}
