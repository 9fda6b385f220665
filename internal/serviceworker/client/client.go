// Package client implements the coordinator's client connection: it turns
// Register/Update/Unregister calls into scheduled jobs, fetches scripts on
// request and fans state changes out to subscribers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/pubsub"
	"github.com/zjrosen/swserver/internal/serviceworker/fetch"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("client connection closed")

// Server is the part of the coordinator a client connection talks to.
type Server interface {
	RegisterConnection(conn types.Connection) error
	UnregisterConnection(id types.ConnectionIdentifier) error
	ScheduleJob(job types.JobData) error
	ScriptFetchFinished(conn types.ConnectionIdentifier, result types.FetchResult) error
	DidResolveRegistrationPromise(conn types.ConnectionIdentifier, key types.RegistrationKey) error
	AddClientRegistration(conn types.ConnectionIdentifier, key types.RegistrationKey, id types.RegistrationIdentifier) error
	RemoveClientRegistration(conn types.ConnectionIdentifier, key types.RegistrationKey, id types.RegistrationIdentifier) error
	StartedControllingClient(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) error
	StoppedControllingClient(conn types.ConnectionIdentifier, worker types.WorkerIdentifier, client types.ClientIdentifier) error
	GetRegistrations(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) ([]types.RegistrationData, error)
	MatchRegistration(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) (*types.RegistrationData, error)
}

// Fetcher downloads worker scripts.
type Fetcher interface {
	Fetch(ctx context.Context, job types.JobData) (fetch.Script, error)
}

// outcome is how the server settled a job.
type outcome struct {
	registration types.RegistrationData
	unregistered bool
	err          error
}

// Connection is a types.Connection. Server-facing methods never block.
type Connection struct {
	id      types.ConnectionIdentifier
	srv     Server
	fetcher Fetcher
	jobIDs  types.Generator[types.JobIdentifier]
	broker  *pubsub.Broker[Notification]

	mu      sync.Mutex
	pending map[types.JobIdentifier]chan outcome
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Connection and attaches it to srv.
func New(id types.ConnectionIdentifier, srv Server, fetcher Fetcher) (*Connection, error) {
	c := &Connection{
		id:      id,
		srv:     srv,
		fetcher: fetcher,
		broker:  pubsub.NewBroker[Notification](),
		pending: make(map[types.JobIdentifier]chan outcome),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if err := srv.RegisterConnection(c); err != nil {
		c.cancel()
		c.broker.Close()
		return nil, fmt.Errorf("register connection %d: %w", id, err)
	}
	return c, nil
}

// Identifier implements types.Connection.
func (c *Connection) Identifier() types.ConnectionIdentifier {
	return c.id
}

// Close detaches from the server, fails every waiting call and stops
// outstanding fetches.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[types.JobIdentifier]chan outcome)
	c.mu.Unlock()

	err := c.srv.UnregisterConnection(c.id)
	c.cancel()
	c.wg.Wait()
	for _, ch := range pending {
		ch <- outcome{err: ErrClosed}
	}
	c.broker.Close()
	return err
}

// ===========================================================================
// Jobs
// ===========================================================================

// Request describes a Register or Update call.
type Request struct {
	TopOrigin types.SecurityOrigin
	ClientURL *url.URL
	ScriptURL *url.URL
	ScopeURL  *url.URL
	Options   types.RegistrationOptions
}

// Register schedules a register job and waits for its outcome. Rejections
// are types.ExceptionData.
func (c *Connection) Register(ctx context.Context, req Request) (types.RegistrationData, error) {
	out, err := c.run(ctx, c.jobData(types.JobRegister, req))
	return out.registration, err
}

// Update schedules an update job for an existing registration.
func (c *Connection) Update(ctx context.Context, req Request) (types.RegistrationData, error) {
	out, err := c.run(ctx, c.jobData(types.JobUpdate, req))
	return out.registration, err
}

// Unregister schedules an unregister job and reports whether a registration
// was marked for removal.
func (c *Connection) Unregister(ctx context.Context, topOrigin types.SecurityOrigin, clientURL, scopeURL *url.URL) (bool, error) {
	out, err := c.run(ctx, c.jobData(types.JobUnregister, Request{
		TopOrigin: topOrigin,
		ClientURL: clientURL,
		ScopeURL:  scopeURL,
	}))
	return out.unregistered, err
}

func (c *Connection) jobData(jobType types.JobType, req Request) types.JobData {
	return types.JobData{
		Identifier:        types.JobDataIdentifier{Connection: c.id, Job: c.jobIDs.Next()},
		Type:              jobType,
		TopOrigin:         req.TopOrigin,
		ClientCreationURL: req.ClientURL,
		ScriptURL:         req.ScriptURL,
		ScopeURL:          req.ScopeURL,
		Options:           req.Options,
	}
}

func (c *Connection) run(ctx context.Context, job types.JobData) (outcome, error) {
	if err := job.Validate(); err != nil {
		return outcome{}, err
	}

	ch := make(chan outcome, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return outcome{}, ErrClosed
	}
	c.pending[job.Identifier.Job] = ch
	c.mu.Unlock()

	if err := c.srv.ScheduleJob(job); err != nil {
		c.forget(job.Identifier.Job)
		return outcome{}, fmt.Errorf("schedule %s job: %w", job.Type, err)
	}
	log.Debug(log.CatClient, "Job submitted", "job", job.Identifier.String(), "type", job.Type.String())

	select {
	case out := <-ch:
		return out, out.err
	case <-ctx.Done():
		c.forget(job.Identifier.Job)
		return outcome{}, ctx.Err()
	}
}

func (c *Connection) forget(job types.JobIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, job)
}

// settle hands out to the caller waiting on job and reports whether one was.
func (c *Connection) settle(job types.JobDataIdentifier, out outcome) bool {
	c.mu.Lock()
	ch, ok := c.pending[job.Job]
	delete(c.pending, job.Job)
	c.mu.Unlock()
	if !ok {
		log.Debug(log.CatClient, "Outcome for a job nobody waits on", "job", job.String())
		return false
	}
	ch <- out
	return true
}

// ===========================================================================
// Queries and client usage
// ===========================================================================

// GetRegistrations lists the registrations visible to clientURL.
func (c *Connection) GetRegistrations(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) ([]types.RegistrationData, error) {
	return c.srv.GetRegistrations(ctx, topOrigin, clientURL)
}

// MatchRegistration returns the registration that controls clientURL, or nil.
func (c *Connection) MatchRegistration(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) (*types.RegistrationData, error) {
	return c.srv.MatchRegistration(ctx, topOrigin, clientURL)
}

// Release drops one handle on reg taken when a job resolved with it.
func (c *Connection) Release(reg types.RegistrationData) error {
	return c.srv.RemoveClientRegistration(c.id, reg.Key, reg.Identifier)
}

// StartControlling records that worker now controls client.
func (c *Connection) StartControlling(worker types.WorkerIdentifier, client types.ClientIdentifier) error {
	return c.srv.StartedControllingClient(c.id, worker, client)
}

// StopControlling records that client is no longer controlled by worker.
func (c *Connection) StopControlling(worker types.WorkerIdentifier, client types.ClientIdentifier) error {
	return c.srv.StoppedControllingClient(c.id, worker, client)
}

// Subscribe streams state notifications until ctx is done.
func (c *Connection) Subscribe(ctx context.Context) <-chan pubsub.Event[Notification] {
	return c.broker.Subscribe(ctx)
}

// ===========================================================================
// types.Connection
// ===========================================================================

// RejectJob implements types.Connection.
func (c *Connection) RejectJob(job types.JobDataIdentifier, ex types.ExceptionData) {
	c.settle(job, outcome{err: ex})
}

// ResolveRegistrationJob takes a handle on the registration, acknowledges the
// resolution when asked to and hands the registration to the waiting caller.
func (c *Connection) ResolveRegistrationJob(job types.JobDataIdentifier, reg types.RegistrationData, notify types.ShouldNotifyWhenResolved) {
	if err := c.srv.AddClientRegistration(c.id, reg.Key, reg.Identifier); err != nil {
		log.Warn(log.CatClient, "Failed to record registration handle", "registration", reg.Identifier, "error", err.Error())
	}
	if notify == types.NotifyWhenResolved {
		if err := c.srv.DidResolveRegistrationPromise(c.id, reg.Key); err != nil {
			log.Warn(log.CatClient, "Failed to acknowledge resolution", "job", job.String(), "error", err.Error())
		}
	}
	if !c.settle(job, outcome{registration: reg}) {
		if err := c.Release(reg); err != nil {
			log.Warn(log.CatClient, "Failed to release unclaimed handle", "registration", reg.Identifier, "error", err.Error())
		}
	}
}

// ResolveUnregistrationJob implements types.Connection.
func (c *Connection) ResolveUnregistrationJob(job types.JobDataIdentifier, _ types.RegistrationKey, unregistered bool) {
	c.settle(job, outcome{unregistered: unregistered})
}

// StartScriptFetch fetches on its own goroutine and reports exactly once.
func (c *Connection) StartScriptFetch(job types.JobData) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	log.SafeGo(fmt.Sprintf("sw-fetch-%s", job.Identifier), func() {
		defer c.wg.Done()
		result := types.FetchResult{JobDataIdentifier: job.Identifier, RegistrationKey: job.Key()}
		script, err := c.fetcher.Fetch(c.ctx, job)
		if err != nil {
			result.Err = err
		} else {
			result.Script = script.Body
		}
		if err := c.srv.ScriptFetchFinished(c.id, result); err != nil {
			log.Warn(log.CatClient, "Failed to report fetch result", "job", job.Identifier.String(), "error", err.Error())
		}
	})
}

// UpdateRegistrationState implements types.Connection.
func (c *Connection) UpdateRegistrationState(reg types.RegistrationIdentifier, slot types.RegistrationSlot, worker *types.WorkerData) {
	c.publish(Notification{Kind: NotifyRegistrationState, Registration: reg, Slot: slot, Worker: worker})
}

// UpdateWorkerState implements types.Connection.
func (c *Connection) UpdateWorkerState(worker types.WorkerIdentifier, state types.WorkerState) {
	c.publish(Notification{Kind: NotifyWorkerState, WorkerID: worker, State: state})
}

// FireUpdateFoundEvent implements types.Connection.
func (c *Connection) FireUpdateFoundEvent(reg types.RegistrationIdentifier) {
	c.publish(Notification{Kind: NotifyUpdateFound, Registration: reg})
}

// NotifyClientsOfControllerChange implements types.Connection.
func (c *Connection) NotifyClientsOfControllerChange(clients []types.ClientIdentifier, active types.WorkerData) {
	c.publish(Notification{
		Kind:         NotifyControllerChange,
		Registration: active.RegistrationIdentifier,
		Worker:       &active,
		Clients:      clients,
	})
}

func (c *Connection) publish(n Notification) {
	c.broker.Publish(pubsub.NotificationEvent, n)
}
