// Package processor provides the FIFO command processor that acts as the
// coordinator's control goroutine. A single loop processes commands in strict
// submission order, so handlers own all coordinator state without locks.
package processor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/pubsub"
	"github.com/zjrosen/swserver/internal/serviceworker/command"
)

// DefaultQueueCapacity is the default buffer size for the command queue.
const DefaultQueueCapacity = 1000

// Option configures the CommandProcessor.
type Option func(*CommandProcessor)

// WithQueueCapacity sets the command queue buffer capacity.
func WithQueueCapacity(capacity int) Option {
	return func(p *CommandProcessor) {
		if capacity > 0 {
			p.queueCapacity = capacity
		}
	}
}

// WithEventBus sets the event bus for publishing command results.
func WithEventBus(bus *pubsub.Broker[any]) Option {
	return func(p *CommandProcessor) {
		p.eventBus = bus
	}
}

// WithMiddleware adds middleware to be applied to all handlers.
// Middleware is applied in order: first middleware wraps outermost.
func WithMiddleware(middlewares ...Middleware) Option {
	return func(p *CommandProcessor) {
		p.middlewares = append(p.middlewares, middlewares...)
	}
}

// CommandProcessor processes commands sequentially in FIFO order.
type CommandProcessor struct {
	queue         chan queueItem
	queueCapacity int

	// Follow-ups that did not fit in the queue, owned by the loop goroutine.
	// held mirrors len(overflow) for readers on other goroutines.
	overflow []queueItem
	held     atomic.Int64

	handlers    map[command.CommandType]CommandHandler
	middlewares []Middleware

	eventBus *pubsub.Broker[any]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drainCh chan struct{}

	running   atomic.Bool
	started   atomic.Bool
	drainOnce sync.Once
	readyCh   chan struct{}

	processedCount atomic.Int64
	errorCount     atomic.Int64
}

// queueItem wraps a command with an optional result channel for SubmitAndWait.
type queueItem struct {
	cmd      command.Command
	resultCh chan *commandResponse // nil for fire-and-forget Submit
}

type commandResponse struct {
	result *command.CommandResult
	err    error
}

// NewCommandProcessor creates a new CommandProcessor with the given options.
func NewCommandProcessor(opts ...Option) *CommandProcessor {
	p := &CommandProcessor{
		queueCapacity: DefaultQueueCapacity,
		handlers:      make(map[command.CommandType]CommandHandler),
		readyCh:       make(chan struct{}),
		drainCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	// Queue exists before Run so Submit never races its creation.
	p.queue = make(chan queueItem, p.queueCapacity)

	return p
}

// RegisterHandler registers a handler for a command type.
// Must be called before Run. The handler is wrapped with all configured middleware.
func (p *CommandProcessor) RegisterHandler(cmdType command.CommandType, handler CommandHandler) {
	p.handlers[cmdType] = ChainMiddleware(handler, p.middlewares...)
}

// Run starts the command processing loop.
// It blocks until ctx is cancelled, Stop is called, or Drain completes.
// Run can only be called once - subsequent calls return immediately.
func (p *CommandProcessor) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	// Add to wait group BEFORE setting running to avoid race with Drain()
	p.wg.Add(1)
	p.running.Store(true)
	close(p.readyCh)

	defer func() {
		p.running.Store(false)
		p.cancel()
		p.wg.Done()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.queue:
			p.processItem(item)
			p.flushOverflow()
		case <-p.drainCh:
			p.drainRemaining()
			return
		}
	}
}

// drainRemaining processes everything queued, including follow-ups produced
// while draining.
func (p *CommandProcessor) drainRemaining() {
	for {
		select {
		case item := <-p.queue:
			p.processItem(item)
			p.flushOverflow()
		default:
			if len(p.overflow) == 0 {
				return
			}
			p.flushOverflow()
		}
	}
}

// WaitForReady blocks until the processor is ready to accept commands.
func (p *CommandProcessor) WaitForReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit adds a command to the queue for asynchronous processing.
// Returns immediately. Returns ErrQueueFull if the queue is at capacity.
func (p *CommandProcessor) Submit(cmd command.Command) error {
	if !p.running.Load() {
		return ErrNotRunning
	}

	select {
	case p.queue <- queueItem{cmd: cmd}:
		return nil
	default:
		return command.ErrQueueFull
	}
}

// SubmitAndWait adds a command to the queue and waits for the result.
// Respects context cancellation.
func (p *CommandProcessor) SubmitAndWait(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	if !p.running.Load() {
		return nil, ErrNotRunning
	}

	resultCh := make(chan *commandResponse, 1)
	item := queueItem{
		cmd:      cmd,
		resultCh: resultCh,
	}

	select {
	case p.queue <- item:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, command.ErrQueueFull
	}

	select {
	case resp := <-resultCh:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, context.Canceled
	}
}

// Stop cancels the processing context and waits for shutdown.
// Any pending commands in the queue are NOT processed.
func (p *CommandProcessor) Stop() {
	p.running.Store(false)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Drain stops accepting commands, processes everything already queued
// (including their follow-ups) and then stops.
func (p *CommandProcessor) Drain() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	p.drainOnce.Do(func() { close(p.drainCh) })
	p.wg.Wait()
}

// IsRunning returns true if the processor is currently accepting commands.
func (p *CommandProcessor) IsRunning() bool {
	return p.running.Load()
}

// ProcessedCount returns the total number of commands processed.
func (p *CommandProcessor) ProcessedCount() int64 {
	return p.processedCount.Load()
}

// ErrorCount returns the total number of commands that resulted in errors.
func (p *CommandProcessor) ErrorCount() int64 {
	return p.errorCount.Load()
}

// QueueLength returns the current number of pending commands, including
// follow-ups held back while the queue was full.
func (p *CommandProcessor) QueueLength() int {
	return len(p.queue) + int(p.held.Load())
}

func (p *CommandProcessor) processItem(item queueItem) {
	result := p.processCommand(item.cmd)

	p.processedCount.Add(1)
	if result != nil && !result.Success {
		p.errorCount.Add(1)
	}

	if item.resultCh != nil {
		var err error
		if result != nil && !result.Success {
			err = result.Error
		}
		item.resultCh <- &commandResponse{result: result, err: err}
		close(item.resultCh)
	}
}

// processCommand runs validate -> route -> handle -> emit -> follow-ups.
// Errors are wrapped in the CommandResult, not returned separately.
func (p *CommandProcessor) processCommand(cmd command.Command) *command.CommandResult {
	if err := cmd.Validate(); err != nil {
		p.emitErrorEvent(cmd, err)
		return &command.CommandResult{Success: false, Error: err}
	}

	handler, ok := p.handlers[cmd.Type()]
	if !ok {
		p.emitErrorEvent(cmd, ErrUnknownCommandType)
		return &command.CommandResult{Success: false, Error: ErrUnknownCommandType}
	}

	result, err := handler.Handle(p.ctx, cmd)
	if err != nil {
		p.emitErrorEvent(cmd, err)
		return &command.CommandResult{Success: false, Error: err}
	}

	if result != nil && len(result.Events) > 0 {
		p.emitEvents(result.Events)
	}

	// Follow-ups go to the end of the queue (FIFO) and never block the loop.
	if result != nil {
		for _, followUp := range result.FollowUp {
			p.enqueueFollowUp(queueItem{cmd: followUp})
		}
	}

	return result
}

func (p *CommandProcessor) enqueueFollowUp(item queueItem) {
	if len(p.overflow) == 0 {
		select {
		case p.queue <- item:
			return
		default:
		}
	}
	log.Warn(log.CatCommands, "command queue full, holding follow-up",
		"command_type", item.cmd.Type().String(),
		"held", len(p.overflow)+1)
	p.overflow = append(p.overflow, item)
	p.held.Add(1)
}

func (p *CommandProcessor) flushOverflow() {
	for len(p.overflow) > 0 {
		select {
		case p.queue <- p.overflow[0]:
			p.overflow[0] = queueItem{}
			p.overflow = p.overflow[1:]
			p.held.Add(-1)
		default:
			return
		}
	}
}

func (p *CommandProcessor) emitEvents(events []any) {
	if p.eventBus == nil {
		return
	}
	for _, event := range events {
		p.eventBus.Publish(pubsub.StateEvent, event)
	}
}

func (p *CommandProcessor) emitErrorEvent(cmd command.Command, err error) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(pubsub.ErrorEvent, CommandErrorEvent{
		CommandID:   cmd.ID(),
		CommandType: cmd.Type(),
		Error:       err,
	})
}
