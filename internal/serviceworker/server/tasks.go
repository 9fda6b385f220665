package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/command"
)

// ErrTaskQueueFull is returned when the background task queue is at capacity.
var ErrTaskQueueFull = errors.New("task queue is full")

// replyRetryDelay spaces out attempts to schedule a reply drain while the
// command queue is full.
const replyRetryDelay = 10 * time.Millisecond

// taskRunner is the background task goroutine. Tasks never touch coordinator
// state; they hand results back as replies, which run on the control
// goroutine. At most one drain command is scheduled at a time.
type taskRunner struct {
	tasks   chan func(ctx context.Context)
	replies chan func()
	submit  func(command.Command) error

	mu             sync.Mutex
	replyScheduled bool

	inflight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTaskRunner(taskCapacity, replyCapacity int, submit func(command.Command) error) *taskRunner {
	if taskCapacity <= 0 {
		taskCapacity = 256
	}
	if replyCapacity <= 0 {
		replyCapacity = 256
	}
	return &taskRunner{
		tasks:   make(chan func(ctx context.Context), taskCapacity),
		replies: make(chan func(), replyCapacity),
		submit:  submit,
	}
}

func (r *taskRunner) start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	log.SafeGo("sw-task-runner", func() {
		defer r.wg.Done()
		r.loop()
	})
}

func (r *taskRunner) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case task := <-r.tasks:
			task(r.ctx)
			r.inflight.Add(-1)
		}
	}
}

func (r *taskRunner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// post hands task to the background goroutine without blocking.
func (r *taskRunner) post(task func(ctx context.Context)) error {
	r.inflight.Add(1)
	select {
	case r.tasks <- task:
		return nil
	default:
		r.inflight.Add(-1)
		return ErrTaskQueueFull
	}
}

// postReply queues reply for the control goroutine. Called from tasks only;
// it may block while the reply queue is full, the control goroutine never does.
func (r *taskRunner) postReply(reply func()) {
	select {
	case r.replies <- reply:
	case <-r.ctx.Done():
		return
	}
	r.scheduleDrain()
}

func (r *taskRunner) scheduleDrain() {
	r.mu.Lock()
	if r.replyScheduled {
		r.mu.Unlock()
		return
	}
	r.replyScheduled = true
	r.mu.Unlock()

	err := r.submit(command.NewDrainTaskRepliesCommand())
	if err == nil {
		return
	}

	r.mu.Lock()
	r.replyScheduled = false
	r.mu.Unlock()

	if errors.Is(err, command.ErrQueueFull) {
		log.Warn(log.CatTasks, "command queue full, retrying reply drain")
		time.AfterFunc(replyRetryDelay, r.scheduleDrain)
		return
	}
	log.Debug(log.CatTasks, "dropping task replies", "error", err.Error())
}

// takeReplies clears the scheduled flag and returns every queued reply. The
// flag is cleared first so a reply landing after the read schedules again.
func (r *taskRunner) takeReplies() []func() {
	r.mu.Lock()
	r.replyScheduled = false
	r.mu.Unlock()

	var out []func()
	for {
		select {
		case reply := <-r.replies:
			out = append(out, reply)
		default:
			return out
		}
	}
}

// idle reports whether no task is queued or running and no reply is waiting.
func (r *taskRunner) idle() bool {
	r.mu.Lock()
	scheduled := r.replyScheduled
	r.mu.Unlock()
	return r.inflight.Load() == 0 && len(r.replies) == 0 && !scheduled
}
