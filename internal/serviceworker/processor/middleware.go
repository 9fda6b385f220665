package processor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/pubsub"
	"github.com/zjrosen/swserver/internal/serviceworker/command"
)

// Middleware wraps a CommandHandler to add additional behavior.
type Middleware func(CommandHandler) CommandHandler

// ChainMiddleware applies middlewares to a handler in reverse order.
// The first middleware in the list will be the outermost wrapper:
// ChainMiddleware(h, logging, slow) results in logging(slow(h)).
func ChainMiddleware(handler CommandHandler, middlewares ...Middleware) CommandHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

func traceIDOf(cmd command.Command) string {
	if hasTraceID, ok := cmd.(interface{ TraceID() string }); ok {
		return hasTraceID.TraceID()
	}
	return ""
}

func sourceOf(cmd command.Command) command.CommandSource {
	if hasSource, ok := cmd.(interface{ Source() command.CommandSource }); ok {
		return hasSource.Source()
	}
	return ""
}

// ===========================================================================
// Logging Middleware
// ===========================================================================

// NewLoggingMiddleware creates a middleware that logs command execution.
func NewLoggingMiddleware() Middleware {
	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)
			duration := time.Since(start)

			switch {
			case err != nil:
				log.Error(log.CatCommands, "command failed",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"trace_id", traceIDOf(cmd),
					"duration", duration,
					"source", sourceOf(cmd),
					"error", err.Error(),
				)
			case result != nil && !result.Success:
				errMsg := ""
				if result.Error != nil {
					errMsg = result.Error.Error()
				}
				log.Warn(log.CatCommands, "command completed with error result",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"trace_id", traceIDOf(cmd),
					"duration", duration,
					"source", sourceOf(cmd),
					"error", errMsg,
				)
			default:
				log.Debug(log.CatCommands, "command completed",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"duration", duration,
					"source", sourceOf(cmd),
				)
			}

			return result, err
		})
	}
}

// ===========================================================================
// Command Log Middleware
// ===========================================================================

// NewCommandLogMiddleware publishes a CommandLogEvent for every processed command.
func NewCommandLogMiddleware(bus *pubsub.Broker[any]) Middleware {
	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)

			if bus != nil {
				cmdErr := err
				if cmdErr == nil && result != nil {
					cmdErr = result.Error
				}
				bus.Publish(pubsub.CommandEvent, CommandLogEvent{
					CommandID:   cmd.ID(),
					CommandType: cmd.Type(),
					Source:      sourceOf(cmd),
					Success:     err == nil && result != nil && result.Success,
					Error:       cmdErr,
					Duration:    time.Since(start),
					Timestamp:   time.Now(),
					TraceID:     traceIDOf(cmd),
				})
			}

			return result, err
		})
	}
}

// ===========================================================================
// Slow Handler Middleware
// ===========================================================================

// DefaultSlowThreshold is the default threshold for logging slow handler warnings.
const DefaultSlowThreshold = 100 * time.Millisecond

// NewSlowHandlerMiddleware logs a warning when a handler exceeds threshold.
// Slow handlers are never aborted: the control goroutine must finish every
// mutation it starts.
func NewSlowHandlerMiddleware(threshold time.Duration) Middleware {
	if threshold <= 0 {
		threshold = DefaultSlowThreshold
	}

	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)

			if duration := time.Since(start); duration > threshold {
				log.Warn(log.CatCommands, "handler exceeded time threshold",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"trace_id", traceIDOf(cmd),
					"duration", duration,
					"threshold", threshold,
				)
			}

			return result, err
		})
	}
}

// ===========================================================================
// Metrics Middleware
// ===========================================================================

// CommandMetrics are the Prometheus collectors recorded per command.
type CommandMetrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewCommandMetrics creates and registers the command collectors on reg.
func NewCommandMetrics(reg prometheus.Registerer) *CommandMetrics {
	m := &CommandMetrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swserver",
			Subsystem: "commands",
			Name:      "processed_total",
			Help:      "Commands processed on the control goroutine.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swserver",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Time spent handling a command.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.duration)
	}
	return m
}

// Middleware records outcome and duration for every command.
func (m *CommandMetrics) Middleware() Middleware {
	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)

			outcome := "success"
			if err != nil || result == nil || !result.Success {
				outcome = "error"
			}
			m.processed.WithLabelValues(cmd.Type().String(), outcome).Inc()
			m.duration.WithLabelValues(cmd.Type().String()).Observe(time.Since(start).Seconds())

			return result, err
		})
	}
}

// Processed exposes the processed counter, mainly for tests.
func (m *CommandMetrics) Processed() *prometheus.CounterVec {
	return m.processed
}
