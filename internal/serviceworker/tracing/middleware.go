package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/swserver/internal/serviceworker/command"
	"github.com/zjrosen/swserver/internal/serviceworker/processor"
)

// NewMiddleware wraps every command in a span. Follow-up commands inherit the
// span context so a job's whole pipeline lands in one trace. A nil tracer
// yields a pass-through middleware.
func NewMiddleware(tracer trace.Tracer) processor.Middleware {
	if tracer == nil {
		return func(next processor.CommandHandler) processor.CommandHandler { return next }
	}

	return func(next processor.CommandHandler) processor.CommandHandler {
		return processor.HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			if carrier, ok := cmd.(interface{ SpanContext() trace.SpanContext }); ok {
				if sc := carrier.SpanContext(); sc.IsValid() {
					ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
				}
			}

			ctx, span := tracer.Start(ctx, SpanPrefixCommand+cmd.Type().String(),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(commandAttributes(cmd)...),
			)
			defer span.End()

			result, err := next.Handle(ctx, cmd)

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case result != nil && !result.Success:
				msg := "command failed"
				if result.Error != nil {
					span.RecordError(result.Error)
					msg = result.Error.Error()
				}
				span.SetStatus(codes.Error, msg)
			default:
				span.SetStatus(codes.Ok, "")
			}

			if result != nil {
				sc := span.SpanContext()
				for _, followUp := range result.FollowUp {
					span.AddEvent(EventFollowUpCreated, trace.WithAttributes(
						attribute.String(AttrCommandType, followUp.Type().String()),
						attribute.String(AttrCommandID, followUp.ID()),
					))
					if setter, ok := followUp.(interface{ SetSpanContext(trace.SpanContext) }); ok {
						setter.SetSpanContext(sc)
					}
				}
			}

			return result, err
		})
	}
}

func commandAttributes(cmd command.Command) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrCommandID, cmd.ID()),
		attribute.String(AttrCommandType, cmd.Type().String()),
	}
	if src, ok := cmd.(interface{ Source() command.CommandSource }); ok {
		attrs = append(attrs, attribute.String(AttrCommandSource, src.Source().String()))
	}

	switch c := cmd.(type) {
	case *command.ScheduleJobCommand:
		attrs = append(attrs,
			attribute.String(AttrJobID, c.Job.Identifier.String()),
			attribute.String(AttrJobType, c.Job.Type.String()),
			attribute.String(AttrRegistrationKey, c.Job.Key().String()),
		)
		if c.Job.ScriptURL != nil {
			attrs = append(attrs, attribute.String(AttrScriptURL, c.Job.ScriptURL.String()))
		}
	case *command.RunNextJobCommand:
		attrs = append(attrs, attribute.String(AttrRegistrationKey, c.Key.String()))
	case *command.ScriptFetchFinishedCommand:
		attrs = append(attrs,
			attribute.String(AttrJobID, c.Result.JobDataIdentifier.String()),
			attribute.Int64(AttrConnectionID, int64(c.ConnectionID)),
		)
	case *command.WatchdogExpiredCommand:
		attrs = append(attrs,
			attribute.String(AttrJobID, c.Job.String()),
			attribute.String(AttrRegistrationKey, c.Key.String()),
		)
	case *command.ScriptContextStartedCommand:
		attrs = append(attrs, attribute.Int64(AttrWorkerID, int64(c.Worker)))
	case *command.ScriptContextFailedToStartCommand:
		attrs = append(attrs, attribute.Int64(AttrWorkerID, int64(c.Worker)))
	case *command.DidFinishInstallCommand:
		attrs = append(attrs, attribute.Int64(AttrWorkerID, int64(c.Worker)))
	case *command.DidFinishActivationCommand:
		attrs = append(attrs, attribute.Int64(AttrWorkerID, int64(c.Worker)))
	case *command.UnregisterConnectionCommand:
		attrs = append(attrs, attribute.Int64(AttrConnectionID, int64(c.ConnectionID)))
	}
	return attrs
}
