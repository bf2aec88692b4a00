package chatcoach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/saladjay/ChatCoachService-sub000/internal/metrics"
	"github.com/saladjay/ChatCoachService-sub000/pkg/errors"
)

// StepExecutor bounds one collaborator call with a timeout and records
// matched start/end trace events. Every execution emits exactly one start
// and exactly one end or error event, and appends one record to the request
// step log. Errors are never suppressed.
type StepExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewStepExecutor creates a step executor with the given per-call timeout.
func NewStepExecutor(timeout time.Duration, logger *slog.Logger) *StepExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		timeout: timeout,
		logger:  logger,
		tracer:  otel.Tracer("chatcoach/pipeline"),
	}
}

type stepResult[T any] struct {
	value T
	err   error
}

// ExecuteStep runs fn under the executor's timeout. A deadline hit surfaces
// as a step_timeout error; any other failure is re-raised after logging.
func ExecuteStep[T any](ctx context.Context, e *StepExecutor, ec *ExecutionContext, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("request_id", ec.RequestID),
	))
	defer span.End()

	e.logger.Debug("step start", "step", name, "request_id", ec.RequestID)
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Buffered so a late completion after timeout does not leak the
	// goroutine.
	done := make(chan stepResult[T], 1)
	go func() {
		value, err := fn(callCtx)
		done <- stepResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		duration := time.Since(start)
		if res.err != nil {
			ec.RecordStep(StepRecord{Step: name, Status: StepError, Duration: duration, Error: res.err.Error()})
			metrics.StepLatency.WithLabelValues(name, string(StepError)).Observe(duration.Seconds())
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
			e.logger.Error("step error", "step", name, "request_id", ec.RequestID, "duration", duration, "error", res.err)
			return zero, res.err
		}
		ec.RecordStep(StepRecord{Step: name, Status: StepOK, Duration: duration})
		metrics.StepLatency.WithLabelValues(name, string(StepOK)).Observe(duration.Seconds())
		span.SetStatus(codes.Ok, "")
		e.logger.Debug("step end", "step", name, "request_id", ec.RequestID, "duration", duration)
		return res.value, nil

	case <-callCtx.Done():
		duration := time.Since(start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The request itself ended; this is not a step timeout and must
			// not trigger the timeout retry-and-downgrade path.
			err := fmt.Errorf("step %s aborted: %w", name, ctxErr)
			ec.RecordStep(StepRecord{Step: name, Status: StepError, Duration: duration, Error: err.Error()})
			metrics.StepLatency.WithLabelValues(name, string(StepError)).Observe(duration.Seconds())
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			e.logger.Warn("step aborted by caller", "step", name, "request_id", ec.RequestID, "duration", duration)
			return zero, err
		}
		err := errors.NewStepTimeout(name, callCtx.Err())
		ec.RecordStep(StepRecord{Step: name, Status: StepTimeout, Duration: duration, Error: err.Error()})
		metrics.StepLatency.WithLabelValues(name, string(StepTimeout)).Observe(duration.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		e.logger.Error("step timeout", "step", name, "request_id", ec.RequestID, "duration", duration)
		return zero, err
	}
}
