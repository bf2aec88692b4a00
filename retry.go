package chatcoach

import (
	"context"
	"log/slog"
	"time"

	"github.com/saladjay/ChatCoachService-sub000/internal/metrics"
	"github.com/saladjay/ChatCoachService-sub000/pkg/errors"
)

// GenerateFunc produces one reply candidate under a quality tier.
type GenerateFunc func(ctx context.Context, tier QualityTier) (*GenerateResult, error)

// ValidateFunc judges one candidate.
type ValidateFunc func(ctx context.Context, candidate *GenerateResult) (*Verdict, error)

// RetryOutcome is the terminal state of one generate-and-validate loop.
type RetryOutcome struct {
	Result   *GenerateResult
	Verdict  *Verdict
	Attempts int
	// Fallback is true when no attempt produced a generation result and
	// the injected fallback policy supplied the pair.
	Fallback bool
}

// RetryController runs the generate-and-validate loop for the reply stage
// with cost-aware quality control.
//
// Each attempt generates under the request's current effective tier, then
// validates. Accumulated cost meeting the ceiling, or a step timeout, forces
// the cheap tier for all later attempts; the downgrade is monotonic. The
// loop returns on the first passing verdict, after MaxRetries attempts
// (returning the last pair even if invalid), or via the fallback policy when
// nothing was ever generated.
type RetryController struct {
	steps       *StepExecutor
	maxRetries  int
	costCeiling float64
	fallback    FallbackPolicy
	logger      *slog.Logger
}

// NewRetryController creates the loop controller.
func NewRetryController(steps *StepExecutor, maxRetries int, costCeiling float64, fallback FallbackPolicy, logger *slog.Logger) *RetryController {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryController{
		steps:       steps,
		maxRetries:  maxRetries,
		costCeiling: costCeiling,
		fallback:    fallback,
		logger:      logger,
	}
}

// Run executes the loop for one request.
func (r *RetryController) Run(ctx context.Context, ec *ExecutionContext, req *Request, gen GenerateFunc, validate ValidateFunc) (*RetryOutcome, error) {
	var lastResult *GenerateResult
	var lastVerdict *Verdict

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		tier := ec.EffectiveQuality()

		result, err := ExecuteStep(ctx, r.steps, ec, "reply_generate", func(ctx context.Context) (*GenerateResult, error) {
			return gen(ctx, tier)
		})
		if err != nil {
			if errors.HasKind(err, errors.KindStepTimeout) {
				// A timed-out attempt consumes a retry slot and forces
				// the cheap tier for the rest of the request.
				ec.ForceCheap()
				metrics.RetryAttempts.WithLabelValues("timeout").Inc()
				r.logger.Warn("generation timed out, downgrading",
					"request_id", ec.RequestID, "attempt", attempt)
				continue
			}
			if ctx.Err() != nil {
				// The caller is gone; further attempts would be wasted work.
				metrics.RetryAttempts.WithLabelValues("cancelled").Inc()
				r.logger.Warn("request cancelled, abandoning retries",
					"request_id", ec.RequestID, "attempt", attempt)
				break
			}
			metrics.RetryAttempts.WithLabelValues("error").Inc()
			r.logger.Warn("generation failed",
				"request_id", ec.RequestID, "attempt", attempt, "error", err)
			continue
		}

		total := ec.AddCost(result.Cost)
		ec.AddBilling(BillingRecord{
			UserID:         ec.UserID,
			ConversationID: ec.ConversationID,
			Provider:       result.Provider,
			Model:          result.Model,
			InputTokens:    result.InputTokens,
			OutputTokens:   result.OutputTokens,
			Cost:           result.Cost,
			At:             time.Now(),
		})
		if r.costCeiling > 0 && total >= r.costCeiling {
			ec.ForceCheap()
		}

		verdict, err := ExecuteStep(ctx, r.steps, ec, "reply_validate", func(ctx context.Context) (*Verdict, error) {
			return validate(ctx, result)
		})
		if err != nil {
			// A failed validation call counts as a failed attempt; the
			// generation result is still the best candidate so far.
			lastResult, lastVerdict = result, &Verdict{Passed: false, Reason: err.Error()}
			metrics.RetryAttempts.WithLabelValues("validate_error").Inc()
			continue
		}

		lastResult, lastVerdict = result, verdict
		if verdict.Passed {
			metrics.RetryAttempts.WithLabelValues("pass").Inc()
			return &RetryOutcome{Result: result, Verdict: verdict, Attempts: attempt}, nil
		}
		metrics.RetryAttempts.WithLabelValues("rejected").Inc()
		r.logger.Debug("candidate rejected",
			"request_id", ec.RequestID, "attempt", attempt, "reason", verdict.Reason)
	}

	if lastResult != nil {
		// Exhausted: hand back the last pair even though it is invalid.
		return &RetryOutcome{Result: lastResult, Verdict: lastVerdict, Attempts: r.maxRetries}, nil
	}

	// Nothing was ever generated; use the deterministic fallback pair.
	result, verdict := r.fallback.Reply(req)
	metrics.RetryAttempts.WithLabelValues("fallback").Inc()
	return &RetryOutcome{Result: result, Verdict: verdict, Attempts: r.maxRetries, Fallback: true}, nil
}
