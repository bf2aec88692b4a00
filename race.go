package chatcoach

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/saladjay/ChatCoachService-sub000/internal/metrics"
	"github.com/saladjay/ChatCoachService-sub000/pkg/errors"
)

// RaceLeg is one of two concurrently-run backends competing for the same
// unit of work.
type RaceLeg struct {
	Name string
	Run  GenerateFunc
}

// legOutcome carries one leg's completed, already-validated result.
type legOutcome struct {
	name    string
	result  *GenerateResult
	verdict *Verdict
	err     error
}

func (o *legOutcome) passed() bool {
	return o.err == nil && o.verdict != nil && o.verdict.Passed
}

// PendingLeg is a handle to a leg still running when the race resolved.
// Register it with the background task registry so its late result can be
// cached without blocking the returned response.
type PendingLeg struct {
	Name string
	done <-chan legOutcome
}

// Wait blocks until the leg completes or ctx expires, returning the leg's
// validated result.
func (p *PendingLeg) Wait(ctx context.Context) (*GenerateResult, *Verdict, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case o := <-p.done:
		if o.err != nil {
			return nil, nil, o.err
		}
		return o.result, o.verdict, nil
	}
}

// RaceResult is the resolved race: the winner plus whatever is known about
// the loser. Exactly one of LoserResult or LoserPending is set, unless the
// loser already completed and failed (both nil).
type RaceResult struct {
	Winner  string
	Result  *GenerateResult
	Verdict *Verdict

	// LoserResult holds the loser's output when it completed and passed
	// before the race resolved; the caller may cache it synchronously.
	LoserResult  *GenerateResult
	LoserVerdict *Verdict

	// LoserPending is set when the loser was still running at resolution.
	LoserPending *PendingLeg
}

// RaceCoordinator runs a fast leg and a slow leg concurrently and commits
// to whichever first produces a validator-passing result.
//
// Tie-break: when both legs have already completed by the time the race
// resolves and both pass, the primary (first-listed) leg wins.
type RaceCoordinator struct {
	steps  *StepExecutor
	logger *slog.Logger
}

// NewRaceCoordinator creates a race coordinator.
func NewRaceCoordinator(steps *StepExecutor, logger *slog.Logger) *RaceCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RaceCoordinator{steps: steps, logger: logger}
}

// Run launches both legs and returns as soon as one passes validation. The
// legs run detached from the request's cancellation so a losing leg can
// finish after the response has been returned; its lifetime is bounded by
// whoever registers the pending handle.
func (rc *RaceCoordinator) Run(ctx context.Context, ec *ExecutionContext, primary, secondary RaceLeg, validate ValidateFunc) (*RaceResult, error) {
	tier := ec.EffectiveQuality()
	legCtx := context.WithoutCancel(ctx)

	primaryCh := rc.launch(legCtx, ec, primary, tier, validate)
	secondaryCh := rc.launch(legCtx, ec, secondary, tier, validate)

	var first legOutcome
	var firstFromPrimary bool
	select {
	case first = <-primaryCh:
		firstFromPrimary = true
	case first = <-secondaryCh:
	}

	otherCh := secondaryCh
	other := secondary
	if !firstFromPrimary {
		otherCh = primaryCh
		other = primary
	}

	if first.passed() {
		res := &RaceResult{Winner: first.name, Result: first.result, Verdict: first.verdict}

		// The other leg may have completed in the same instant. Prefer an
		// already-finished primary over a just-finished secondary;
		// otherwise hand the pending leg back for background completion.
		select {
		case second := <-otherCh:
			if second.passed() {
				if !firstFromPrimary {
					res = &RaceResult{Winner: second.name, Result: second.result, Verdict: second.verdict,
						LoserResult: first.result, LoserVerdict: first.verdict}
				} else {
					res.LoserResult = second.result
					res.LoserVerdict = second.verdict
				}
			}
		default:
			res.LoserPending = &PendingLeg{Name: other.Name, done: otherCh}
		}

		metrics.RaceOutcomes.WithLabelValues(res.Winner).Inc()
		rc.logger.Debug("race resolved", "request_id", ec.RequestID, "winner", res.Winner)
		return res, nil
	}

	// First leg to complete did not pass; the race now rides on the other.
	var second legOutcome
	select {
	case <-ctx.Done():
		second = legOutcome{name: other.Name, err: ctx.Err()}
	case second = <-otherCh:
	}

	if second.passed() {
		metrics.RaceOutcomes.WithLabelValues(second.name).Inc()
		rc.logger.Debug("race resolved", "request_id", ec.RequestID, "winner", second.name)
		return &RaceResult{Winner: second.name, Result: second.result, Verdict: second.verdict}, nil
	}

	metrics.RaceOutcomes.WithLabelValues("none").Inc()
	outcomes := map[string]legOutcome{first.name: first, second.name: second}
	return nil, errors.NewRaceBothFailed(primary.Name, secondary.Name,
		legError(outcomes[primary.Name]), legError(outcomes[secondary.Name]))
}

// launch runs one leg plus the shared validator in its own goroutine so the
// loser keeps making progress after the race resolves. The channel is
// buffered: an abandoned outcome never blocks the goroutine.
func (rc *RaceCoordinator) launch(ctx context.Context, ec *ExecutionContext, leg RaceLeg, tier QualityTier, validate ValidateFunc) chan legOutcome {
	ch := make(chan legOutcome, 1)
	go func() {
		result, err := ExecuteStep(ctx, rc.steps, ec, "race_"+leg.Name, func(ctx context.Context) (*GenerateResult, error) {
			return leg.Run(ctx, tier)
		})
		if err != nil {
			ch <- legOutcome{name: leg.Name, err: err}
			return
		}

		verdict, err := validate(ctx, result)
		if err != nil {
			ch <- legOutcome{name: leg.Name, result: result, err: err}
			return
		}
		ch <- legOutcome{name: leg.Name, result: result, verdict: verdict}
	}()
	return ch
}

// legError describes why a completed leg contributed no valid result.
func legError(o legOutcome) error {
	if o.err != nil {
		return o.err
	}
	if o.verdict != nil {
		return fmt.Errorf("candidate rejected: %s", o.verdict.Reason)
	}
	return fmt.Errorf("no result")
}
