package chatcoach

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	mu    sync.Mutex
	calls int
	tiers []QualityTier
	fn    func(call int, tier QualityTier) (*GenerateResult, error)
}

func (g *scriptedGenerator) generate(ctx context.Context, tier QualityTier) (*GenerateResult, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.tiers = append(g.tiers, tier)
	g.mu.Unlock()
	return g.fn(call, tier)
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *scriptedGenerator) seenTiers() []QualityTier {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]QualityTier, len(g.tiers))
	copy(out, g.tiers)
	return out
}

func passValidator(ctx context.Context, candidate *GenerateResult) (*Verdict, error) {
	return &Verdict{Passed: true, Score: 0.9}, nil
}

func rejectValidator(ctx context.Context, candidate *GenerateResult) (*Verdict, error) {
	return &Verdict{Passed: false, Reason: "too bland"}, nil
}

func newTestRetry(maxRetries int, costCeiling float64) *RetryController {
	steps := NewStepExecutor(time.Second, nil)
	return NewRetryController(steps, maxRetries, costCeiling, &TemplateFallback{}, nil)
}

func TestRetryController_FirstAttemptPasses(t *testing.T) {
	gen := &scriptedGenerator{fn: func(call int, tier QualityTier) (*GenerateResult, error) {
		return &GenerateResult{Text: "hi", Cost: 0.01}, nil
	}}

	ec := testExecutionContext()
	outcome, err := newTestRetry(3, 0).Run(context.Background(), ec, &Request{}, gen.generate, passValidator)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Attempts)
	require.True(t, outcome.Verdict.Passed)
	require.False(t, outcome.Fallback)
	require.Equal(t, "hi", outcome.Result.Text)
	require.InDelta(t, 0.01, ec.Cost(), 1e-9)
	require.Len(t, ec.BillingRecords(), 1)
}

func TestRetryController_RetriesUntilPass(t *testing.T) {
	gen := &scriptedGenerator{fn: func(call int, tier QualityTier) (*GenerateResult, error) {
		return &GenerateResult{Text: fmt.Sprintf("attempt-%d", call)}, nil
	}}
	validate := func(ctx context.Context, candidate *GenerateResult) (*Verdict, error) {
		if candidate.Text == "attempt-3" {
			return &Verdict{Passed: true, Score: 0.7}, nil
		}
		return &Verdict{Passed: false, Reason: "not yet"}, nil
	}

	outcome, err := newTestRetry(3, 0).Run(context.Background(), testExecutionContext(), &Request{}, gen.generate, validate)
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Attempts)
	require.True(t, outcome.Verdict.Passed)
	require.Equal(t, "attempt-3", outcome.Result.Text)
}

func TestRetryController_CostCeilingForcesCheap(t *testing.T) {
	gen := &scriptedGenerator{fn: func(call int, tier QualityTier) (*GenerateResult, error) {
		return &GenerateResult{Text: "pricey", Cost: 1.0}, nil
	}}

	ec := testExecutionContext()
	outcome, err := newTestRetry(3, 0.5).Run(context.Background(), ec, &Request{}, gen.generate, rejectValidator)
	require.NoError(t, err)
	require.False(t, outcome.Verdict.Passed)

	tiers := gen.seenTiers()
	require.Equal(t, []QualityTier{TierPremium, TierCheap, TierCheap}, tiers)
	require.True(t, ec.ForcedCheap())
}

func TestRetryController_TimeoutForcesCheapAndConsumesSlot(t *testing.T) {
	slow := &scriptedGenerator{fn: func(call int, tier QualityTier) (*GenerateResult, error) {
		if call == 1 {
			time.Sleep(200 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		return &GenerateResult{Text: "quick"}, nil
	}}

	steps := NewStepExecutor(30*time.Millisecond, nil)
	r := NewRetryController(steps, 3, 0, &TemplateFallback{}, nil)

	ec := testExecutionContext()
	outcome, err := r.Run(context.Background(), ec, &Request{}, slow.generate, passValidator)
	require.NoError(t, err)
	require.True(t, outcome.Verdict.Passed)
	require.Equal(t, "quick", outcome.Result.Text)
	require.Equal(t, 2, outcome.Attempts)

	tiers := slow.seenTiers()
	require.Equal(t, TierPremium, tiers[0])
	require.Equal(t, TierCheap, tiers[1])
}

func TestRetryController_ExhaustedReturnsLastPair(t *testing.T) {
	gen := &scriptedGenerator{fn: func(call int, tier QualityTier) (*GenerateResult, error) {
		return &GenerateResult{Text: fmt.Sprintf("attempt-%d", call)}, nil
	}}

	outcome, err := newTestRetry(2, 0).Run(context.Background(), testExecutionContext(), &Request{}, gen.generate, rejectValidator)
	require.NoError(t, err)
	require.False(t, outcome.Fallback)
	require.False(t, outcome.Verdict.Passed)
	require.Equal(t, "attempt-2", outcome.Result.Text)
	require.Equal(t, 2, gen.callCount())
}

func TestRetryController_AllErrorsFallsBack(t *testing.T) {
	gen := &scriptedGenerator{fn: func(call int, tier QualityTier) (*GenerateResult, error) {
		return nil, fmt.Errorf("provider down")
	}}

	outcome, err := newTestRetry(3, 0).Run(context.Background(), testExecutionContext(), &Request{Scene: "date"}, gen.generate, passValidator)
	require.NoError(t, err)
	require.True(t, outcome.Fallback)
	require.NotNil(t, outcome.Result)
	require.NotEmpty(t, outcome.Result.Text)
	require.Equal(t, "fallback", outcome.Result.Provider)
	require.Equal(t, 3, gen.callCount())
}

func TestRetryController_CancelledRequestStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	gen := func(ctx context.Context, tier QualityTier) (*GenerateResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ec := testExecutionContext()
	outcome, err := newTestRetry(3, 0).Run(ctx, ec, &Request{Scene: "date"}, gen, passValidator)
	require.NoError(t, err)
	require.True(t, outcome.Fallback)

	// A dead request must not consume the remaining slots or downgrade.
	require.Equal(t, int32(1), calls.Load())
	require.False(t, ec.ForcedCheap())
}

func TestRetryController_ValidatorErrorKeepsCandidate(t *testing.T) {
	gen := &scriptedGenerator{fn: func(call int, tier QualityTier) (*GenerateResult, error) {
		return &GenerateResult{Text: "candidate"}, nil
	}}
	validate := func(ctx context.Context, candidate *GenerateResult) (*Verdict, error) {
		return nil, fmt.Errorf("validator down")
	}

	outcome, err := newTestRetry(2, 0).Run(context.Background(), testExecutionContext(), &Request{}, gen.generate, validate)
	require.NoError(t, err)
	require.False(t, outcome.Fallback)
	require.Equal(t, "candidate", outcome.Result.Text)
	require.False(t, outcome.Verdict.Passed)
}
