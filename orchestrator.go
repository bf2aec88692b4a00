package chatcoach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/saladjay/ChatCoachService-sub000/internal/metrics"
	"github.com/saladjay/ChatCoachService-sub000/pkg/cache"
	"github.com/saladjay/ChatCoachService-sub000/pkg/errors"
)

// Orchestrator sequences the reply pipeline: quota pre-flight, context
// building, scene analysis, persona inference, then reply generation with
// validation. Stage outputs are memoized in the session cache so repeated
// requests over the same resource skip recomputation.
//
// The caller-facing contract is deliberately narrow: GenerateReply returns
// an error only for quota denial. Every other failure degrades to a
// fallback response with Fallback set, because a coaching product would
// rather say something safe than surface an internal error mid-chat.
type Orchestrator struct {
	cfg        *OrchestratorConfig
	steps      *StepExecutor
	retry      *RetryController
	race       *RaceCoordinator
	background *BackgroundTaskRegistry
	logger     *slog.Logger
}

// New creates an Orchestrator from functional options.
func New(opts ...Option) (*Orchestrator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.ContextBuilder == nil {
		return nil, fmt.Errorf("chatcoach: a ContextBuilder is required")
	}
	if cfg.SceneAnalyzer == nil {
		return nil, fmt.Errorf("chatcoach: a SceneAnalyzer is required")
	}
	if cfg.PersonaInferencer == nil {
		return nil, fmt.Errorf("chatcoach: a PersonaInferencer is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("chatcoach: a Validator is required")
	}
	raced := cfg.RacedPrimary != nil && cfg.RacedSecondary != nil
	if !raced && cfg.ReplyGenerator == nil {
		return nil, fmt.Errorf("chatcoach: a ReplyGenerator (or a raced pair) is required")
	}
	if cfg.Fallback == nil {
		cfg.Fallback = &TemplateFallback{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	steps := NewStepExecutor(cfg.StepTimeout, cfg.Logger)
	o := &Orchestrator{
		cfg:        cfg,
		steps:      steps,
		retry:      NewRetryController(steps, cfg.MaxRetries, cfg.CostCeiling, cfg.Fallback, cfg.Logger),
		race:       NewRaceCoordinator(steps, cfg.Logger),
		background: NewBackgroundTaskRegistry(cfg.BackgroundTimeout, cfg.Logger),
		logger:     cfg.Logger,
	}
	return o, nil
}

// GenerateReply runs the full pipeline for one request.
//
// The only error it returns is quota denial; any stage failure is absorbed
// into a fallback response.
func (o *Orchestrator) GenerateReply(ctx context.Context, req *Request) (*Response, error) {
	ec := NewExecutionContext(req)
	logger := o.logger.With("request_id", ec.RequestID, "user_id", req.UserID)

	if o.cfg.BillingGate != nil {
		ok, err := o.cfg.BillingGate.CheckQuota(ctx, req.UserID)
		if err != nil {
			// Fail open: a broken billing backend must not block replies.
			logger.Warn("quota check failed, allowing request", "error", err)
		} else if !ok {
			metrics.PipelineRequests.WithLabelValues("quota_denied").Inc()
			return nil, errors.NewQuotaExceeded(req.UserID)
		}
	}

	key := cache.SessionKey{SessionID: req.SessionID, Scene: req.Scene}
	resource := req.CacheResource()
	in := &StageInput{Request: req}

	ctxResult, err := cachedStage(ctx, o, ec, key, cache.CategoryContextAnalysis, resource, "context_build",
		func(ctx context.Context) (*ContextResult, error) {
			return o.cfg.ContextBuilder.Build(ctx, in)
		})
	if err != nil {
		// Without context nothing downstream is trustworthy.
		logger.Error("context stage failed, serving fallback", "error", errors.NewRecoverableStage("context_build", err))
		metrics.PipelineRequests.WithLabelValues("fallback").Inc()
		return o.cfg.Fallback.Response(req, ec), nil
	}
	in.Context = ctxResult

	sceneResult, err := cachedStage(ctx, o, ec, key, cache.CategorySceneAnalysis, resource, "scene_analyze",
		func(ctx context.Context) (*SceneResult, error) {
			return o.cfg.SceneAnalyzer.Analyze(ctx, in)
		})
	if err != nil {
		// Scene is advisory; generation proceeds without it.
		logger.Warn("scene stage degraded", "error", errors.NewRecoverableStage("scene_analyze", err))
	}
	in.Scene = sceneResult

	persona, err := cachedStage(ctx, o, ec, key, cache.CategoryPersonaAnalysis, resource, "persona_infer",
		func(ctx context.Context) (*PersonaSnapshot, error) {
			return o.cfg.PersonaInferencer.Infer(ctx, in)
		})
	if err != nil {
		logger.Warn("persona stage degraded", "error", errors.NewRecoverableStage("persona_infer", err))
	}

	genInput := &GenerateInput{
		Request: req,
		Context: ctxResult,
		Scene:   sceneResult,
		Persona: persona,
	}
	validate := func(ctx context.Context, candidate *GenerateResult) (*Verdict, error) {
		return o.cfg.Validator.Check(ctx, req, candidate)
	}

	result, verdict, usedFallback := o.generateReply(ctx, ec, req, genInput, validate, logger)

	if !usedFallback && o.cfg.Cache != nil {
		o.cacheReply(ctx, key, resource, result, logger)
	}
	o.recordBilling(ec, logger)

	resp := &Response{
		ReplyText: result.Text,
		Model:     result.Model,
		Provider:  result.Provider,
		CostUSD:   ec.Cost(),
		Fallback:  usedFallback,
	}
	if verdict != nil {
		resp.Confidence = verdict.Score
	}
	if ctxResult != nil {
		resp.IntimacyBefore = ctxResult.Intimacy
	}
	if persona != nil {
		resp.IntimacyAfter = persona.Intimacy
	}

	status := "ok"
	if usedFallback {
		status = "fallback"
	}
	metrics.PipelineRequests.WithLabelValues(status).Inc()
	logger.Info("reply generated",
		"fallback", usedFallback, "cost_usd", resp.CostUSD, "steps", len(ec.Steps()))
	return resp, nil
}

// generateReply runs either the raced pair or the retry loop for the reply
// stage, always returning a usable (result, verdict) pair.
func (o *Orchestrator) generateReply(ctx context.Context, ec *ExecutionContext, req *Request, genInput *GenerateInput, validate ValidateFunc, logger *slog.Logger) (*GenerateResult, *Verdict, bool) {
	raced := o.cfg.RacedPrimary != nil && o.cfg.RacedSecondary != nil
	if !raced {
		outcome, err := o.retry.Run(ctx, ec, req, o.generateFunc(o.cfg.ReplyGenerator, genInput), validate)
		if err != nil {
			// Run only errors on internal misuse; treat as total failure.
			logger.Error("retry loop failed", "error", errors.NewOrchestration("reply", err))
			result, verdict := o.cfg.Fallback.Reply(req)
			return result, verdict, true
		}
		return outcome.Result, outcome.Verdict, outcome.Fallback
	}

	primary := RaceLeg{Name: "primary", Run: o.racedGenerateFunc(o.cfg.RacedPrimary, ec, genInput)}
	secondary := RaceLeg{Name: "secondary", Run: o.racedGenerateFunc(o.cfg.RacedSecondary, ec, genInput)}

	raceResult, err := o.race.Run(ctx, ec, primary, secondary, validate)
	if err != nil {
		logger.Warn("both race legs failed, serving fallback", "error", err)
		result, verdict := o.cfg.Fallback.Reply(req)
		return result, verdict, true
	}

	key := cache.SessionKey{SessionID: req.SessionID, Scene: req.Scene}
	resource := req.CacheResource()

	switch {
	case raceResult.LoserResult != nil:
		// Loser already completed and passed; cache it before returning.
		if o.cfg.Cache != nil {
			o.cacheReply(ctx, key, resource, raceResult.LoserResult, logger)
		}
	case raceResult.LoserPending != nil:
		pending := raceResult.LoserPending
		o.background.Go("race_loser_"+pending.Name, func(taskCtx context.Context) error {
			result, verdict, err := pending.Wait(taskCtx)
			if err != nil || !verdict.Passed {
				return nil
			}
			if o.cfg.Cache == nil {
				return nil
			}
			payload, err := json.Marshal(result)
			if err != nil {
				return err
			}
			return o.cfg.Cache.Append(taskCtx, key, cache.CategoryReply, resource, payload)
		})
	}

	return raceResult.Result, raceResult.Verdict, false
}

// generateFunc adapts a ReplyGenerator to the tier-parameterized form the
// retry loop consumes. Cost accounting is the retry loop's job.
func (o *Orchestrator) generateFunc(gen ReplyGenerator, genInput *GenerateInput) GenerateFunc {
	return func(ctx context.Context, tier QualityTier) (*GenerateResult, error) {
		in := *genInput
		in.Quality = tier
		return gen.Generate(ctx, &in)
	}
}

// racedGenerateFunc is the race-leg variant: legs bypass the retry loop, so
// cost and billing attribution happen here instead.
func (o *Orchestrator) racedGenerateFunc(gen ReplyGenerator, ec *ExecutionContext, genInput *GenerateInput) GenerateFunc {
	inner := o.generateFunc(gen, genInput)
	return func(ctx context.Context, tier QualityTier) (*GenerateResult, error) {
		result, err := inner(ctx, tier)
		if err != nil {
			return nil, err
		}
		ec.AddCost(result.Cost)
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
		return result, nil
	}
}

// cacheReply persists a winning reply candidate; failures are logged only.
func (o *Orchestrator) cacheReply(ctx context.Context, key cache.SessionKey, resource string, result *GenerateResult, logger *slog.Logger) {
	payload, err := json.Marshal(result)
	if err != nil {
		logger.Warn("reply marshal failed", "error", err)
		return
	}
	if err := o.cfg.Cache.Append(ctx, key, cache.CategoryReply, resource, payload); err != nil {
		logger.Warn("reply cache write failed", "error", err)
	}
}

// recordBilling flushes the request's billing records through the gate in
// the background; the response never waits on the billing backend.
func (o *Orchestrator) recordBilling(ec *ExecutionContext, logger *slog.Logger) {
	if o.cfg.BillingGate == nil {
		return
	}
	records := ec.BillingRecords()
	if len(records) == 0 {
		return
	}
	o.background.Go("billing_record", func(taskCtx context.Context) error {
		for _, rec := range records {
			if err := o.cfg.BillingGate.RecordCall(taskCtx, rec); err != nil {
				logger.Warn("billing record failed", "model", rec.Model, "error", err)
			}
		}
		return nil
	})
}

// BackgroundTasks returns the number of in-flight background tasks.
func (o *Orchestrator) BackgroundTasks() int {
	return o.background.Count()
}

// Shutdown drains background tasks, waiting up to timeout before cancelling
// stragglers. Zero timeout uses the configured default.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = o.cfg.ShutdownTimeout
	}
	return o.background.Shutdown(timeout)
}

// cachedStage returns the memoized stage output for (session, resource,
// category) when present, otherwise computes it under the step executor and
// writes it through the cache. Cache unavailability degrades to a miss.
func cachedStage[T any](ctx context.Context, o *Orchestrator, ec *ExecutionContext, key cache.SessionKey, cat cache.Category, resource, step string, compute func(context.Context) (*T, error)) (*T, error) {
	if o.cfg.Cache != nil {
		if ev := o.cfg.Cache.GetResourceCategoryLast(ctx, key, cat, resource); ev != nil {
			var out T
			if err := json.Unmarshal(ev.Payload, &out); err == nil {
				ec.RecordStep(StepRecord{Step: step, Status: StepOK})
				return &out, nil
			}
			o.logger.Warn("cached payload unreadable, recomputing", "step", step, "category", cat)
		}
	}

	out, err := ExecuteStep(ctx, o.steps, ec, step, compute)
	if err != nil {
		return nil, err
	}

	if o.cfg.Cache != nil && out != nil {
		payload, merr := json.Marshal(out)
		if merr != nil {
			o.logger.Warn("stage marshal failed", "step", step, "error", merr)
			return out, nil
		}
		if cerr := o.cfg.Cache.Append(ctx, key, cat, resource, payload); cerr != nil {
			o.logger.Warn("stage cache write failed", "step", step, "error", cerr)
		}
	}
	return out, nil
}
