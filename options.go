package chatcoach

import (
	"log/slog"
	"time"

	"github.com/saladjay/ChatCoachService-sub000/caches/categorized"
)

// OrchestratorConfig holds all configuration for the Orchestrator.
type OrchestratorConfig struct {
	// Stage collaborators
	ContextBuilder    ContextBuilder
	SceneAnalyzer     SceneAnalyzer
	PersonaInferencer PersonaInferencer
	ReplyGenerator    ReplyGenerator
	Validator         Validator

	// RacedGenerators, when both are set, replaces the retry loop with a
	// two-leg race for the reply stage.
	RacedPrimary   ReplyGenerator
	RacedSecondary ReplyGenerator

	// Billing
	BillingGate BillingGate

	// Caching
	Cache *categorized.Cache

	// Execution
	StepTimeout       time.Duration
	MaxRetries        int
	CostCeiling       float64
	BackgroundTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Fallback
	Fallback FallbackPolicy

	// Logging
	Logger *slog.Logger
}

// Option is a function that configures the Orchestrator.
type Option func(*OrchestratorConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		StepTimeout:       30 * time.Second,
		MaxRetries:        3,
		CostCeiling:       0,
		BackgroundTimeout: 30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Fallback:          &TemplateFallback{},
		Logger:            slog.Default(),
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *OrchestratorConfig) {
		c.Logger = logger
	}
}

// WithStepTimeout bounds each collaborator call.
func WithStepTimeout(d time.Duration) Option {
	return func(c *OrchestratorConfig) {
		c.StepTimeout = d
	}
}

// WithMaxRetries bounds the reply generate-and-validate loop.
func WithMaxRetries(n int) Option {
	return func(c *OrchestratorConfig) {
		c.MaxRetries = n
	}
}

// WithCostCeiling sets the per-request cost (USD) at which later attempts
// are forced onto the cheap tier. Zero disables the ceiling.
func WithCostCeiling(usd float64) Option {
	return func(c *OrchestratorConfig) {
		c.CostCeiling = usd
	}
}

// WithCache attaches the dual-tier session cache. Without one, every stage
// recomputes on every request.
func WithCache(cache *categorized.Cache) Option {
	return func(c *OrchestratorConfig) {
		c.Cache = cache
	}
}

// WithBillingGate attaches quota pre-flight and call recording.
func WithBillingGate(gate BillingGate) Option {
	return func(c *OrchestratorConfig) {
		c.BillingGate = gate
	}
}

// WithContextBuilder sets the context-building collaborator.
func WithContextBuilder(b ContextBuilder) Option {
	return func(c *OrchestratorConfig) {
		c.ContextBuilder = b
	}
}

// WithSceneAnalyzer sets the scene-analysis collaborator.
func WithSceneAnalyzer(a SceneAnalyzer) Option {
	return func(c *OrchestratorConfig) {
		c.SceneAnalyzer = a
	}
}

// WithPersonaInferencer sets the persona-inference collaborator.
func WithPersonaInferencer(p PersonaInferencer) Option {
	return func(c *OrchestratorConfig) {
		c.PersonaInferencer = p
	}
}

// WithReplyGenerator sets the single reply generator used by the retry loop.
func WithReplyGenerator(g ReplyGenerator) Option {
	return func(c *OrchestratorConfig) {
		c.ReplyGenerator = g
	}
}

// WithValidator sets the candidate validity gate.
func WithValidator(v Validator) Option {
	return func(c *OrchestratorConfig) {
		c.Validator = v
	}
}

// WithRacedReplyGenerators races two generators for the reply stage instead
// of retrying one. The primary leg wins ties.
func WithRacedReplyGenerators(primary, secondary ReplyGenerator) Option {
	return func(c *OrchestratorConfig) {
		c.RacedPrimary = primary
		c.RacedSecondary = secondary
	}
}

// WithFallbackPolicy replaces the default template fallback.
func WithFallbackPolicy(p FallbackPolicy) Option {
	return func(c *OrchestratorConfig) {
		c.Fallback = p
	}
}

// WithBackgroundTaskTimeout bounds each fire-and-forget task.
func WithBackgroundTaskTimeout(d time.Duration) Option {
	return func(c *OrchestratorConfig) {
		c.BackgroundTimeout = d
	}
}

// WithShutdownTimeout bounds the background drain during Shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *OrchestratorConfig) {
		c.ShutdownTimeout = d
	}
}
