package chatcoach

import (
	"context"
	"time"
)

// QualityTier selects which backend class a stage uses.
type QualityTier string

const (
	// TierPremium is the slow, high-quality backend class.
	TierPremium QualityTier = "premium"
	// TierCheap is the fast, low-cost backend class. Once a request is
	// forced cheap it never upgrades back.
	TierCheap QualityTier = "cheap"
)

// Request is one reply-generation request entering the pipeline.
type Request struct {
	UserID         string      `json:"user_id"`
	ConversationID string      `json:"conversation_id"`
	SessionID      string      `json:"session_id"`
	Scene          string      `json:"scene"`
	Message        string      `json:"message"`
	// Resource is the caller-supplied content fingerprint used for cache
	// keying (e.g., an image hash). Empty falls back to the message text.
	Resource string      `json:"resource,omitempty"`
	Quality  QualityTier `json:"quality"`
}

// CacheResource returns the identifier the cache keys this request under.
func (r *Request) CacheResource() string {
	if r.Resource != "" {
		return r.Resource
	}
	return r.Message
}

// Response is the pipeline's reply to the caller. Total pipeline failure is
// reported through Fallback=true, never as a raw collaborator error.
type Response struct {
	ReplyText      string  `json:"reply_text"`
	Confidence     float64 `json:"confidence"`
	IntimacyBefore float64 `json:"intimacy_before"`
	IntimacyAfter  float64 `json:"intimacy_after"`
	Model          string  `json:"model"`
	Provider       string  `json:"provider"`
	CostUSD        float64 `json:"cost_usd"`
	Fallback       bool    `json:"fallback"`
}

// StageInput carries the request plus outputs accumulated by earlier stages.
type StageInput struct {
	Request *Request       `json:"request"`
	Context *ContextResult `json:"context,omitempty"`
	Scene   *SceneResult   `json:"scene,omitempty"`
}

// ContextResult is the context-building stage output.
type ContextResult struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics,omitempty"`
	Intimacy float64  `json:"intimacy"`
}

// SceneResult is the scene-analysis stage output.
type SceneResult struct {
	Scene      string  `json:"scene"`
	Mood       string  `json:"mood"`
	Confidence float64 `json:"confidence"`
}

// PersonaSnapshot is the persona-inference stage output.
type PersonaSnapshot struct {
	Tone     string            `json:"tone"`
	Traits   map[string]string `json:"traits,omitempty"`
	Intimacy float64           `json:"intimacy"`
}

// GenerateInput is the reply-generation stage input.
type GenerateInput struct {
	Request *Request         `json:"request"`
	Context *ContextResult   `json:"context,omitempty"`
	Scene   *SceneResult     `json:"scene,omitempty"`
	Persona *PersonaSnapshot `json:"persona,omitempty"`
	Quality QualityTier      `json:"quality"`
}

// GenerateResult is one generated reply candidate with its cost accounting.
type GenerateResult struct {
	Text         string  `json:"text"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Verdict is the validity gate's judgment of a candidate.
type Verdict struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// BillingRecord accounts for one model call.
type BillingRecord struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Cost           float64   `json:"cost"`
	At             time.Time `json:"at"`
}

// Collaborator interfaces. The pipeline owns sequencing, caching, and error
// policy; the model-calling internals live behind these and are selected at
// construction time.

// ContextBuilder assembles conversation context for a request.
type ContextBuilder interface {
	Build(ctx context.Context, in *StageInput) (*ContextResult, error)
}

// SceneAnalyzer classifies the current scene.
type SceneAnalyzer interface {
	Analyze(ctx context.Context, in *StageInput) (*SceneResult, error)
}

// PersonaInferencer infers the counterpart persona.
type PersonaInferencer interface {
	Infer(ctx context.Context, in *StageInput) (*PersonaSnapshot, error)
}

// ReplyGenerator produces a reply candidate under a quality tier.
type ReplyGenerator interface {
	Generate(ctx context.Context, in *GenerateInput) (*GenerateResult, error)
}

// Validator gates generated candidates.
type Validator interface {
	Check(ctx context.Context, req *Request, candidate *GenerateResult) (*Verdict, error)
}

// BillingGate answers quota pre-flight checks and records completed calls.
type BillingGate interface {
	CheckQuota(ctx context.Context, userID string) (bool, error)
	RecordCall(ctx context.Context, rec BillingRecord) error
}
