package chatcoach

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/saladjay/ChatCoachService-sub000/caches/categorized"
	redisstore "github.com/saladjay/ChatCoachService-sub000/caches/redis"
	"github.com/saladjay/ChatCoachService-sub000/caches/sqlite"
	"github.com/saladjay/ChatCoachService-sub000/pkg/cache"
	"github.com/saladjay/ChatCoachService-sub000/pkg/errors"
)

type stubStages struct {
	contextCalls  atomic.Int32
	sceneCalls    atomic.Int32
	personaCalls  atomic.Int32
	generateCalls atomic.Int32

	contextErr  error
	sceneErr    error
	generateErr error
	replyText   string
}

func (s *stubStages) Build(ctx context.Context, in *StageInput) (*ContextResult, error) {
	s.contextCalls.Add(1)
	if s.contextErr != nil {
		return nil, s.contextErr
	}
	return &ContextResult{Summary: "getting along well", Intimacy: 0.4}, nil
}

func (s *stubStages) Analyze(ctx context.Context, in *StageInput) (*SceneResult, error) {
	s.sceneCalls.Add(1)
	if s.sceneErr != nil {
		return nil, s.sceneErr
	}
	return &SceneResult{Scene: "first_date", Mood: "playful", Confidence: 0.9}, nil
}

func (s *stubStages) Infer(ctx context.Context, in *StageInput) (*PersonaSnapshot, error) {
	s.personaCalls.Add(1)
	return &PersonaSnapshot{Tone: "warm", Intimacy: 0.5}, nil
}

func (s *stubStages) Generate(ctx context.Context, in *GenerateInput) (*GenerateResult, error) {
	s.generateCalls.Add(1)
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	text := s.replyText
	if text == "" {
		text = "ask her about her favorite trail"
	}
	return &GenerateResult{Text: text, Provider: "stub", Model: "stub-1", InputTokens: 10, OutputTokens: 20, Cost: 0.002}, nil
}

type stubValidator struct {
	rejectText string
}

func (v *stubValidator) Check(ctx context.Context, req *Request, candidate *GenerateResult) (*Verdict, error) {
	if v.rejectText != "" && candidate.Text == v.rejectText {
		return &Verdict{Passed: false, Reason: "rejected"}, nil
	}
	return &Verdict{Passed: true, Score: 0.85}, nil
}

type stubBilling struct {
	mu       sync.Mutex
	allowed  bool
	quotaErr error
	records  []BillingRecord
}

func (b *stubBilling) CheckQuota(ctx context.Context, userID string) (bool, error) {
	if b.quotaErr != nil {
		return false, b.quotaErr
	}
	return b.allowed, nil
}

func (b *stubBilling) RecordCall(ctx context.Context, rec BillingRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	return nil
}

func (b *stubBilling) recorded() []BillingRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BillingRecord, len(b.records))
	copy(out, b.records)
	return out
}

func newTestCache(t *testing.T) *categorized.Cache {
	t.Helper()
	durable, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	volatile := redisstore.NewWithClient(client, "test", time.Hour)

	c := categorized.New(durable, volatile, categorized.DefaultConfig(), nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestOrchestrator(t *testing.T, stages *stubStages, extra ...Option) *Orchestrator {
	t.Helper()
	opts := append([]Option{
		WithContextBuilder(stages),
		WithSceneAnalyzer(stages),
		WithPersonaInferencer(stages),
		WithReplyGenerator(stages),
		WithValidator(&stubValidator{}),
	}, extra...)
	o, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown(time.Second) })
	return o
}

func testRequest() *Request {
	return &Request{
		UserID:         "u1",
		ConversationID: "c1",
		SessionID:      "s1",
		Scene:          "first_date",
		Message:        "she loves hiking",
	}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	stages := &stubStages{}
	o := newTestOrchestrator(t, stages)

	resp, err := o.GenerateReply(context.Background(), testRequest())
	require.NoError(t, err)
	require.False(t, resp.Fallback)
	require.Equal(t, "ask her about her favorite trail", resp.ReplyText)
	require.Equal(t, "stub", resp.Provider)
	require.InDelta(t, 0.85, resp.Confidence, 0.001)
	require.InDelta(t, 0.4, resp.IntimacyBefore, 0.001)
	require.InDelta(t, 0.5, resp.IntimacyAfter, 0.001)
	require.InDelta(t, 0.002, resp.CostUSD, 1e-9)

	require.Equal(t, int32(1), stages.contextCalls.Load())
	require.Equal(t, int32(1), stages.sceneCalls.Load())
	require.Equal(t, int32(1), stages.personaCalls.Load())
	require.Equal(t, int32(1), stages.generateCalls.Load())
}

func TestOrchestrator_CachedStagesSkipRecompute(t *testing.T) {
	stages := &stubStages{}
	o := newTestOrchestrator(t, stages, WithCache(newTestCache(t)))

	req := testRequest()
	_, err := o.GenerateReply(context.Background(), req)
	require.NoError(t, err)

	resp, err := o.GenerateReply(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Fallback)
	require.InDelta(t, 0.4, resp.IntimacyBefore, 0.001)

	// Analysis stages were served from the cache on the second request; the
	// reply itself is always regenerated.
	require.Equal(t, int32(1), stages.contextCalls.Load())
	require.Equal(t, int32(1), stages.sceneCalls.Load())
	require.Equal(t, int32(1), stages.personaCalls.Load())
	require.Equal(t, int32(2), stages.generateCalls.Load())
}

func TestOrchestrator_QuotaDenied(t *testing.T) {
	stages := &stubStages{}
	o := newTestOrchestrator(t, stages, WithBillingGate(&stubBilling{allowed: false}))

	resp, err := o.GenerateReply(context.Background(), testRequest())
	require.Nil(t, resp)
	require.Error(t, err)
	require.True(t, errors.HasKind(err, errors.KindQuotaExceeded))
	require.Equal(t, int32(0), stages.contextCalls.Load())
}

func TestOrchestrator_QuotaCheckFailsOpen(t *testing.T) {
	stages := &stubStages{}
	gate := &stubBilling{allowed: false, quotaErr: fmt.Errorf("billing db down")}
	o := newTestOrchestrator(t, stages, WithBillingGate(gate))

	resp, err := o.GenerateReply(context.Background(), testRequest())
	require.NoError(t, err)
	require.False(t, resp.Fallback)
}

func TestOrchestrator_ContextFailureServesFallback(t *testing.T) {
	stages := &stubStages{contextErr: fmt.Errorf("history service down")}
	o := newTestOrchestrator(t, stages)

	resp, err := o.GenerateReply(context.Background(), testRequest())
	require.NoError(t, err)
	require.True(t, resp.Fallback)
	require.NotEmpty(t, resp.ReplyText)
	require.Equal(t, int32(0), stages.generateCalls.Load())
}

func TestOrchestrator_SceneFailureDegrades(t *testing.T) {
	stages := &stubStages{sceneErr: fmt.Errorf("classifier down")}
	o := newTestOrchestrator(t, stages)

	resp, err := o.GenerateReply(context.Background(), testRequest())
	require.NoError(t, err)
	require.False(t, resp.Fallback)
	require.Equal(t, int32(1), stages.generateCalls.Load())
}

func TestOrchestrator_GenerationFailureServesFallback(t *testing.T) {
	stages := &stubStages{generateErr: fmt.Errorf("all providers down")}
	o := newTestOrchestrator(t, stages)

	resp, err := o.GenerateReply(context.Background(), testRequest())
	require.NoError(t, err)
	require.True(t, resp.Fallback)
	require.NotEmpty(t, resp.ReplyText)
	require.Equal(t, "fallback", resp.Provider)
}

func TestOrchestrator_BillingRecordsFlushed(t *testing.T) {
	stages := &stubStages{}
	gate := &stubBilling{allowed: true}
	o := newTestOrchestrator(t, stages, WithBillingGate(gate))

	_, err := o.GenerateReply(context.Background(), testRequest())
	require.NoError(t, err)
	require.NoError(t, o.Shutdown(time.Second))

	records := gate.recorded()
	require.Len(t, records, 1)
	require.Equal(t, "u1", records[0].UserID)
	require.Equal(t, "stub-1", records[0].Model)
	require.InDelta(t, 0.002, records[0].Cost, 1e-9)
}

type slowGenerator struct {
	stubStages
	delay time.Duration
	text  string
}

func (g *slowGenerator) Generate(ctx context.Context, in *GenerateInput) (*GenerateResult, error) {
	select {
	case <-time.After(g.delay):
		return &GenerateResult{Text: g.text, Provider: "slow", Model: "slow-1", Cost: 0.01}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestOrchestrator_RacedGenerators(t *testing.T) {
	stages := &stubStages{}
	fast := &stubStages{replyText: "fast answer"}
	slow := &slowGenerator{delay: 200 * time.Millisecond, text: "slow answer"}
	sessionCache := newTestCache(t)

	o := newTestOrchestrator(t, stages,
		WithCache(sessionCache),
		WithRacedReplyGenerators(slow, fast),
	)

	req := testRequest()
	resp, err := o.GenerateReply(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Fallback)
	require.Equal(t, "fast answer", resp.ReplyText)

	// The losing leg finishes in the background and must drain cleanly.
	require.NoError(t, o.Shutdown(time.Second))

	// The loser passed validation late, so the background task wrote it to
	// the cache after the response had already been returned.
	key := cache.SessionKey{SessionID: req.SessionID, Scene: req.Scene}
	ev := sessionCache.GetResourceCategoryLast(context.Background(), key, cache.CategoryReply, req.CacheResource())
	require.NotNil(t, ev)
	var cached GenerateResult
	require.NoError(t, json.Unmarshal(ev.Payload, &cached))
	require.Equal(t, "slow answer", cached.Text)

	// Both candidates live in the reply timeline: winner first, loser after.
	timeline := sessionCache.GetTimeline(context.Background(), key, cache.CategoryReply)
	require.Len(t, timeline, 2)
	var winner GenerateResult
	require.NoError(t, json.Unmarshal(timeline[0].Payload, &winner))
	require.Equal(t, "fast answer", winner.Text)
}

func TestOrchestrator_RaceBothFailedServesFallback(t *testing.T) {
	stages := &stubStages{}
	broken := &stubStages{generateErr: fmt.Errorf("leg down")}

	o := newTestOrchestrator(t, stages, WithRacedReplyGenerators(broken, broken))

	resp, err := o.GenerateReply(context.Background(), testRequest())
	require.NoError(t, err)
	require.True(t, resp.Fallback)
	require.NotEmpty(t, resp.ReplyText)
}

func TestOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := New()
	require.Error(t, err)

	stages := &stubStages{}
	_, err = New(
		WithContextBuilder(stages),
		WithSceneAnalyzer(stages),
		WithPersonaInferencer(stages),
		WithValidator(&stubValidator{}),
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ReplyGenerator")
}
