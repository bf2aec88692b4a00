// Package chatcoach orchestrates an LLM-backed conversation coaching
// pipeline: context building, scene analysis, persona inference, and reply
// generation with validation, retries, cost-aware quality downgrade, and an
// optional two-backend race for the reply stage.
//
// Stage outputs are memoized per session, resource, and category in a
// dual-tier cache (Redis projection over a SQLite source of truth) so
// repeated requests over the same content skip recomputation and survive
// restarts.
//
// Basic usage:
//
//	orch, err := chatcoach.New(
//	    chatcoach.WithContextBuilder(builder),
//	    chatcoach.WithSceneAnalyzer(analyzer),
//	    chatcoach.WithPersonaInferencer(inferencer),
//	    chatcoach.WithReplyGenerator(generator),
//	    chatcoach.WithValidator(validator),
//	    chatcoach.WithCache(sessionCache),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Shutdown(0)
//
//	resp, err := orch.GenerateReply(ctx, &chatcoach.Request{
//	    UserID:    "u-1",
//	    SessionID: "conv-42",
//	    Scene:     "first_date",
//	    Message:   "She said she loves hiking, what do I say?",
//	})
package chatcoach

// Version is the current version of the module.
const Version = "1.0.0"
