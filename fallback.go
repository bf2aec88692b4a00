package chatcoach

import (
	"fmt"
)

// FallbackPolicy supplies a deterministic reply when the pipeline cannot
// produce one: the retry loop exhausted without any generation, both race
// legs failed, or an unexpected stage error made the request unservable.
type FallbackPolicy interface {
	// Reply produces a synthetic generation pair for the retry loop.
	Reply(req *Request) (*GenerateResult, *Verdict)

	// Response produces the full degraded response returned to the caller.
	Response(req *Request, ec *ExecutionContext) *Response
}

// TemplateFallback is the default policy: a fixed apologetic reply that
// acknowledges the user's scene without invoking any model.
type TemplateFallback struct {
	// Text overrides the default reply body when non-empty.
	Text string
}

func (f *TemplateFallback) text(req *Request) string {
	if f.Text != "" {
		return f.Text
	}
	if req != nil && req.Scene != "" {
		return fmt.Sprintf("I'm not sure what to say about %s right now. Could you tell me a bit more?", req.Scene)
	}
	return "I'm not sure what to say right now. Could you tell me a bit more?"
}

// Reply returns the template pair. The verdict passes so callers treat the
// fallback as a usable, if degraded, result.
func (f *TemplateFallback) Reply(req *Request) (*GenerateResult, *Verdict) {
	result := &GenerateResult{
		Text:     f.text(req),
		Provider: "fallback",
		Model:    "template",
	}
	verdict := &Verdict{
		Passed: true,
		Reason: "fallback template",
	}
	return result, verdict
}

// Response wraps the template reply in a complete degraded response.
func (f *TemplateFallback) Response(req *Request, ec *ExecutionContext) *Response {
	result, verdict := f.Reply(req)
	resp := &Response{
		ReplyText:  result.Text,
		Confidence: verdict.Score,
		Model:      result.Model,
		Provider:   result.Provider,
		Fallback:   true,
	}
	if ec != nil {
		resp.CostUSD = ec.Cost()
	}
	return resp
}
