package chatcoach

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saladjay/ChatCoachService-sub000/internal/metrics"
)

// StepStatus is the terminal state of one executed step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepError   StepStatus = "error"
	StepTimeout StepStatus = "timeout"
)

// StepRecord is one entry in the per-request step log.
type StepRecord struct {
	Step     string        `json:"step"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ExecutionContext is the per-request ephemeral state: identity, requested
// quality, accumulated cost, step logs, and billing records. It is created
// at the start of GenerateReply and discarded at return.
//
// Race legs may touch it concurrently, so all mutation is mutex-guarded.
type ExecutionContext struct {
	RequestID        string
	UserID           string
	ConversationID   string
	RequestedQuality QualityTier

	mu          sync.Mutex
	cost        float64
	forcedCheap bool
	steps       []StepRecord
	billing     []BillingRecord
}

// NewExecutionContext builds the ephemeral state for one request.
func NewExecutionContext(req *Request) *ExecutionContext {
	quality := req.Quality
	if quality == "" {
		quality = TierPremium
	}
	return &ExecutionContext{
		RequestID:        uuid.NewString(),
		UserID:           req.UserID,
		ConversationID:   req.ConversationID,
		RequestedQuality: quality,
	}
}

// AddCost accumulates a generation's reported cost and returns the running
// total.
func (ec *ExecutionContext) AddCost(cost float64) float64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cost += cost
	return ec.cost
}

// Cost returns the accumulated cost so far.
func (ec *ExecutionContext) Cost() float64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cost
}

// ForceCheap permanently downgrades this request to the cheap tier. The flag
// is monotonic: once set it is never unset.
func (ec *ExecutionContext) ForceCheap() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if !ec.forcedCheap {
		ec.forcedCheap = true
		metrics.QualityDowngrades.Inc()
	}
}

// ForcedCheap reports whether the downgrade has happened.
func (ec *ExecutionContext) ForcedCheap() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.forcedCheap
}

// EffectiveQuality returns the tier the next attempt must use.
func (ec *ExecutionContext) EffectiveQuality() QualityTier {
	if ec.ForcedCheap() {
		return TierCheap
	}
	return ec.RequestedQuality
}

// RecordStep appends one step outcome to the ordered step log.
func (ec *ExecutionContext) RecordStep(rec StepRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.steps = append(ec.steps, rec)
}

// Steps returns a copy of the ordered step log.
func (ec *ExecutionContext) Steps() []StepRecord {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]StepRecord, len(ec.steps))
	copy(out, ec.steps)
	return out
}

// AddBilling appends one billing record.
func (ec *ExecutionContext) AddBilling(rec BillingRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.billing = append(ec.billing, rec)
}

// BillingRecords returns a copy of the accumulated billing records.
func (ec *ExecutionContext) BillingRecords() []BillingRecord {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]BillingRecord, len(ec.billing))
	copy(out, ec.billing)
	return out
}
