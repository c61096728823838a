package workflow

import (
	"sync"
	"time"

	"yipyap/internal/ai"
	"yipyap/internal/storage"
)

// runContext is the explicit, typed per-run state threaded into each stage.
// It is owned by the orchestrator; stages never run concurrently with each
// other, but goroutines within a stage share it, so the accumulators are
// mutex-guarded.
type runContext struct {
	account storage.Account
	opts    Options

	startedAt time.Time

	mu       sync.Mutex
	counters storage.Counters
	costs    storage.Costs
	steps    []storage.StepLog

	// Conversation contexts computed during intake, reused by scoring.
	convCtx map[string]ConvContext
}

func newRunContext(account storage.Account, opts Options, startedAt time.Time) *runContext {
	return &runContext{
		account:   account,
		opts:      opts,
		startedAt: startedAt,
		convCtx:   map[string]ConvContext{},
	}
}

func (rc *runContext) addUsage(u ai.Usage) {
	rc.mu.Lock()
	rc.costs.PromptTokens += u.PromptTokens
	rc.costs.CompletionTokens += u.CompletionTokens
	rc.costs.Calls++
	rc.mu.Unlock()
}

// bump applies a mutation to the counters under the lock.
func (rc *runContext) bump(fn func(c *storage.Counters)) {
	rc.mu.Lock()
	fn(&rc.counters)
	rc.mu.Unlock()
}

func (rc *runContext) logStep(s storage.StepLog) {
	rc.mu.Lock()
	rc.steps = append(rc.steps, s)
	rc.mu.Unlock()
}

func (rc *runContext) snapshot() (storage.Counters, storage.Costs, []storage.StepLog) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	steps := make([]storage.StepLog, len(rc.steps))
	copy(steps, rc.steps)
	return rc.counters, rc.costs, steps
}

// context returns the cached conversation context, falling back to a bare
// entry so scoring never dereferences a missing cache line.
func (rc *runContext) context(conversationID string) ConvContext {
	if cc, ok := rc.convCtx[conversationID]; ok {
		return cc
	}
	return ConvContext{ConversationID: conversationID}
}

// digest capacities for this run's account.
func (rc *runContext) digestCapacity() int {
	if rc.account.DigestCapacity > 0 {
		return rc.account.DigestCapacity
	}
	return rc.opts.DigestCapacity
}

func (rc *runContext) autoResponseCap() int {
	if rc.account.AutoResponseCap > 0 {
		return rc.account.AutoResponseCap
	}
	return rc.opts.AutoResponseCap
}
