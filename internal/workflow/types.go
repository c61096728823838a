package workflow

import (
	"errors"
	"time"

	"yipyap/internal/ai"
	"yipyap/internal/notify"
	"yipyap/internal/storage"
)

// Dispatcher enqueues digest notifications for async delivery. Implemented
// by notify.Service; tests substitute fakes.
type Dispatcher interface {
	Enqueue(n notify.Notification) error
}

var (
	// ErrBudgetExceeded aborts a run when the wall-clock budget is spent.
	// It is checked between stages only; a stage already executing always
	// runs to completion.
	ErrBudgetExceeded = errors.New("run time budget exceeded")

	// ErrAccountEngaged is recorded on skipped runs (account currently in a
	// live conversation).
	ErrAccountEngaged = errors.New("account currently engaged")
)

// Priority tiers.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// Tier score boundaries.
const (
	highTierFloor   = 70.0
	mediumTierFloor = 40.0
)

// Digest tier capacities: up to 3 high and up to 7 medium items, bounded
// further by the configured capacity when it is smaller.
const (
	highTierSize   = 3
	mediumTierSize = 7
)

// Options carries the orchestrator defaults. Per-account records override
// digest capacity, auto-response cap, quiet hours and stage enablement.
type Options struct {
	TotalBudget       time.Duration // default 5m
	ActivityThreshold time.Duration // default 30m
	Lookback          time.Duration // default 12h
	RecentActivity    time.Duration // default 1h
	CrisisSeverity    float64       // default 0.3 on the 0..1 severity scale

	BatchSize       int // default 50
	AutoResponseCap int // default 20
	DigestCapacity  int // default 10

	FAQConfidence  float64 // default 0.8
	ConfidenceWall float64 // default 0.7; below it category is forced to general

	Retry ai.Policy // default 3 attempts, 100ms base, 2s cap

	BoundaryTemplate  string
	BoundaryRateLimit time.Duration // default 7d
	UndoTTL           time.Duration // default 24h
}

func (o Options) withDefaults() Options {
	if o.TotalBudget <= 0 {
		o.TotalBudget = 5 * time.Minute
	}
	if o.ActivityThreshold <= 0 {
		o.ActivityThreshold = 30 * time.Minute
	}
	if o.Lookback <= 0 {
		o.Lookback = 12 * time.Hour
	}
	if o.RecentActivity <= 0 {
		o.RecentActivity = time.Hour
	}
	if o.CrisisSeverity <= 0 {
		o.CrisisSeverity = 0.3
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.AutoResponseCap <= 0 {
		o.AutoResponseCap = 20
	}
	if o.DigestCapacity <= 0 {
		o.DigestCapacity = 10
	}
	if o.FAQConfidence <= 0 {
		o.FAQConfidence = 0.8
	}
	if o.ConfidenceWall <= 0 {
		o.ConfidenceWall = 0.7
	}
	if o.Retry.Max <= 0 {
		o.Retry = ai.Policy{Max: 3, Base: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	if o.BoundaryRateLimit <= 0 {
		o.BoundaryRateLimit = 7 * 24 * time.Hour
	}
	if o.UndoTTL <= 0 {
		o.UndoTTL = 24 * time.Hour
	}
	if o.BoundaryTemplate == "" {
		o.BoundaryTemplate = defaultBoundaryTemplate
	}
	return o
}

const defaultBoundaryTemplate = "Hi! {{creator_name}} gets more messages than they can answer personally, " +
	"so this conversation is being archived for now. Common questions are answered at {{faq_link}}, " +
	"and you can always reach the community at {{community_link}}. Thanks for understanding!"

// RunOptions are per-invocation knobs.
type RunOptions struct {
	// BypassActivityGuard forces a run even when the account looks engaged.
	BypassActivityGuard bool
}

// Summary is returned to the trigger layer after a run.
type Summary struct {
	Success     bool              `json:"success"`
	ExecutionID string            `json:"execution_id"`
	Status      string            `json:"status"`
	Counters    storage.Counters  `json:"counters"`
	Costs       storage.Costs     `json:"costs"`
	Steps       []storage.StepLog `json:"steps"`
	Duration    time.Duration     `json:"duration"`
}

// ConvContext is the per-conversation context computed once during intake
// and reused by the scoring stage.
type ConvContext struct {
	ConversationID    string
	SenderID          string
	AgeDays           int
	LastInteractionAt time.Time
	MessageCount      int
	IsVIP             bool
}

// candidate is a message selected by intake, carried through the pipeline.
// Stage results are mutated in place and written back onto the stored
// message record; the candidate itself is never persisted.
type candidate struct {
	msg  storage.Message
	conv ConvContext

	// set by the scoring stage
	score  float64
	tier   string
	reused bool
}
