package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures the sqlite document store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Account is an enrolled creator account.
//
// Accounts are provisioned by the (out-of-scope) application surface; this
// service only reads them, except for activity bookkeeping.
type Account struct {
	ID          string
	CreatorName string

	// Timezone is an IANA zone name; DigestTime is local "HH:MM".
	Timezone   string
	DigestTime string

	Online       bool
	LastActiveAt time.Time

	// Stage enablement. Provisioning defaults all of these to true.
	ClassifyEnabled bool
	FAQEnabled      bool
	DraftEnabled    bool

	// ApprovalRequired stores FAQ suggestions for review instead of
	// auto-sending.
	ApprovalRequired bool

	// Zero means "use the configured default".
	DigestCapacity  int
	AutoResponseCap int

	// Quiet hours in local "HH:MM"; both empty disables quiet hours.
	// The window may wrap midnight (e.g. 22:00..08:00).
	QuietStart string
	QuietEnd   string

	FAQLink       string
	CommunityLink string

	NotifyEnabled bool
}

// Endpoint is a registered notification delivery target.
type Endpoint struct {
	AccountID string
	Channel   string // e.g. "telegram"
	Target    string // channel-specific address
}

// Conversation is one inbound sender's thread with an account.
type Conversation struct {
	ID                string
	AccountID         string
	SenderID          string
	CreatedAt         time.Time
	LastInteractionAt time.Time
	MessageCount      int
	Archived          bool
}

// Message is a single message record. Pipeline stages write their results
// back onto this record; there is no separate candidate entity in the store.
type Message struct {
	ID             string
	ConversationID string
	AccountID      string
	SenderID       string
	FromOwner      bool
	Text           string
	SentAt         time.Time

	ProcessedAt   time.Time // zero = unprocessed
	PendingReview bool

	// Severity is a prior 0..1 severity score from an earlier run or the
	// application's own triage; nil if never scored.
	Severity *float64

	// Classification results.
	Category       string
	Confidence     float64
	Sentiment      string
	SentimentScore float64
	EmotionalTone  []string
	CrisisDetected bool

	// Opportunity score 0..100; nil if never scored.
	OpportunityScore *int

	// Priority score. May be stored on a 0..1 scale by legacy writers;
	// readers normalize to 0..100. Nil if never scored.
	PriorityScore *float64
	PriorityTier  string

	IsFAQ              bool
	AutoResponseSent   bool
	NeedsDraftResponse bool
	ManualOverride     bool
	SuggestedReply     string
	DraftReply         string
}

// AnalysisUpdate is the write-back payload of the classification stage.
type AnalysisUpdate struct {
	Category         string
	Confidence       float64
	Sentiment        string
	SentimentScore   float64
	EmotionalTone    []string
	CrisisDetected   bool
	OpportunityScore *int
}

// FAQUpdate is the write-back payload of the FAQ stage.
type FAQUpdate struct {
	IsFAQ            bool
	AutoResponseSent bool
	ManualOverride   bool
	PendingReview    bool
	SuggestedReply   string
}

// StepLog records one orchestrator step.
type StepLog struct {
	Step      string        `json:"step"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Warning   bool          `json:"warning,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Counters accumulates per-run result counts.
type Counters struct {
	Fetched        int `json:"fetched"`
	Classified     int `json:"classified"`
	ClassifySkips  int `json:"classify_skips"`
	FAQAutoSent    int `json:"faq_auto_sent"`
	FAQFlagged     int `json:"faq_flagged"`
	Overrides      int `json:"overrides"`
	DraftsCreated  int `json:"drafts_created"`
	Archived       int `json:"archived"`
	BoundariesSent int `json:"boundaries_sent"`
	RateLimited    int `json:"rate_limited"`
	SafetyBlocked  int `json:"safety_blocked"`
	Notified       int `json:"notified"`
}

// Costs accumulates per-run token spend across capability calls.
type Costs struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Calls            int `json:"calls"`
}

// Execution is one run's status/audit/metrics document.
// Status transitions only forward: running -> completed|failed.
// A pre-check short-circuit creates a terminal "skipped" record instead.
type Execution struct {
	ID        string
	AccountID string
	Status    string // running|completed|skipped|failed
	StartedAt time.Time
	EndedAt   time.Time
	Steps     []StepLog
	Counters  Counters
	Costs     Costs
	Error     string
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// DigestItem is one selected message inside a digest tier.
type DigestItem struct {
	ConversationID   string  `json:"conversation_id"`
	MessageID        string  `json:"message_id"`
	SenderID         string  `json:"sender_id"`
	Preview          string  `json:"preview"`
	Category         string  `json:"category"`
	Score            float64 `json:"score"`
	Tier             string  `json:"tier"`
	EstimatedMinutes int     `json:"estimated_minutes"`
}

// Digest is the per-run priority digest, keyed by account + local date.
// A same-day re-run overwrites the existing row.
type Digest struct {
	AccountID        string
	DateKey          string // local "YYYY-MM-DD"
	High             []DigestItem
	Medium           []DigestItem
	FAQCount         int
	ArchivedCount    int
	Total            int
	CapacityUsed     int
	EstimatedMinutes int
	CreatedAt        time.Time
}

// UndoEntry enables reversal of an auto-archive for a bounded window.
// One entry is written per archived message whether or not a boundary
// reply was sent.
type UndoEntry struct {
	ID             int64
	AccountID      string
	ConversationID string
	MessageID      string
	ArchivedAt     time.Time
	ExpiresAt      time.Time
	BoundarySent   bool
	CanUndo        bool
}
