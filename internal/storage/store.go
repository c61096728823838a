package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"yipyap/pkg/logx"
)

// Store is the persistence API used by the workflow engine, scheduler and
// notifier. It is injected everywhere (no ambient singleton handle) so test
// doubles can stand in for it.
//
// No multi-document atomicity is assumed: writes are per-key, and callers
// rely on idempotent re-reads (existence checks, score reuse) across
// partial re-runs.
type Store interface {
	// Accounts.
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	Endpoints(ctx context.Context, accountID string) ([]Endpoint, error)

	// Conversations and messages.
	Conversations(ctx context.Context, accountID string) ([]Conversation, error)
	MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]Message, error)
	HasOwnerMessageSince(ctx context.Context, conversationID string, since time.Time) (bool, error)
	AppendMessage(ctx context.Context, m Message) error
	ArchiveConversation(ctx context.Context, accountID, conversationID string) error

	// Per-stage write-backs onto message records.
	SetAnalysis(ctx context.Context, messageID string, u AnalysisUpdate) error
	SetFAQ(ctx context.Context, messageID string, u FAQUpdate) error
	SetPriority(ctx context.Context, messageID string, score float64, tier string, needsDraft bool) error
	SetDraft(ctx context.Context, messageID, draft string) error
	MarkProcessed(ctx context.Context, messageID string, at time.Time) error

	// Execution records.
	CreateExecution(ctx context.Context, e Execution) error
	FinishExecution(ctx context.Context, e Execution) error
	GetExecution(ctx context.Context, id string) (Execution, error)

	// Digests.
	UpsertDigest(ctx context.Context, d Digest) error
	GetDigest(ctx context.Context, accountID, dateKey string) (Digest, bool, error)

	// Boundary rate limiting and undo entries.
	GetBoundaryLimit(ctx context.Context, pairKey string) (lastSentAt time.Time, ok bool, err error)
	PutBoundaryLimit(ctx context.Context, pairKey string, sentAt, expiresAt time.Time) error
	PutUndoEntry(ctx context.Context, u UndoEntry) error

	Close() error
}

// Open initializes the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
