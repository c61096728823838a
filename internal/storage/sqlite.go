package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"yipyap/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Accounts ----

const accountCols = `id, creator_name, timezone, digest_time, online, last_active_at,
	classify_enabled, faq_enabled, draft_enabled, approval_required,
	digest_capacity, auto_response_cap, quiet_start, quiet_end,
	faq_link, community_link, notify_enabled`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	var online, classify, faq, draft, approval, notify int
	var lastActive sql.NullString
	err := row.Scan(
		&a.ID, &a.CreatorName, &a.Timezone, &a.DigestTime, &online, &lastActive,
		&classify, &faq, &draft, &approval,
		&a.DigestCapacity, &a.AutoResponseCap, &a.QuietStart, &a.QuietEnd,
		&a.FAQLink, &a.CommunityLink, &notify,
	)
	if err != nil {
		return Account{}, err
	}
	a.Online = online != 0
	a.ClassifyEnabled = classify != 0
	a.FAQEnabled = faq != 0
	a.DraftEnabled = draft != 0
	a.ApprovalRequired = approval != 0
	a.NotifyEnabled = notify != 0
	a.LastActiveAt = parseTime(lastActive)
	return a, nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) Endpoints(ctx context.Context, accountID string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, channel, target FROM endpoints WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.AccountID, &e.Channel, &e.Target); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Conversations & messages ----

func (s *sqliteStore) Conversations(ctx context.Context, accountID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, sender_id, created_at, last_interaction_at, message_count, archived
		 FROM conversations WHERE account_id = ? AND archived = 0`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var created, last string
		var archived int
		if err := rows.Scan(&c.ID, &c.AccountID, &c.SenderID, &created, &last, &c.MessageCount, &archived); err != nil {
			return nil, err
		}
		c.CreatedAt = mustTime(created)
		c.LastInteractionAt = mustTime(last)
		c.Archived = archived != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

const messageCols = `id, conversation_id, account_id, sender_id, from_owner, text, sent_at,
	processed_at, pending_review, severity, category, confidence, sentiment, sentiment_score,
	emotional_tone, crisis_detected, opportunity_score, priority_score, priority_tier,
	is_faq, auto_sent, needs_draft, manual_override, suggested_reply, draft_reply`

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var fromOwner, pending, crisis, isFAQ, autoSent, needsDraft, override int
	var processedAt sql.NullString
	var severity, prioScore sql.NullFloat64
	var oppScore sql.NullInt64
	var sentAt, tones string
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.AccountID, &m.SenderID, &fromOwner, &m.Text, &sentAt,
		&processedAt, &pending, &severity, &m.Category, &m.Confidence, &m.Sentiment, &m.SentimentScore,
		&tones, &crisis, &oppScore, &prioScore, &m.PriorityTier,
		&isFAQ, &autoSent, &needsDraft, &override, &m.SuggestedReply, &m.DraftReply,
	)
	if err != nil {
		return Message{}, err
	}
	m.FromOwner = fromOwner != 0
	m.PendingReview = pending != 0
	m.CrisisDetected = crisis != 0
	m.IsFAQ = isFAQ != 0
	m.AutoResponseSent = autoSent != 0
	m.NeedsDraftResponse = needsDraft != 0
	m.ManualOverride = override != 0
	m.SentAt = mustTime(sentAt)
	m.ProcessedAt = parseTime(processedAt)
	if severity.Valid {
		v := severity.Float64
		m.Severity = &v
	}
	if oppScore.Valid {
		v := int(oppScore.Int64)
		m.OpportunityScore = &v
	}
	if prioScore.Valid {
		v := prioScore.Float64
		m.PriorityScore = &v
	}
	if tones != "" {
		_ = json.Unmarshal([]byte(tones), &m.EmotionalTone)
	}
	return m, nil
}

func (s *sqliteStore) MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = ? AND sent_at >= ? ORDER BY sent_at`,
		conversationID, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HasOwnerMessageSince(ctx context.Context, conversationID string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND from_owner = 1 AND sent_at >= ?`,
		conversationID, fmtTime(since)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) AppendMessage(ctx context.Context, m Message) error {
	tones, _ := json.Marshal(m.EmotionalTone)
	if m.EmotionalTone == nil {
		tones = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, account_id, sender_id, from_owner, text, sent_at, emotional_tone)
		 VALUES(?,?,?,?,?,?,?,?)`,
		m.ID, m.ConversationID, m.AccountID, m.SenderID, boolInt(m.FromOwner), m.Text, fmtTime(m.SentAt), string(tones),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, last_interaction_at = ? WHERE id = ?`,
		fmtTime(m.SentAt), m.ConversationID)
	return err
}

func (s *sqliteStore) ArchiveConversation(ctx context.Context, accountID, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET archived = 1 WHERE id = ? AND account_id = ?`,
		conversationID, accountID)
	return err
}

// ---- Message write-backs ----

func (s *sqliteStore) SetAnalysis(ctx context.Context, messageID string, u AnalysisUpdate) error {
	tones, _ := json.Marshal(u.EmotionalTone)
	if u.EmotionalTone == nil {
		tones = []byte("[]")
	}
	var opp any
	if u.OpportunityScore != nil {
		opp = *u.OpportunityScore
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET category=?, confidence=?, sentiment=?, sentiment_score=?,
		 emotional_tone=?, crisis_detected=?, opportunity_score=? WHERE id=?`,
		u.Category, u.Confidence, u.Sentiment, u.SentimentScore,
		string(tones), boolInt(u.CrisisDetected), opp, messageID,
	)
	return err
}

func (s *sqliteStore) SetFAQ(ctx context.Context, messageID string, u FAQUpdate) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_faq=?, auto_sent=?, manual_override=?, pending_review=?, suggested_reply=? WHERE id=?`,
		boolInt(u.IsFAQ), boolInt(u.AutoResponseSent), boolInt(u.ManualOverride),
		boolInt(u.PendingReview), u.SuggestedReply, messageID,
	)
	return err
}

func (s *sqliteStore) SetPriority(ctx context.Context, messageID string, score float64, tier string, needsDraft bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET priority_score=?, priority_tier=?, needs_draft=? WHERE id=?`,
		score, tier, boolInt(needsDraft), messageID,
	)
	return err
}

func (s *sqliteStore) SetDraft(ctx context.Context, messageID, draft string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET draft_reply=? WHERE id=?`, draft, messageID)
	return err
}

func (s *sqliteStore) MarkProcessed(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET processed_at=?, pending_review=0 WHERE id=?`, fmtTime(at), messageID)
	return err
}

// ---- Executions ----

func (s *sqliteStore) CreateExecution(ctx context.Context, e Execution) error {
	steps, counters, costs := marshalExecutionBlobs(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, account_id, status, started_at, ended_at, steps, counters, costs, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, e.AccountID, e.Status, fmtTime(e.StartedAt), nullTime(e.EndedAt), steps, counters, costs, e.Error,
	)
	return err
}

func (s *sqliteStore) FinishExecution(ctx context.Context, e Execution) error {
	steps, counters, costs := marshalExecutionBlobs(e)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status=?, ended_at=?, steps=?, counters=?, costs=?, err=?
		 WHERE id=? AND status=?`,
		e.Status, nullTime(e.EndedAt), steps, counters, costs, e.Error, e.ID, StatusRunning,
	)
	if err != nil {
		return err
	}
	// Guard the forward-only transition: finishing a non-running record is a bug.
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %q is not running: %w", e.ID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (Execution, error) {
	var e Execution
	var started string
	var ended sql.NullString
	var steps, counters, costs string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, status, started_at, ended_at, steps, counters, costs, err
		 FROM executions WHERE id = ?`, id).
		Scan(&e.ID, &e.AccountID, &e.Status, &started, &ended, &steps, &counters, &costs, &e.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Execution{}, err
	}
	e.StartedAt = mustTime(started)
	e.EndedAt = parseTime(ended)
	_ = json.Unmarshal([]byte(steps), &e.Steps)
	_ = json.Unmarshal([]byte(counters), &e.Counters)
	_ = json.Unmarshal([]byte(costs), &e.Costs)
	return e, nil
}

func marshalExecutionBlobs(e Execution) (steps, counters, costs string) {
	sb, _ := json.Marshal(e.Steps)
	if e.Steps == nil {
		sb = []byte("[]")
	}
	cb, _ := json.Marshal(e.Counters)
	xb, _ := json.Marshal(e.Costs)
	return string(sb), string(cb), string(xb)
}

// ---- Digests ----

func (s *sqliteStore) UpsertDigest(ctx context.Context, d Digest) error {
	high, _ := json.Marshal(d.High)
	if d.High == nil {
		high = []byte("[]")
	}
	medium, _ := json.Marshal(d.Medium)
	if d.Medium == nil {
		medium = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO digests(account_id, date_key, high, medium, faq_count, archived_count, total,
		 capacity_used, estimated_minutes, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(account_id, date_key) DO UPDATE SET
		   high=excluded.high, medium=excluded.medium, faq_count=excluded.faq_count,
		   archived_count=excluded.archived_count, total=excluded.total,
		   capacity_used=excluded.capacity_used, estimated_minutes=excluded.estimated_minutes,
		   created_at=excluded.created_at`,
		d.AccountID, d.DateKey, string(high), string(medium), d.FAQCount, d.ArchivedCount, d.Total,
		d.CapacityUsed, d.EstimatedMinutes, fmtTime(d.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetDigest(ctx context.Context, accountID, dateKey string) (Digest, bool, error) {
	var d Digest
	var high, medium, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, date_key, high, medium, faq_count, archived_count, total,
		 capacity_used, estimated_minutes, created_at
		 FROM digests WHERE account_id = ? AND date_key = ?`, accountID, dateKey).
		Scan(&d.AccountID, &d.DateKey, &high, &medium, &d.FAQCount, &d.ArchivedCount, &d.Total,
			&d.CapacityUsed, &d.EstimatedMinutes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Digest{}, false, nil
	}
	if err != nil {
		return Digest{}, false, err
	}
	d.CreatedAt = mustTime(created)
	_ = json.Unmarshal([]byte(high), &d.High)
	_ = json.Unmarshal([]byte(medium), &d.Medium)
	return d, true, nil
}

// ---- Boundary rate limits & undo ----

func (s *sqliteStore) GetBoundaryLimit(ctx context.Context, pairKey string) (time.Time, bool, error) {
	var lastSent string
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sent_at, expires_at FROM boundary_limits WHERE pair_key = ?`, pairKey).
		Scan(&lastSent, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if time.Now().UnixMilli() >= expires {
		return time.Time{}, false, nil
	}
	return mustTime(lastSent), true, nil
}

func (s *sqliteStore) PutBoundaryLimit(ctx context.Context, pairKey string, sentAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boundary_limits(pair_key, last_sent_at, expires_at) VALUES(?,?,?)
		 ON CONFLICT(pair_key) DO UPDATE SET last_sent_at=excluded.last_sent_at, expires_at=excluded.expires_at`,
		pairKey, fmtTime(sentAt), expiresAt.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) PutUndoEntry(ctx context.Context, u UndoEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO undo_archive(account_id, conversation_id, message_id, archived_at, expires_at, boundary_sent, can_undo)
		 VALUES(?,?,?,?,?,?,?)`,
		u.AccountID, u.ConversationID, u.MessageID, fmtTime(u.ArchivedAt), u.ExpiresAt.UnixMilli(),
		boolInt(u.BoundarySent), boolInt(u.CanUndo),
	)
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM boundary_limits WHERE expires_at < ?`, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM undo_archive WHERE expires_at < ?`, now)
	return err
}

// ---- Helpers ----

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func mustTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	return t
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return mustTime(ns.String)
}
