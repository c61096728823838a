package workflow

import (
	"context"
	"testing"
	"time"

	"yipyap/internal/storage"
)

func TestIntakeExclusions(t *testing.T) {
	t.Parallel()
	now := baseTime()
	store := newFakeStore()
	acc := testAccount(now)
	store.accounts[acc.ID] = acc

	// Quiet conversation with a mix of message states.
	store.conversations[acc.ID] = []storage.Conversation{
		{ID: "quiet", AccountID: acc.ID, SenderID: "fan-1",
			CreatedAt: now.Add(-40 * 24 * time.Hour), LastInteractionAt: now.Add(-3 * time.Hour), MessageCount: 4},
		{ID: "live", AccountID: acc.ID, SenderID: "fan-2",
			CreatedAt: now.Add(-40 * 24 * time.Hour), LastInteractionAt: now.Add(-10 * time.Minute), MessageCount: 2},
		{ID: "gone", AccountID: acc.ID, SenderID: "fan-3", Archived: true,
			CreatedAt: now.Add(-40 * 24 * time.Hour), LastInteractionAt: now.Add(-3 * time.Hour), MessageCount: 2},
	}
	sev := 0.1
	store.messages["quiet"] = []storage.Message{
		{ID: "keep", ConversationID: "quiet", SenderID: "fan-1", SentAt: now.Add(-2 * time.Hour)},
		{ID: "own", ConversationID: "quiet", SenderID: acc.ID, FromOwner: true, SentAt: now.Add(-2 * time.Hour)},
		{ID: "done", ConversationID: "quiet", SenderID: "fan-1", SentAt: now.Add(-2 * time.Hour), ProcessedAt: now.Add(-time.Hour)},
		{ID: "redo", ConversationID: "quiet", SenderID: "fan-1", SentAt: now.Add(-2 * time.Hour), ProcessedAt: now.Add(-time.Hour), PendingReview: true},
		{ID: "crisis", ConversationID: "quiet", SenderID: "fan-1", SentAt: now.Add(-2 * time.Hour), Severity: &sev},
		{ID: "old", ConversationID: "quiet", SenderID: "fan-1", SentAt: now.Add(-13 * time.Hour)},
	}
	store.messages["live"] = []storage.Message{
		{ID: "skip-live", ConversationID: "live", SenderID: "fan-2", SentAt: now.Add(-2 * time.Hour)},
	}

	e, _, _, _, _ := newTestEngine(store, Options{})
	e.now = newFakeClock(now).Now
	rc := newRunContext(acc, e.opts, now)

	cands, err := e.intake(context.Background(), rc)
	if err != nil {
		t.Fatalf("intake: %v", err)
	}

	got := map[string]bool{}
	for _, c := range cands {
		got[c.msg.ID] = true
	}
	if len(cands) != 2 || !got["keep"] || !got["redo"] {
		t.Fatalf("candidates = %v, want exactly {keep, redo}", got)
	}

	counters, _, _ := rc.snapshot()
	if counters.Fetched != 2 {
		t.Fatalf("Fetched = %d, want 2", counters.Fetched)
	}
}

func TestIntakeComputesConversationContext(t *testing.T) {
	t.Parallel()
	now := baseTime()
	store := newFakeStore()
	acc := testAccount(now)
	store.accounts[acc.ID] = acc
	store.conversations[acc.ID] = []storage.Conversation{
		{ID: "vip", AccountID: acc.ID, SenderID: "fan-1",
			CreatedAt: now.Add(-45 * 24 * time.Hour), LastInteractionAt: now.Add(-2 * time.Hour), MessageCount: 15},
		{ID: "new", AccountID: acc.ID, SenderID: "fan-2",
			CreatedAt: now.Add(-5 * 24 * time.Hour), LastInteractionAt: now.Add(-2 * time.Hour), MessageCount: 20},
		{ID: "sparse", AccountID: acc.ID, SenderID: "fan-3",
			CreatedAt: now.Add(-45 * 24 * time.Hour), LastInteractionAt: now.Add(-2 * time.Hour), MessageCount: 3},
	}

	e, _, _, _, _ := newTestEngine(store, Options{})
	e.now = newFakeClock(now).Now
	rc := newRunContext(acc, e.opts, now)

	if _, err := e.intake(context.Background(), rc); err != nil {
		t.Fatalf("intake: %v", err)
	}

	if cc := rc.context("vip"); !cc.IsVIP || cc.AgeDays != 45 || cc.MessageCount != 15 {
		t.Fatalf("vip context = %+v", cc)
	}
	// Enough messages but too new.
	if cc := rc.context("new"); cc.IsVIP {
		t.Fatalf("new conversation marked VIP: %+v", cc)
	}
	// Old enough but too few messages.
	if cc := rc.context("sparse"); cc.IsVIP {
		t.Fatalf("sparse conversation marked VIP: %+v", cc)
	}
	// Missing cache lines come back as bare contexts, never a zero lookup.
	if cc := rc.context("unknown"); cc.ConversationID != "unknown" {
		t.Fatalf("fallback context = %+v", cc)
	}
}
