package workflow

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"yipyap/internal/ai"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// archiveStage archives the beyond-capacity overflow, sending a templated
// boundary reply where safe and allowed. Guarantees, in order:
//
//   - safety predicates first: business or urgent category, VIP
//     relationship and crisis sentiment are never archived;
//   - at most one boundary reply per sender pair per rolling rate-limit
//     window (default 7 days);
//   - quiet hours suppress the reply but the archive still happens;
//   - every archived message gets an undo entry whether or not a reply
//     went out.
//
// Store errors are soft: the message is skipped and the run continues.
func (e *Engine) archiveStage(ctx context.Context, rc *runContext, beyond []*candidate, log logx.Logger) {
	archivedConvs := map[string]bool{}

	for _, c := range beyond {
		if neverArchive(c) {
			rc.bump(func(c *storage.Counters) { c.SafetyBlocked++ })
			log.Debug("archive blocked by safety predicate",
				logx.String("message", c.msg.ID), logx.String("category", c.msg.Category))
			continue
		}

		if !archivedConvs[c.msg.ConversationID] {
			if err := e.store.ArchiveConversation(ctx, rc.account.ID, c.msg.ConversationID); err != nil {
				log.Warn("archive failed", logx.String("conversation", c.msg.ConversationID), logx.Err(err))
				continue
			}
			archivedConvs[c.msg.ConversationID] = true
		}
		rc.bump(func(c *storage.Counters) { c.Archived++ })

		now := e.now()
		boundarySent := e.maybeSendBoundary(ctx, rc, c, log)

		if err := e.store.PutUndoEntry(ctx, storage.UndoEntry{
			AccountID:      rc.account.ID,
			ConversationID: c.msg.ConversationID,
			MessageID:      c.msg.ID,
			ArchivedAt:     now,
			ExpiresAt:      now.Add(rc.opts.UndoTTL),
			BoundarySent:   boundarySent,
			CanUndo:        true,
		}); err != nil {
			log.Warn("undo entry write failed", logx.String("message", c.msg.ID), logx.Err(err))
		}

		e.markProcessed(ctx, c.msg.ID, now, log)
	}
}

// neverArchive is the safety exclusion predicate.
func neverArchive(c *candidate) bool {
	return ai.IsBusinessLike(c.msg.Category) ||
		c.msg.Category == ai.CategoryUrgent ||
		c.conv.IsVIP ||
		c.msg.CrisisDetected
}

// maybeSendBoundary sends the templated boundary reply unless the sender
// pair is rate-limited or the account is in quiet hours. Reports whether a
// reply actually went out.
func (e *Engine) maybeSendBoundary(ctx context.Context, rc *runContext, c *candidate, log logx.Logger) bool {
	now := e.now()
	pairKey := rc.account.ID + "|" + c.msg.SenderID

	lastSentAt, ok, err := e.store.GetBoundaryLimit(ctx, pairKey)
	if err != nil {
		log.Warn("boundary rate-limit lookup failed", logx.String("pair", pairKey), logx.Err(err))
		return false
	}
	if ok && now.Sub(lastSentAt) < rc.opts.BoundaryRateLimit {
		rc.bump(func(c *storage.Counters) { c.RateLimited++ })
		return false
	}

	if inQuietHours(rc.account, now) {
		log.Debug("boundary reply suppressed by quiet hours", logx.String("conversation", c.msg.ConversationID))
		return false
	}

	reply := storage.Message{
		ID:             uuid.NewString(),
		ConversationID: c.msg.ConversationID,
		AccountID:      rc.account.ID,
		SenderID:       rc.account.ID,
		FromOwner:      true,
		Text:           renderBoundary(rc.opts.BoundaryTemplate, rc.account),
		SentAt:         now,
		ProcessedAt:    now,
	}
	if err := e.store.AppendMessage(ctx, reply); err != nil {
		log.Warn("boundary reply send failed", logx.String("conversation", c.msg.ConversationID), logx.Err(err))
		return false
	}

	if err := e.store.PutBoundaryLimit(ctx, pairKey, now, now.Add(rc.opts.BoundaryRateLimit)); err != nil {
		log.Warn("boundary rate-limit write failed", logx.String("pair", pairKey), logx.Err(err))
	}
	rc.bump(func(c *storage.Counters) { c.BoundariesSent++ })
	return true
}

func renderBoundary(tmpl string, a storage.Account) string {
	r := strings.NewReplacer(
		"{{creator_name}}", a.CreatorName,
		"{{faq_link}}", a.FAQLink,
		"{{community_link}}", a.CommunityLink,
	)
	return r.Replace(tmpl)
}
