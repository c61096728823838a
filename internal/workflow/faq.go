package workflow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"yipyap/internal/ai"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// faqStage auto-answers frequently asked questions. Auto-sends are bounded
// by a per-run cap, checked both between batches and per message (parallel
// batch members can cross the threshold mid-batch). Failures are soft.
//
// The manual-override check is an optimistic point-in-time re-query, not a
// lock: a human reply landing strictly between the re-query and the
// auto-reply write is not caught.
func (e *Engine) faqStage(ctx context.Context, rc *runContext, cands []candidate, log logx.Logger) {
	capN := int64(rc.autoResponseCap())
	var sent atomic.Int64

	runBatches(ctx, len(cands), rc.opts.BatchSize, func(ctx context.Context, i int) error {
		c := &cands[i]
		if c.msg.CrisisDetected {
			return nil
		}

		var match ai.FAQMatch
		err := rc.opts.Retry.Do(ctx, func(ctx context.Context) error {
			res, usage, err := e.faq.MatchFAQ(ctx, c.msg.Text, rc.account.ID)
			rc.addUsage(usage)
			if err != nil {
				return err
			}
			match = res
			return nil
		})
		if err != nil {
			log.Warn("faq match skipped after retries", logx.String("message", c.msg.ID), logx.Err(err))
			return nil
		}
		if !match.IsFAQ {
			return nil
		}
		c.msg.IsFAQ = true
		c.msg.SuggestedReply = match.SuggestedResponse

		autoSend := match.Confidence >= rc.opts.FAQConfidence &&
			!rc.account.ApprovalRequired

		if autoSend {
			// Per-message cap re-check; give the slot back if over.
			if sent.Add(1) > capN {
				sent.Add(-1)
				autoSend = false
			}
		}

		if !autoSend {
			e.flagForReview(ctx, rc, c, log)
			return nil
		}

		// Manual-override re-check: a human answered since the run started.
		overridden, oerr := e.store.HasOwnerMessageSince(ctx, c.msg.ConversationID, rc.startedAt)
		if oerr != nil {
			log.Warn("manual-override check failed", logx.String("conversation", c.msg.ConversationID), logx.Err(oerr))
		}
		if overridden {
			sent.Add(-1)
			c.msg.ManualOverride = true
			if err := e.store.SetFAQ(ctx, c.msg.ID, storage.FAQUpdate{
				IsFAQ:          true,
				ManualOverride: true,
				SuggestedReply: match.SuggestedResponse,
			}); err != nil {
				log.Warn("faq write-back failed", logx.String("message", c.msg.ID), logx.Err(err))
			}
			rc.bump(func(c *storage.Counters) { c.Overrides++ })
			return nil
		}

		now := e.now()
		reply := storage.Message{
			ID:             uuid.NewString(),
			ConversationID: c.msg.ConversationID,
			AccountID:      rc.account.ID,
			SenderID:       rc.account.ID,
			FromOwner:      true,
			Text:           match.SuggestedResponse,
			SentAt:         now,
			ProcessedAt:    now,
		}
		if err := e.store.AppendMessage(ctx, reply); err != nil {
			sent.Add(-1)
			log.Warn("faq auto-reply send failed", logx.String("message", c.msg.ID), logx.Err(err))
			return nil
		}

		c.msg.AutoResponseSent = true
		if err := e.store.SetFAQ(ctx, c.msg.ID, storage.FAQUpdate{
			IsFAQ:            true,
			AutoResponseSent: true,
			SuggestedReply:   match.SuggestedResponse,
		}); err != nil {
			log.Warn("faq write-back failed", logx.String("message", c.msg.ID), logx.Err(err))
		}
		e.markProcessed(ctx, c.msg.ID, now, log)
		rc.bump(func(c *storage.Counters) { c.FAQAutoSent++ })
		return nil
	}, func() bool {
		return sent.Load() >= capN
	})
}

// flagForReview stores the suggested reply for human approval without
// sending anything.
func (e *Engine) flagForReview(ctx context.Context, rc *runContext, c *candidate, log logx.Logger) {
	c.msg.PendingReview = true
	if err := e.store.SetFAQ(ctx, c.msg.ID, storage.FAQUpdate{
		IsFAQ:          true,
		PendingReview:  true,
		SuggestedReply: c.msg.SuggestedReply,
	}); err != nil {
		log.Warn("faq write-back failed", logx.String("message", c.msg.ID), logx.Err(err))
		return
	}
	rc.bump(func(c *storage.Counters) { c.FAQFlagged++ })
}

func (e *Engine) markProcessed(ctx context.Context, messageID string, at time.Time, log logx.Logger) {
	if err := e.store.MarkProcessed(ctx, messageID, at); err != nil {
		log.Warn("mark processed failed", logx.String("message", messageID), logx.Err(err))
	}
}
