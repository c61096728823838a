package workflow

import (
	"context"

	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// draftStage prepares suggested replies for the digest-selected messages.
// Drafts are stored for human review, never sent. Every failure is soft.
func (e *Engine) draftStage(ctx context.Context, rc *runContext, selected []*candidate, log logx.Logger) {
	runBatches(ctx, len(selected), rc.opts.BatchSize, func(ctx context.Context, i int) error {
		c := selected[i]
		if !c.msg.NeedsDraftResponse || c.msg.DraftReply != "" {
			return nil
		}

		var draft string
		err := rc.opts.Retry.Do(ctx, func(ctx context.Context) error {
			res, usage, err := e.drafter.DraftReply(ctx, rc.account.CreatorName, c.msg.Text)
			rc.addUsage(usage)
			if err != nil {
				return err
			}
			draft = res
			return nil
		})
		if err != nil {
			log.Warn("draft skipped after retries", logx.String("message", c.msg.ID), logx.Err(err))
			return nil
		}
		if draft == "" {
			return nil
		}

		if err := e.store.SetDraft(ctx, c.msg.ID, draft); err != nil {
			log.Warn("draft write-back failed", logx.String("message", c.msg.ID), logx.Err(err))
			return nil
		}
		c.msg.DraftReply = draft
		rc.bump(func(c *storage.Counters) { c.DraftsCreated++ })
		return nil
	}, nil)
}
