package workflow

import (
	"context"
	"fmt"

	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// intake fetches candidate messages for the run. Store errors here are hard:
// a run without a candidate set cannot proceed.
//
// Exclusion rules, in order:
//   - archived conversations
//   - conversations with activity inside the recent-activity window (live
//     chats are never touched)
//   - messages authored by the account owner
//   - messages already fully processed and not pending re-review
//   - messages carrying a prior severity score below the crisis floor
//     (left for manual handling, never automated)
func (e *Engine) intake(ctx context.Context, rc *runContext) ([]candidate, error) {
	convs, err := e.store.Conversations(ctx, rc.account.ID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	cutoff := rc.startedAt.Add(-rc.opts.Lookback)
	liveSince := rc.startedAt.Add(-rc.opts.RecentActivity)

	eligible := convs[:0]
	for _, cv := range convs {
		if cv.Archived {
			continue
		}
		if cv.LastInteractionAt.After(liveSince) {
			continue
		}
		eligible = append(eligible, cv)

		// Context is computed once here and reused by scoring. Intake is
		// the only writer, before any stage goroutines exist.
		ageDays := int(rc.startedAt.Sub(cv.CreatedAt).Hours() / 24)
		rc.convCtx[cv.ID] = ConvContext{
			ConversationID:    cv.ID,
			SenderID:          cv.SenderID,
			AgeDays:           ageDays,
			LastInteractionAt: cv.LastInteractionAt,
			MessageCount:      cv.MessageCount,
			IsVIP:             cv.MessageCount > 10 && ageDays > 30,
		}
	}

	// Per-conversation message fetches go out concurrently.
	msgsByConv := make([][]storage.Message, len(eligible))
	errs := runBatches(ctx, len(eligible), rc.opts.BatchSize, func(ctx context.Context, i int) error {
		msgs, err := e.store.MessagesSince(ctx, eligible[i].ID, cutoff)
		if err != nil {
			return err
		}
		msgsByConv[i] = msgs
		return nil
	}, nil)
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("fetch messages for conversation %s: %w", eligible[i].ID, err)
		}
	}

	var cands []candidate
	for i, msgs := range msgsByConv {
		cc := rc.convCtx[eligible[i].ID]
		for _, m := range msgs {
			if m.FromOwner {
				continue
			}
			if !m.ProcessedAt.IsZero() && !m.PendingReview {
				continue
			}
			if m.Severity != nil && *m.Severity < rc.opts.CrisisSeverity {
				e.log.Debug("crisis-flagged message excluded from automation",
					logx.String("message", m.ID), logx.Float64("severity", *m.Severity))
				continue
			}
			cands = append(cands, candidate{msg: m, conv: cc})
		}
	}

	rc.bump(func(c *storage.Counters) { c.Fetched = len(cands) })
	return cands, nil
}
