package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"yipyap/internal/ai"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// digestPlan is the scoring stage's output: the tier-capped digest
// selection and everything beyond it, which the archive stage processes.
type digestPlan struct {
	selected []*candidate
	beyond   []*candidate

	high   []storage.DigestItem
	medium []storage.DigestItem

	estimatedMinutes int
}

// scoreStage computes a weighted composite priority score per candidate,
// ranks, and truncates to the digest capacity. Messages already carrying a
// stored score keep it verbatim (normalized to the 0..100 scale) so partial
// re-runs are idempotent.
func (e *Engine) scoreStage(ctx context.Context, rc *runContext, cands []candidate, log logx.Logger) digestPlan {
	var ranked []*candidate
	for i := range cands {
		c := &cands[i]
		if c.msg.AutoResponseSent {
			continue // already handled by the FAQ stage
		}
		c.score, c.reused = priorityScore(c.msg, rc.convCtx[c.msg.ConversationID], rc.startedAt)
		c.tier = tierFor(c.score)
		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].msg.SentAt.Before(ranked[j].msg.SentAt)
	})

	// Tier sizes are fixed by the digest data model: at most 3 high and 7
	// medium items, regardless of how large the per-account capacity is.
	capacity := rc.digestCapacity()
	highN := highTierSize
	if highN > capacity {
		highN = capacity
	}
	mediumN := mediumTierSize
	if mediumN > capacity-highN {
		mediumN = capacity - highN
	}
	selectN := highN + mediumN

	plan := digestPlan{}
	for i, c := range ranked {
		if i >= selectN {
			plan.beyond = append(plan.beyond, c)
			continue
		}
		plan.selected = append(plan.selected, c)

		minutes := 10
		if ai.IsBusinessLike(c.msg.Category) {
			minutes = 30
		}
		plan.estimatedMinutes += minutes

		item := storage.DigestItem{
			ConversationID:   c.msg.ConversationID,
			MessageID:        c.msg.ID,
			SenderID:         c.msg.SenderID,
			Preview:          preview(c.msg.Text),
			Category:         c.msg.Category,
			Score:            c.score,
			Tier:             c.tier,
			EstimatedMinutes: minutes,
		}
		if i < highN {
			plan.high = append(plan.high, item)
		} else {
			plan.medium = append(plan.medium, item)
		}
	}

	// Drafting is reserved for the selections worth a considered reply:
	// business-like or high-tier. FAQ auto-responses never reach here.
	for _, c := range plan.selected {
		if c.tier == TierHigh || ai.IsBusinessLike(c.msg.Category) {
			c.msg.NeedsDraftResponse = true
		}
	}

	// Write scores back; soft failures, the in-memory plan stands.
	for _, c := range ranked {
		if c.reused {
			continue // stored score is already authoritative
		}
		needsDraft := c.msg.NeedsDraftResponse
		if err := e.store.SetPriority(ctx, c.msg.ID, c.score, c.tier, needsDraft); err != nil {
			log.Warn("priority write-back failed", logx.String("message", c.msg.ID), logx.Err(err))
		}
	}

	return plan
}

// priorityScore returns the 0..100 composite score and whether a stored
// score was reused. Stored scores on a 0..1 scale are converted, never
// recomputed.
func priorityScore(m storage.Message, cc ConvContext, now time.Time) (score float64, reused bool) {
	if m.PriorityScore != nil {
		s := *m.PriorityScore
		if s <= 1.0 {
			s *= 100
		}
		return clampScore(s), true
	}

	var s float64
	switch {
	case ai.IsBusinessLike(m.Category):
		s += 50
	case m.Category == ai.CategoryUrgent:
		s += 40
	}
	if m.CrisisDetected {
		s += 100
	}
	if m.OpportunityScore != nil && *m.OpportunityScore > 80 {
		s += 50
	}
	if cc.IsVIP {
		s += 30
	}
	if cc.MessageCount > 10 {
		s += 30
	}
	if !cc.LastInteractionAt.IsZero() && now.Sub(cc.LastInteractionAt) < 7*24*time.Hour {
		s += 15
	}
	return clampScore(s), false
}

func tierFor(score float64) string {
	switch {
	case score >= highTierFloor:
		return TierHigh
	case score >= mediumTierFloor:
		return TierMedium
	default:
		return TierLow
	}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func preview(text string) string {
	const max = 120
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

// persistDigest writes the per-day digest document. This is a required
// stage: a run whose digest cannot be stored is failed.
func (e *Engine) persistDigest(ctx context.Context, rc *runContext, plan digestPlan) error {
	now := e.now()
	counters, _, _ := rc.snapshot()

	d := storage.Digest{
		AccountID:        rc.account.ID,
		DateKey:          now.In(accountLocation(rc.account)).Format("2006-01-02"),
		High:             plan.high,
		Medium:           plan.medium,
		FAQCount:         counters.FAQAutoSent,
		ArchivedCount:    counters.Archived,
		Total:            counters.Fetched,
		CapacityUsed:     len(plan.high) + len(plan.medium),
		EstimatedMinutes: plan.estimatedMinutes,
		CreatedAt:        now,
	}
	if err := e.store.UpsertDigest(ctx, d); err != nil {
		return fmt.Errorf("persist digest: %w", err)
	}
	return nil
}
