package workflow

import (
	"context"
	"fmt"
	"strconv"

	"yipyap/internal/notify"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// notifyStage fans the digest summary out to the account's registered
// endpoints. Notification preferences and quiet hours are respected here,
// before anything is enqueued. Delivery itself is async and best-effort;
// nothing in this stage can fail the run.
func (e *Engine) notifyStage(ctx context.Context, rc *runContext, plan digestPlan, log logx.Logger) {
	if e.notifier == nil || !rc.account.NotifyEnabled {
		return
	}
	if inQuietHours(rc.account, e.now()) {
		log.Debug("digest notification suppressed by quiet hours")
		return
	}

	endpoints, err := e.store.Endpoints(ctx, rc.account.ID)
	if err != nil {
		log.Warn("endpoint lookup failed", logx.Err(err))
		return
	}
	if len(endpoints) == 0 {
		return
	}

	counters, _, _ := rc.snapshot()
	title := "Your inbox digest is ready"
	body := fmt.Sprintf(
		"%d to review (%d high, %d medium), ~%d min.\nAuto-answered %d FAQs, archived %d.",
		len(plan.high)+len(plan.medium), len(plan.high), len(plan.medium),
		plan.estimatedMinutes, counters.FAQAutoSent, counters.Archived,
	)
	payload := map[string]string{
		"account_id": rc.account.ID,
		"date_key":   e.now().In(accountLocation(rc.account)).Format("2006-01-02"),
		"high":       strconv.Itoa(len(plan.high)),
		"medium":     strconv.Itoa(len(plan.medium)),
	}

	for _, ep := range endpoints {
		err := e.notifier.Enqueue(notify.Notification{
			AccountID: rc.account.ID,
			Endpoint:  ep,
			Title:     title,
			Body:      body,
			Payload:   payload,
		})
		if err != nil {
			log.Warn("digest notification dropped",
				logx.String("channel", ep.Channel), logx.Err(err))
			continue
		}
		rc.bump(func(c *storage.Counters) { c.Notified++ })
	}
}
