package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"yipyap/internal/ai"
	"yipyap/internal/eventbus"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// Engine is the workflow orchestrator. One Engine serves all accounts;
// Run() executes a single account sweep.
//
// All collaborators are injected; there is no ambient store or client
// handle anywhere in the pipeline.
type Engine struct {
	store    storage.Store
	classify ai.Classifier
	scorer   ai.OpportunityScorer
	faq      ai.FAQMatcher
	drafter  ai.Drafter
	notifier Dispatcher
	bus      eventbus.Bus
	log      logx.Logger
	opts     Options

	// now is swappable for tests.
	now func() time.Time
}

func New(store storage.Store, classify ai.Classifier, scorer ai.OpportunityScorer, faq ai.FAQMatcher, drafter ai.Drafter, notifier Dispatcher, bus eventbus.Bus, log logx.Logger, opts Options) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:    store,
		classify: classify,
		scorer:   scorer,
		faq:      faq,
		drafter:  drafter,
		notifier: notifier,
		bus:      bus,
		log:      log,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Run executes one full sweep for the account.
//
// Stages run strictly in sequence; the time budget is checked between
// stages only, so a stage that is already executing always completes.
// Soft failures inside stages are logged and counted; hard failures mark
// the execution record failed and propagate to the trigger layer, which
// owns its own retry policy.
func (e *Engine) Run(ctx context.Context, accountID string, ropts RunOptions) (Summary, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Summary{}, fmt.Errorf("load account: %w", err)
	}

	start := e.now()
	log := e.log.With(logx.String("account", accountID))

	// Activity guard: never interleave automated replies with a live
	// conversation. Writes a terminal skipped record and returns.
	if !ropts.BypassActivityGuard && e.engaged(account, start) {
		rec := storage.Execution{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Status:    storage.StatusSkipped,
			StartedAt: start,
			EndedAt:   start,
			Error:     ErrAccountEngaged.Error(),
		}
		if err := e.store.CreateExecution(ctx, rec); err != nil {
			return Summary{}, fmt.Errorf("create skipped execution: %w", err)
		}
		e.publish(eventbus.RunSkipped, rec.ID, accountID)
		log.Info("run skipped: account engaged", logx.Time("last_active", account.LastActiveAt))
		return Summary{ExecutionID: rec.ID, Status: storage.StatusSkipped}, nil
	}

	rec := storage.Execution{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    storage.StatusRunning,
		StartedAt: start,
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return Summary{}, fmt.Errorf("create execution: %w", err)
	}
	e.publish(eventbus.RunStarted, rec.ID, accountID)
	log.Info("run started", logx.String("execution", rec.ID))

	rc := newRunContext(account, e.opts, start)

	runErr := e.runStages(ctx, rc, log)

	rec.EndedAt = e.now()
	rec.Counters, rec.Costs, rec.Steps = rc.snapshot()
	if runErr != nil {
		rec.Status = storage.StatusFailed
		rec.Error = runErr.Error()
	} else {
		rec.Status = storage.StatusCompleted
	}
	if err := e.store.FinishExecution(ctx, rec); err != nil {
		log.Error("finish execution failed", logx.String("execution", rec.ID), logx.Err(err))
	}

	summary := Summary{
		Success:     runErr == nil,
		ExecutionID: rec.ID,
		Status:      rec.Status,
		Counters:    rec.Counters,
		Costs:       rec.Costs,
		Steps:       rec.Steps,
		Duration:    rec.EndedAt.Sub(rec.StartedAt),
	}

	if runErr != nil {
		e.publish(eventbus.RunFailed, rec.ID, accountID)
		log.Warn("run failed", logx.String("execution", rec.ID), logx.Err(runErr), logx.Duration("dur", summary.Duration))
		return summary, runErr
	}
	e.publish(eventbus.RunCompleted, rec.ID, accountID)
	log.Info("run completed",
		logx.String("execution", rec.ID),
		logx.Duration("dur", summary.Duration),
		logx.Int("fetched", rec.Counters.Fetched),
		logx.Int("faq_auto", rec.Counters.FAQAutoSent),
		logx.Int("archived", rec.Counters.Archived),
	)
	return summary, nil
}

// runStages sequences the pipeline. Any returned error is a hard failure.
func (e *Engine) runStages(ctx context.Context, rc *runContext, log logx.Logger) error {
	var cands []candidate

	err := e.stage(rc, StepFetch, true, log, func() error {
		var err error
		cands, err = e.intake(ctx, rc)
		return err
	})
	if err != nil {
		return err
	}

	err = e.stage(rc, StepClassify, rc.account.ClassifyEnabled, log, func() error {
		e.classifyStage(ctx, rc, cands, log)
		return nil
	})
	if err != nil {
		return err
	}

	err = e.stage(rc, StepFAQ, rc.account.FAQEnabled, log, func() error {
		e.faqStage(ctx, rc, cands, log)
		return nil
	})
	if err != nil {
		return err
	}

	var plan digestPlan
	err = e.stage(rc, StepScore, true, log, func() error {
		plan = e.scoreStage(ctx, rc, cands, log)
		return nil
	})
	if err != nil {
		return err
	}

	err = e.stage(rc, StepDraft, rc.account.DraftEnabled, log, func() error {
		e.draftStage(ctx, rc, plan.selected, log)
		return nil
	})
	if err != nil {
		return err
	}

	err = e.stage(rc, StepArchive, true, log, func() error {
		e.archiveStage(ctx, rc, plan.beyond, log)
		return nil
	})
	if err != nil {
		return err
	}

	err = e.stage(rc, StepDigest, true, log, func() error {
		return e.persistDigest(ctx, rc, plan)
	})
	if err != nil {
		return err
	}

	err = e.stage(rc, StepNotify, true, log, func() error {
		e.notifyStage(ctx, rc, plan, log)
		return nil
	})
	if err != nil {
		return err
	}

	return nil
}

// stage runs one step with budget check, timing, warning threshold and the
// step audit log. A disabled stage records a skipped step and returns nil.
func (e *Engine) stage(rc *runContext, step Step, enabled bool, log logx.Logger, fn func() error) error {
	started := e.now()

	// The budget is advisory and cooperative: it only prevents the next
	// stage from starting, it never interrupts a running one.
	if elapsed := started.Sub(rc.startedAt); elapsed > rc.opts.TotalBudget {
		return fmt.Errorf("%w after %s before step %s", ErrBudgetExceeded, elapsed.Round(time.Millisecond), step)
	}

	if !enabled {
		rc.logStep(storage.StepLog{Step: step.String(), StartedAt: started, Skipped: true})
		log.Debug("stage skipped (disabled)", logx.String("step", step.String()))
		return nil
	}

	err := fn()
	dur := e.now().Sub(started)

	sl := storage.StepLog{Step: step.String(), StartedAt: started, Duration: dur}
	if err != nil {
		sl.Error = err.Error()
	}
	if th := step.warnThreshold(); th > 0 && dur > th {
		sl.Warning = true
		log.Warn("stage exceeded warning threshold",
			logx.String("step", step.String()), logx.Duration("dur", dur), logx.Duration("threshold", th))
	}
	rc.logStep(sl)

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.StageFinished, Data: map[string]any{
			"step": step.String(), "duration": dur, "error": sl.Error,
		}})
	}
	if err != nil {
		return fmt.Errorf("step %s: %w", step, err)
	}
	log.Debug("stage finished", logx.String("step", step.String()), logx.Duration("dur", dur))
	return nil
}

func (e *Engine) engaged(a storage.Account, now time.Time) bool {
	if a.Online {
		return true
	}
	return !a.LastActiveAt.IsZero() && now.Sub(a.LastActiveAt) < e.opts.ActivityThreshold
}

func (e *Engine) publish(typ, execID, accountID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"execution": execID, "account": accountID,
	}})
}
