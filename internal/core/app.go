package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"yipyap/internal/ai"
	"yipyap/internal/config"
	"yipyap/internal/eventbus"
	"yipyap/internal/notify"
	"yipyap/internal/scheduler"
	"yipyap/internal/storage"
	"yipyap/internal/workflow"
	"yipyap/pkg/logx"
)

// App wires configuration, storage, the capability client, the workflow
// engine, the sweep scheduler, the notifier and the admin surface together.
type App struct {
	cfgPath string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	engine *workflow.Engine
	sched  *scheduler.Service
	notif  *notify.Service
	admin  *adminServer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	requestTimeout, err := config.ParseDurationOrDefault("openai.request_timeout", cfg.OpenAI.RequestTimeout, 30*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	apiKey := cfg.OpenAI.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	client := ai.NewClient(ai.Config{
		APIKey:         apiKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		Model:          cfg.OpenAI.Model,
		RequestTimeout: requestTimeout,
		RatePerSec:     cfg.OpenAI.RatePerSec,
		Burst:          cfg.OpenAI.Burst,
	}, log.With(logx.String("comp", "ai")))

	notif, err := buildNotifier(cfg.Notify, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	opts, err := workflowOptions(cfg.Workflow)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	var dispatcher workflow.Dispatcher
	if notif != nil {
		dispatcher = notif
	}
	engine := workflow.New(store, client, client, client, client, dispatcher, bus,
		log.With(logx.String("comp", "workflow")), opts)

	tolerance, err := config.ParseDurationOrDefault("sweep.tolerance", cfg.Sweep.Tolerance, 15*time.Minute)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Enabled:           cfg.Sweep.Enabled,
		Spec:              cfg.Sweep.Spec,
		Tolerance:         tolerance,
		MaxConcurrentRuns: cfg.Sweep.MaxConcurrentRuns,
	}, store, engine, log.With(logx.String("comp", "sweep")))

	app := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		engine:  engine,
		sched:   sched,
		notif:   notif,
	}
	app.admin = newAdminServer(log, sched)
	return app, nil
}

// Start brings up the sweep, the admin server, the config watcher and the
// event log tail. Blocks only for the initial bring-up.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.sched.Start(); err != nil {
		cancel()
		return fmt.Errorf("start sweep: %w", err)
	}
	a.admin.Apply(runCtx, a.cfgm.Get().Admin)

	if err := a.cfgm.Watch(runCtx); err != nil {
		a.log.Warn("config watch unavailable", logx.Err(err))
	} else {
		updates := a.cfgm.Subscribe(1)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.cfgm.Unsubscribe(updates)
			for {
				select {
				case <-runCtx.Done():
					return
				case cfg, ok := <-updates:
					if !ok {
						return
					}
					a.applyConfig(runCtx, cfg)
				}
			}
		}()
	}

	events, unsub := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	}()

	a.started = true
	a.log.Info("started")
	return nil
}

// applyConfig hot-applies the reloadable subset: logging and the admin
// surface. Storage, workflow defaults and the sweep schedule require a
// restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.admin.Apply(ctx, cfg.Admin)
	a.log.Info("configuration reloaded")
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	a.started = false

	a.admin.Stop(ctx)
	a.sched.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.notif != nil {
		a.notif.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
}

func buildNotifier(cfg config.NotifyConfig, log logx.Logger) (*notify.Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var pushers []notify.Pusher
	if cfg.Telegram.Enabled {
		token := cfg.Telegram.Token
		if token == "" {
			token = os.Getenv("TELEGRAM_BOT_TOKEN")
		}
		p, err := notify.NewTelegramPusher(token)
		if err != nil {
			return nil, fmt.Errorf("telegram pusher: %w", err)
		}
		pushers = append(pushers, p)
	}
	if len(pushers) == 0 {
		log.Warn("notify enabled with no delivery channels configured")
	}

	retryBase, err := config.ParseDurationOrDefault("notify.retry_base", cfg.RetryBase, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", cfg.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return nil, err
	}

	return notify.NewService(notify.Config{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		RatePerSec:    cfg.RatePerSec,
		RetryMax:      cfg.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, log.With(logx.String("comp", "notify")), pushers...), nil
}

func workflowOptions(cfg config.WorkflowConfig) (workflow.Options, error) {
	var opts workflow.Options
	var err error

	if opts.TotalBudget, err = config.ParseDurationOrDefault("workflow.total_budget", cfg.TotalBudget, 0); err != nil {
		return opts, err
	}
	if opts.ActivityThreshold, err = config.ParseDurationOrDefault("workflow.activity_threshold", cfg.ActivityThreshold, 0); err != nil {
		return opts, err
	}
	if opts.Lookback, err = config.ParseDurationOrDefault("workflow.lookback_window", cfg.LookbackWindow, 0); err != nil {
		return opts, err
	}
	if opts.RecentActivity, err = config.ParseDurationOrDefault("workflow.recent_activity", cfg.RecentActivity, 0); err != nil {
		return opts, err
	}
	if opts.Retry.Base, err = config.ParseDurationOrDefault("workflow.retry_base", cfg.RetryBase, 0); err != nil {
		return opts, err
	}
	if opts.Retry.MaxDelay, err = config.ParseDurationOrDefault("workflow.retry_max_delay", cfg.RetryMaxDelay, 0); err != nil {
		return opts, err
	}
	if opts.BoundaryRateLimit, err = config.ParseDurationOrDefault("workflow.boundary_rate_limit", cfg.BoundaryRateLimit, 0); err != nil {
		return opts, err
	}
	if opts.UndoTTL, err = config.ParseDurationOrDefault("workflow.undo_ttl", cfg.UndoTTL, 0); err != nil {
		return opts, err
	}

	if cfg.CrisisSeverity != nil {
		opts.CrisisSeverity = *cfg.CrisisSeverity
	}
	opts.BatchSize = cfg.BatchSize
	opts.AutoResponseCap = cfg.AutoResponseCap
	opts.DigestCapacity = cfg.DigestCapacity
	opts.Retry.Max = cfg.RetryMax
	opts.BoundaryTemplate = strings.TrimSpace(cfg.BoundaryTemplate)
	return opts, nil
}
