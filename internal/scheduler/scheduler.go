package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"yipyap/internal/storage"
	"yipyap/internal/workflow"
	"yipyap/pkg/logx"
)

// Config controls the periodic sweep.
type Config struct {
	Enabled bool
	Spec    string // cron spec, default "* * * * *"

	// Tolerance around each account's local digest time; a sweep tick
	// starts the account's run when |local now - digest time| <= Tolerance.
	Tolerance time.Duration // default 15m

	// MaxConcurrentRuns bounds simultaneous sweep-started runs. Manual
	// triggers are not counted.
	MaxConcurrentRuns int // default 4
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = "* * * * *"
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 15 * time.Minute
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 4
	}
	return c
}

// Runner is the orchestrator surface the sweep drives. *workflow.Engine
// implements it.
type Runner interface {
	Run(ctx context.Context, accountID string, opts workflow.RunOptions) (workflow.Summary, error)
}

// Service sweeps enrolled accounts on a cron schedule and starts a run for
// each account whose local wall-clock time is inside the tolerance window
// of its configured digest time. At most one run per account per digest
// occurrence; an account whose previous run is still in flight is skipped,
// nothing is queued.
type Service struct {
	cfg    Config
	store  storage.Store
	runner Runner
	log    logx.Logger
	now    func() time.Time

	c  *cron.Cron
	mu sync.Mutex

	// accountID -> in-flight marker, and accountID -> last sweep-run
	// occurrence key for dedup.
	inFlight map[string]bool
	lastRun  map[string]string

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, store storage.Store, runner Runner, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		log:      log,
		now:      time.Now,
		inFlight: map[string]bool{},
		lastRun:  map[string]string{},
		sem:      make(chan struct{}, cfg.MaxConcurrentRuns),
	}
}

// Start registers the cron entry. No-op when the sweep is disabled.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		s.log.Info("sweep disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})

	s.c = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.c.AddFunc(s.cfg.Spec, s.sweep); err != nil {
		s.stopCh = nil
		return err
	}
	s.c.Start()
	s.log.Info("sweep started", logx.String("spec", s.cfg.Spec))
	return nil
}

// Stop halts the cron schedule and waits for in-flight runs.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
}

// TriggerNow runs one account synchronously, outside the periodic schedule.
// It does not consume a sweep concurrency slot but still respects the
// per-account overlap guard.
func (s *Service) TriggerNow(ctx context.Context, accountID string, bypassGuard bool) (workflow.Summary, error) {
	if !s.begin(accountID) {
		return workflow.Summary{}, ErrRunInFlight
	}
	defer s.end(accountID)
	return s.runner.Run(ctx, accountID, workflow.RunOptions{BypassActivityGuard: bypassGuard})
}

// ErrRunInFlight is returned when a manual trigger races an active run for
// the same account.
var ErrRunInFlight = errors.New("a run for this account is already in flight")

func (s *Service) sweep() {
	ctx := context.Background()
	now := s.now()

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.log.Error("sweep: list accounts failed", logx.Err(err))
		return
	}

	for _, a := range accounts {
		a := a
		due, occKey := s.due(a, now)
		if !due {
			continue
		}
		if !s.claim(a.ID, occKey) {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.end(a.ID)

			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-s.stopped():
				s.forget(a.ID, occKey)
				return
			}

			if _, err := s.runner.Run(ctx, a.ID, workflow.RunOptions{}); err != nil {
				s.log.Warn("sweep run failed", logx.String("account", a.ID), logx.Err(err))
			}
		}()
	}
}

// due reports whether the account's local time is within tolerance of its
// digest time and hands back the dedup key of the occurrence being
// satisfied. The key is the occurrence's date, not the tick's: a digest
// time near midnight would otherwise run twice, once just before the date
// rolls over and once just after.
func (s *Service) due(a storage.Account, now time.Time) (bool, string) {
	target, err := parseClock(a.DigestTime)
	if err != nil {
		return false, ""
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	// Nearest occurrence among yesterday's, today's and tomorrow's.
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	var occ time.Time
	var nearest time.Duration
	for _, day := range [...]time.Time{midnight.AddDate(0, 0, -1), midnight, midnight.AddDate(0, 0, 1)} {
		cand := day.Add(time.Duration(target) * time.Minute)
		diff := local.Sub(cand)
		if diff < 0 {
			diff = -diff
		}
		if occ.IsZero() || diff < nearest {
			occ, nearest = cand, diff
		}
	}
	if nearest > s.cfg.Tolerance {
		return false, ""
	}
	return true, occ.Format("2006-01-02")
}

// claim marks the account in flight for this occurrence. Returns false
// when a run is already active or this occurrence already ran.
func (s *Service) claim(accountID, occKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[accountID] || s.lastRun[accountID] == occKey {
		return false
	}
	s.inFlight[accountID] = true
	s.lastRun[accountID] = occKey
	return true
}

// begin marks a manual run in flight without touching the sweep dedup.
func (s *Service) begin(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[accountID] {
		return false
	}
	s.inFlight[accountID] = true
	return true
}

func (s *Service) end(accountID string) {
	s.mu.Lock()
	delete(s.inFlight, accountID)
	s.mu.Unlock()
}

// forget releases a sweep claim that never ran (shutdown race).
func (s *Service) forget(accountID, occKey string) {
	s.mu.Lock()
	if s.lastRun[accountID] == occKey {
		delete(s.lastRun, accountID)
	}
	s.mu.Unlock()
}

func (s *Service) stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.stopCh
}
