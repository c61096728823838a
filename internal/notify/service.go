package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"yipyap/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrClosed    = errors.New("notify service closed")
)

// Pusher delivers a notification over one channel (e.g. "telegram").
type Pusher interface {
	Channel() string
	Push(ctx context.Context, n Notification) error
}

// Config configures the async delivery service.
type Config struct {
	Workers    int // default 2
	QueueSize  int // default 256
	RatePerSec int // default 10

	RetryMax      int           // attempts per notification, default 2
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s

	// PushTimeout bounds a single delivery attempt.
	PushTimeout time.Duration // default 15s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 15 * time.Second
	}
	return c
}

// Service is the asynchronous notification dispatcher. Enqueue never blocks
// the caller: a full queue drops the notification with an error the caller
// may log. Workers rate-limit and retry deliveries; a notification that
// exhausts its retries is logged and dropped, never bubbled to the run.
type Service struct {
	cfg     Config
	pushers map[string]Pusher
	limiter *rate.Limiter
	log     logx.Logger

	queue chan Notification

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, log logx.Logger, pushers ...Pusher) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	byChannel := make(map[string]Pusher, len(pushers))
	for _, p := range pushers {
		byChannel[p.Channel()] = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg,
		pushers: byChannel,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
		queue:   make(chan Notification, cfg.QueueSize),
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return s
}

// Enqueue submits a notification for async delivery. The send happens
// under the same lock Close takes before closing the queue, so a racing
// Close can never turn the send into a panic.
func (s *Service) Enqueue(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the workers. Queued notifications still in flight are drained
// until the grace period runs out.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.cancel()
		<-done
	}
	s.cancel()
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for n := range s.queue {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.deliver(ctx, n)
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	log := s.log.With(
		logx.String("account", n.AccountID),
		logx.String("channel", n.Endpoint.Channel),
	)

	p, ok := s.pushers[n.Endpoint.Channel]
	if !ok {
		log.Warn("no pusher registered for channel")
		return
	}

	var err error
	for attempt := 1; attempt <= s.cfg.RetryMax; attempt++ {
		err = s.push(ctx, p, n)
		if err == nil {
			log.Debug("notification delivered")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= s.cfg.RetryMax {
			break
		}
		delay := s.cfg.RetryBase << (attempt - 1)
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	// Partial failure: log and drop; the run already completed.
	log.Warn("notification delivery failed", logx.Err(err))
}

func (s *Service) push(ctx context.Context, p Pusher, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pusher panic: %v", r)
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()
	return p.Push(pctx, n)
}
