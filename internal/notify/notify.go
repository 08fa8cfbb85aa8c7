// Package notify is the fire-and-forget alert sink. Alerts flow through
// a bounded queue into a small worker pool with rate limiting, dedup and
// retry. Delivery failures are logged and swallowed; alerting must never
// feed errors back into orchestration.
package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"botherd/internal/runtime/supervisor"
	"botherd/pkg/logx"
)

// Severity levels accepted by Alert. Unknown severities pass through
// unchanged; adapters may render them however they like.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Alert is one outbound message.
type Alert struct {
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Adapter delivers alerts to some external channel.
type Adapter interface {
	Send(ctx context.Context, a Alert) error
}

// Config controls the pipeline.
type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 1000
	}
}

// Service is the async pipeline. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter Adapter
	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan Alert
	sup       *supervisor.Supervisor
	enqueueWG sync.WaitGroup

	// dedup maps alert key to suppress-until.
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(adapter Adapter, log logx.Logger, cfg Config) *Service {
	cfg.withDefaults()
	return &Service{
		log:     log.With(logx.String("component", "notify")),
		adapter: adapter,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

// Start spins up the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("sender.%d", i), func(c context.Context) error {
			s.senderLoop(c, q)
			return nil
		})
	}
}

// Stop blocks intake and drains queued alerts until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()

	s.enqueueWG.Wait()
	close(q)
	if sup == nil {
		return
	}
	// Drain queued alerts until ctx expires, then force the senders down.
	if err := sup.Wait(ctx); err != nil {
		_ = sup.Stop(context.Background())
	}
}

// Alert enqueues without blocking. Duplicate alerts inside the dedup
// window and alerts that do not fit the queue are dropped.
func (s *Service) Alert(severity, message string) {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		s.log.Debug("alert while stopped", logx.String("severity", severity), logx.String("message", message))
		return
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	if window > 0 && !s.dedupAllow(alertKey(severity, message), window, maxEntries) {
		s.log.Debug("alert deduped", logx.String("severity", severity))
		return
	}

	select {
	case q <- Alert{Severity: severity, Message: message, At: time.Now()}:
	default:
		s.log.Warn("alert dropped, queue full", logx.String("severity", severity), logx.String("message", message))
	}
}

func (s *Service) senderLoop(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, a)
		}
	}
}

func (s *Service) deliver(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := ad.Send(callCtx, a)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		s.log.Debug("alert delivery failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))

		if attempt >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	// Swallowed on purpose.
	s.log.Warn("alert delivery abandoned",
		logx.Err(lastErr), logx.String("severity", a.Severity), logx.String("message", a.Message))
}

func alertKey(severity, message string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(severity))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(message))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether the alert passes the suppression window,
// opening a new window when it does.
func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, t := range s.dedup {
			if oldestKey == "" || t.Before(oldest) {
				oldestKey, oldest = k, t
			}
		}
		delete(s.dedup, oldestKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
