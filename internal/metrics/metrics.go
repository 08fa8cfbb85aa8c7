// Package metrics aggregates job outcomes into queryable rollups and
// Prometheus collectors. The collector feeds off the event bus so the
// worker loop never blocks on metrics bookkeeping.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botherd/internal/eventbus"
	"botherd/pkg/logx"
)

// Outcome labels for samples and the jobs_total counter.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sample is one observed job outcome. Samples are best-effort and
// in-memory only; durable job history lives in the state store.
type Sample struct {
	BotType   string        `json:"bot_type"`
	Outcome   string        `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Rollup is the aggregate view over samples inside a time window.
type Rollup struct {
	BotType      string        `json:"bot_type,omitempty"`
	Window       time.Duration `json:"window"`
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration"`
}

// Config tunes the in-memory sample ring.
type Config struct {
	// RingSize bounds how many samples are retained. Older samples are
	// overwritten once the ring wraps.
	RingSize int
}

func (c *Config) withDefaults() {
	if c.RingSize <= 0 {
		c.RingSize = 4096
	}
}

// Collector retains a bounded ring of samples and mirrors them into
// Prometheus collectors on a private registry.
type Collector struct {
	log logx.Logger
	bus eventbus.Bus
	reg *prometheus.Registry

	jobsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	queuePending       prometheus.Gauge
	workerStallsTotal  prometheus.Counter

	mu    sync.Mutex
	ring  []Sample
	next  int
	count int
}

func New(bus eventbus.Bus, log logx.Logger, cfg Config) *Collector {
	cfg.withDefaults()
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		log:  log.With(logx.String("component", "metrics")),
		bus:  bus,
		reg:  reg,
		ring: make([]Sample, cfg.RingSize),

		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botherd_jobs_total",
			Help: "Jobs finished, labeled by bot type and outcome.",
		}, []string{"bot_type", "outcome"}),

		jobDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botherd_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"bot_type"}),

		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botherd_queue_pending",
			Help: "Jobs currently waiting in the queue.",
		}),

		workerStallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "botherd_worker_stalls_total",
			Help: "Stalled-worker detections by the health monitor.",
		}),
	}
	return c
}

// Handler serves the collector's private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Record appends one sample and updates the Prometheus collectors.
func (c *Collector) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	c.jobsTotal.WithLabelValues(s.BotType, s.Outcome).Inc()
	if s.Duration > 0 {
		c.jobDurationSeconds.WithLabelValues(s.BotType).Observe(s.Duration.Seconds())
	}

	c.mu.Lock()
	c.ring[c.next] = s
	c.next = (c.next + 1) % len(c.ring)
	if c.count < len(c.ring) {
		c.count++
	}
	c.mu.Unlock()
}

// SetQueueDepth updates the pending-jobs gauge.
func (c *Collector) SetQueueDepth(pending int) {
	c.queuePending.Set(float64(pending))
}

// Rollup aggregates retained samples no older than window. An empty
// botType aggregates across all bot types.
func (c *Collector) Rollup(botType string, window time.Duration) Rollup {
	cutoff := time.Now().Add(-window)
	r := Rollup{BotType: botType, Window: window}

	var totalDur time.Duration
	c.mu.Lock()
	for i := 0; i < c.count; i++ {
		s := c.ring[i]
		if s.Timestamp.Before(cutoff) {
			continue
		}
		if botType != "" && s.BotType != botType {
			continue
		}
		r.Total++
		totalDur += s.Duration
		switch s.Outcome {
		case OutcomeSuccess:
			r.Succeeded++
		case OutcomeFailure:
			r.Failed++
		}
	}
	c.mu.Unlock()

	if r.Total > 0 {
		r.SuccessRate = float64(r.Succeeded) / float64(r.Total)
		r.MeanDuration = totalDur / time.Duration(r.Total)
	}
	return r
}

// Run consumes job lifecycle events until ctx ends. Meant to be spawned
// under the supervisor.
func (c *Collector) Run(ctx context.Context) error {
	events, unsubscribe := c.bus.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			c.consume(e)
		}
	}
}

func (c *Collector) consume(e eventbus.Event) {
	data, ok := e.Data.(eventbus.JobData)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.EventJobSucceeded:
		c.Record(Sample{BotType: data.BotType, Outcome: OutcomeSuccess, Duration: data.Duration, Timestamp: e.Time})
	case eventbus.EventJobFailed:
		c.Record(Sample{BotType: data.BotType, Outcome: OutcomeFailure, Duration: data.Duration, Timestamp: e.Time})
	case eventbus.EventWorkerStall:
		c.workerStallsTotal.Inc()
	}
}
