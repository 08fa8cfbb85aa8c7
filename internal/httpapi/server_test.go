package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"botherd/internal/eventbus"
	"botherd/internal/health"
	"botherd/internal/metrics"
	"botherd/internal/queue"
	"botherd/internal/ratelimit"
	"botherd/internal/schedule"
	"botherd/internal/state"
	"botherd/pkg/logx"
)

type fixture struct {
	store     *state.Store
	queue     *queue.Queue
	scheduler *schedule.Service
	collector *metrics.Collector
	server    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := state.Open(state.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Logger{})
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	q := queue.New(st, bus, logx.Logger{}, queue.Options{})
	limiter := ratelimit.New(st, logx.Logger{}, ratelimit.Config{})
	scheduler := schedule.New(st, q, logx.Logger{}, schedule.Config{
		Schedules: []schedule.Decl{
			{Name: "nightly", BotType: "alpha", Trigger: "interval:24h", Enabled: true},
		},
	})
	if err := scheduler.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	monitor := health.New(st, q, bus, nil, logx.Logger{}, health.Config{})
	collector := metrics.New(bus, logx.Logger{}, metrics.Config{})

	f := &fixture{store: st, queue: q, scheduler: scheduler, collector: collector}
	f.server = NewServer(q, scheduler, monitor, limiter, collector, logx.Logger{})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestEnqueueAndGetJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"bot_type": "alpha",
		"priority": "high",
		"payload":  map[string]string{"query": "x"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[state.Job](t, rec)
	if created.ID == "" || created.Priority != state.PriorityHigh || created.State != state.JobPending {
		t.Fatalf("created = %+v", created)
	}

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decodeBody[state.Job](t, rec); got.ID != created.ID {
		t.Fatalf("got = %+v", got)
	}

	if rec := f.do(t, http.MethodGet, "/v1/jobs/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rec.Code)
	}
}

func TestEnqueueDuplicateIsConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := map[string]any{"bot_type": "alpha"}
	if rec := f.do(t, http.MethodPost, "/v1/jobs", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first enqueue = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/jobs", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate enqueue = %d", rec.Code)
	}
	body["force"] = true
	if rec := f.do(t, http.MethodPost, "/v1/jobs", body); rec.Code != http.StatusAccepted {
		t.Fatalf("forced enqueue = %d", rec.Code)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing bot_type", map[string]any{"priority": "high"}},
		{"bad priority", map[string]any{"bot_type": "alpha", "priority": "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, "/v1/jobs", tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
		})
	}
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{BotType: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{BotType: "beta"}); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/v1/jobs?bot_type=alpha&state=pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[map[string][]state.Job](t, rec)
	if len(got["jobs"]) != 1 || got["jobs"][0].BotType != "alpha" {
		t.Fatalf("jobs = %+v", got["jobs"])
	}

	if rec := f.do(t, http.MethodGet, "/v1/jobs?state=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus state = %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{BotType: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if rec := f.do(t, http.MethodPost, "/v1/jobs/"+j.ID+"/cancel", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	// Already cancelled: not cancellable again.
	if rec := f.do(t, http.MethodPost, "/v1/jobs/"+j.ID+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("double cancel = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/jobs/nope/cancel", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing cancel = %d", rec.Code)
	}
}

func TestSchedulesEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/schedules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	got := decodeBody[map[string][]state.Schedule](t, rec)
	if len(got["schedules"]) != 1 || got["schedules"][0].ID != "nightly" {
		t.Fatalf("schedules = %+v", got["schedules"])
	}

	if rec := f.do(t, http.MethodPost, "/v1/schedules/nightly/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause = %d body=%s", rec.Code, rec.Body.String())
	}
	sc, err := f.store.GetSchedule(context.Background(), "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Enabled {
		t.Fatal("schedule still enabled after pause")
	}

	if rec := f.do(t, http.MethodPost, "/v1/schedules/nightly/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/schedules/nightly/run", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run = %d body=%s", rec.Code, rec.Body.String())
	}
	j := decodeBody[state.Job](t, rec)
	if j.BotType != "alpha" || j.ScheduleID != "nightly" {
		t.Fatalf("run job = %+v", j)
	}
	// Same bot_type already pending: conflict unless forced.
	if rec := f.do(t, http.MethodPost, "/v1/schedules/nightly/run", nil); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate run = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/schedules/nightly/run?force=true", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("forced run = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/v1/schedules/nope/run", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing schedule run = %d", rec.Code)
	}
}

func TestHealthAndRateLimitEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	snap := decodeBody[health.Status](t, rec)
	if snap.Jobs == nil {
		t.Fatalf("snapshot = %+v", snap)
	}

	if rec := f.do(t, http.MethodGet, "/v1/ratelimits", nil); rec.Code != http.StatusOK {
		t.Fatalf("ratelimits = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.collector.Record(metrics.Sample{BotType: "alpha", Outcome: metrics.OutcomeSuccess, Duration: 3 * time.Second})

	rec := f.do(t, http.MethodGet, "/v1/metrics/rollup?bot_type=alpha&window=1h", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollup = %d", rec.Code)
	}
	r := decodeBody[metrics.Rollup](t, rec)
	if r.Total != 1 || r.Succeeded != 1 {
		t.Fatalf("rollup = %+v", r)
	}

	if rec := f.do(t, http.MethodGet, "/v1/metrics/rollup?window=soon", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad window = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("exposition = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "botherd_jobs_total") {
		t.Fatal("exposition missing botherd_jobs_total")
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID not set")
	}
}
