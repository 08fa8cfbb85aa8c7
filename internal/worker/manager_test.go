package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"botherd/internal/eventbus"
	"botherd/internal/queue"
	"botherd/internal/ratelimit"
	"botherd/internal/state"
	logx "botherd/pkg/logx"
)

type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAlerter) Alert(severity, message string) {
	f.mu.Lock()
	f.calls = append(f.calls, severity+": "+message)
	f.mu.Unlock()
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store   *state.Store
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	bus     eventbus.Bus
	alerter *fakeAlerter
}

func newFixture(t *testing.T, rlCfg ratelimit.Config) *fixture {
	t.Helper()
	st, err := state.Open(state.Config{Path: filepath.Join(t.TempDir(), "w.db")}, logx.Logger{})
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := eventbus.New()
	return &fixture{
		store:   st,
		queue:   queue.New(st, bus, logx.Logger{}, queue.Options{}),
		limiter: ratelimit.New(st, logx.Logger{}, rlCfg),
		bus:     bus,
		alerter: &fakeAlerter{},
	}
}

func (f *fixture) manager(t *testing.T, runner Runner, cfg Config) *Manager {
	t.Helper()
	return New(f.store, f.queue, f.limiter, f.bus, f.alerter, runner, logx.Logger{}, cfg)
}

// claim enqueues one job and claims it, mirroring what the loop does before execute.
func (f *fixture) claim(t *testing.T, botType string, maxAttempts int) *state.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{BotType: botType, MaxAttempts: maxAttempts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := f.queue.DequeueNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("DequeueNext = (%v, %v)", j, err)
	}
	return j
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{})
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		return Result{Summary: []byte(`{"ok":true}`), LeadsFound: 7, LeadsSaved: 4}, nil
	})
	m := f.manager(t, runner, Config{})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	j := f.claim(t, "alpha", 3)
	m.execute(context.Background(), "w1", logx.Logger{}, j)

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != state.JobSucceeded || string(got.Result) != `{"ok":true}` {
		t.Fatalf("after success: %+v", got)
	}

	day := state.DayKey(time.Now())
	saved, err := f.store.Counter(context.Background(), day, "alpha", "leads_saved")
	if err != nil || saved != 4 {
		t.Fatalf("leads_saved = (%d, %v), want 4", saved, err)
	}

	types := drainEventTypes(events)
	if !types[eventbus.EventJobStarted] || !types[eventbus.EventJobSucceeded] {
		t.Fatalf("bus events = %v, want started+succeeded", types)
	}
	if f.alerter.count() != 0 {
		t.Fatalf("success alerted: %v", f.alerter.calls)
	}
}

func TestExecutePermanentFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{})
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		return Result{}, Permanent(errors.New("unworkable input"))
	})
	m := f.manager(t, runner, Config{})

	j := f.claim(t, "alpha", 3)
	m.execute(context.Background(), "w1", logx.Logger{}, j)

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != state.JobFailed {
		t.Fatalf("state = %s, want failed (no retry for permanent)", got.State)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attempt_count = %d, permanent failure should not burn attempts", got.AttemptCount)
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.alerter.count())
	}
}

func TestExecuteTransientRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{})
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		return Result{}, errors.New("connection reset")
	})
	m := f.manager(t, runner, Config{})

	j := f.claim(t, "alpha", 3)
	m.execute(context.Background(), "w1", logx.Logger{}, j)

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != state.JobPending || got.AttemptCount != 1 {
		t.Fatalf("after transient failure: state=%s attempts=%d, want pending/1", got.State, got.AttemptCount)
	}
	if got.LastError != "connection reset" {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{})
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	m := f.manager(t, runner, Config{DefaultTimeout: 30 * time.Millisecond})

	j := f.claim(t, "alpha", 3)
	m.execute(context.Background(), "w1", logx.Logger{}, j)

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != state.JobPending || got.AttemptCount != 1 {
		t.Fatalf("after timeout: state=%s attempts=%d, want pending/1", got.State, got.AttemptCount)
	}
}

func TestExecuteAttemptsExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{})
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		return Result{}, errors.New("flaky")
	})
	m := f.manager(t, runner, Config{})

	j := f.claim(t, "alpha", 1)
	m.execute(context.Background(), "w1", logx.Logger{}, j)

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != state.JobFailed {
		t.Fatalf("state = %s, want failed after exhausting attempts", got.State)
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts = %d, want escalation", f.alerter.count())
	}
}

func TestRunLoopEndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{})
	done := make(chan string, 1)
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		done <- botType
		return Result{LeadsSaved: 1}, nil
	})
	m := f.manager(t, runner, Config{IdlePoll: 10 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond})

	if _, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{BotType: "alpha"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- m.RunLoop("w1")(ctx) }()

	select {
	case bt := <-done:
		if bt != "alpha" {
			t.Errorf("runner got bot_type %q", bt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner never invoked")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		jobs, err := f.queue.List(context.Background(), state.JobFilter{States: []state.JobState{state.JobSucceeded}})
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached succeeded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit on cancel")
	}

	// Clean exit removes the heartbeat.
	if _, err := f.store.GetHeartbeat(context.Background(), "w1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("heartbeat after exit: %v", err)
	}
}

func TestRunLoopRateLimitDenial(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{
		Budgets: map[string]ratelimit.Budget{"alpha": {Limit: 1, Window: time.Hour}},
	})
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		return Result{}, fmt.Errorf("should not run")
	})
	m := f.manager(t, runner, Config{
		IdlePoll:       10 * time.Millisecond,
		RateLimitDelay: 50 * time.Millisecond,
	})

	// Exhaust the budget before the loop sees the job.
	if ok, err := f.limiter.Admit(context.Background(), "alpha"); err != nil || !ok {
		t.Fatalf("priming admit = (%v, %v)", ok, err)
	}
	j, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{BotType: "alpha"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = m.RunLoop("w1")(ctx)

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attempt_count = %d, rate-limit denial must not count", got.AttemptCount)
	}
	if got.State != state.JobPending {
		t.Fatalf("state = %s, want pending", got.State)
	}
	if got.RunAfter.IsZero() {
		t.Fatal("expected a hold-off on the requeued job")
	}
}

func TestPauseStopsClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.Config{})
	ran := make(chan struct{}, 1)
	runner := RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
		ran <- struct{}{}
		return Result{}, nil
	})
	m := f.manager(t, runner, Config{IdlePoll: 10 * time.Millisecond})
	m.Pause()

	if _, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{BotType: "alpha"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = m.RunLoop("w1")(ctx)

	select {
	case <-ran:
		t.Fatal("paused worker ran a job")
	default:
	}

	jobs, err := f.queue.List(context.Background(), state.JobFilter{States: []state.JobState{state.JobPending}})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("pending jobs = %d, want untouched 1", len(jobs))
	}
}

func TestPermanentClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")
	if !IsPermanent(Permanent(base)) {
		t.Fatal("Permanent not detected")
	}
	if !IsPermanent(fmt.Errorf("run alpha: %w", Permanent(base))) {
		t.Fatal("wrapped Permanent not detected")
	}
	if IsPermanent(base) {
		t.Fatal("plain error classified permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) != nil")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("Permanent broke the error chain")
	}
}

func drainEventTypes(ch <-chan eventbus.Event) map[string]bool {
	out := map[string]bool{}
	for {
		select {
		case e := <-ch:
			out[e.Type] = true
		default:
			return out
		}
	}
}
