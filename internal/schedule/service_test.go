package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"botherd/internal/eventbus"
	"botherd/internal/queue"
	"botherd/internal/state"
	logx "botherd/pkg/logx"
)

func newTestService(t *testing.T, decls ...Decl) (*Service, *queue.Queue, *state.Store) {
	t.Helper()
	st, err := state.Open(state.Config{Path: filepath.Join(t.TempDir(), "sched.db")}, logx.Logger{})
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st, eventbus.New(), logx.Logger{}, queue.Options{})
	svc := New(st, q, logx.Logger{}, Config{
		Enabled:   true,
		Location:  time.UTC,
		Schedules: decls,
	})
	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return svc, q, st
}

func pendingJobs(t *testing.T, q *queue.Queue) []*state.Job {
	t.Helper()
	jobs, err := q.List(context.Background(), state.JobFilter{States: []state.JobState{state.JobPending}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return jobs
}

func TestEvaluateFiresIntervalOnceDue(t *testing.T) {
	t.Parallel()
	svc, q, st := newTestService(t, Decl{
		Name: "crawl-a", BotType: "a", Trigger: "every:30m", Enabled: true,
	})
	ctx := context.Background()
	t0 := time.Now()

	// First evaluation pins the baseline; nothing is due yet.
	svc.Evaluate(ctx, t0)
	if jobs := pendingJobs(t, q); len(jobs) != 0 {
		t.Fatalf("fired at baseline: %d jobs", len(jobs))
	}

	svc.Evaluate(ctx, t0.Add(31*time.Minute))
	jobs := pendingJobs(t, q)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs after due tick, want 1", len(jobs))
	}
	if jobs[0].BotType != "a" || jobs[0].ScheduleID != "crawl-a" {
		t.Fatalf("fired job = %+v", jobs[0])
	}

	sc, err := st.GetSchedule(ctx, "crawl-a")
	if err != nil {
		t.Fatal(err)
	}
	if sc.LastFiredAt == nil {
		t.Fatal("last_fired_at not persisted")
	}
}

func TestDisabledSchedulerNeverFires(t *testing.T) {
	t.Parallel()
	decls := []Decl{
		{Name: "crawl-a", BotType: "a", Trigger: "every:30m", Enabled: true},
	}
	svc, q, _ := newTestService(t, decls...)
	ctx := context.Background()
	t0 := time.Now()

	if err := svc.Apply(ctx, Config{Location: time.UTC, Schedules: decls}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	svc.Evaluate(ctx, t0)
	svc.Evaluate(ctx, t0.Add(31*time.Minute))
	if jobs := pendingJobs(t, q); len(jobs) != 0 {
		t.Fatalf("disabled scheduler enqueued %d jobs", len(jobs))
	}

	// Re-enabling on reload resumes firing without a restart.
	if err := svc.Apply(ctx, Config{Enabled: true, Location: time.UTC, Schedules: decls}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	svc.Evaluate(ctx, t0.Add(32*time.Minute))
	svc.Evaluate(ctx, t0.Add(63*time.Minute))
	if jobs := pendingJobs(t, q); len(jobs) != 1 {
		t.Fatalf("got %d jobs after re-enable, want 1", len(jobs))
	}
}

func TestEvaluateDuplicateIsASkip(t *testing.T) {
	t.Parallel()
	svc, q, st := newTestService(t, Decl{
		Name: "crawl-a", BotType: "a", Trigger: "every:10m", Enabled: true,
	})
	ctx := context.Background()
	t0 := time.Now()

	svc.Evaluate(ctx, t0)
	svc.Evaluate(ctx, t0.Add(11*time.Minute))
	if jobs := pendingJobs(t, q); len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}

	// The first job is still pending, so the next firing dedups, but the
	// schedule still advances instead of retrying every tick.
	svc.Evaluate(ctx, t0.Add(22*time.Minute))
	if jobs := pendingJobs(t, q); len(jobs) != 1 {
		t.Fatalf("duplicate fire created a job: %d jobs", len(jobs))
	}
	sc, err := st.GetSchedule(ctx, "crawl-a")
	if err != nil {
		t.Fatal(err)
	}
	if sc.LastFiredAt == nil || sc.LastFiredAt.Before(t0.Add(21*time.Minute)) {
		t.Fatalf("last_fired_at = %v, want advanced past second firing", sc.LastFiredAt)
	}
}

func TestNoBackfillAfterRestart(t *testing.T) {
	t.Parallel()
	svc, q, st := newTestService(t, Decl{
		Name: "crawl-a", BotType: "a", Trigger: "every:30m", Enabled: true,
	})
	ctx := context.Background()

	// Simulate a fire long ago, before downtime.
	sc, err := st.GetSchedule(ctx, "crawl-a")
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-6 * time.Hour)
	sc.LastFiredAt = &old
	if err := st.UpdateSchedule(ctx, sc); err != nil {
		t.Fatal(err)
	}

	// Fresh service (new baseline): the missed firings are discarded.
	now := time.Now()
	svc.Evaluate(ctx, now)
	if jobs := pendingJobs(t, q); len(jobs) != 0 {
		t.Fatalf("backfilled %d jobs at startup", len(jobs))
	}

	// The next future firing is honored.
	svc.Evaluate(ctx, now.Add(31*time.Minute))
	if jobs := pendingJobs(t, q); len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
}

func TestDailyCapSkipsFiring(t *testing.T) {
	t.Parallel()
	svc, q, st := newTestService(t, Decl{
		Name: "crawl-a", BotType: "a", Trigger: "every:10m", Enabled: true, DailyCap: 50,
	})
	ctx := context.Background()
	t0 := time.Now()

	if err := st.IncrCounter(ctx, state.DayKey(t0), "a", CounterLeadsSaved, 50); err != nil {
		t.Fatal(err)
	}

	svc.Evaluate(ctx, t0)
	svc.Evaluate(ctx, t0.Add(11*time.Minute))
	if jobs := pendingJobs(t, q); len(jobs) != 0 {
		t.Fatalf("fired %d jobs past the daily cap", len(jobs))
	}
}

func TestPauseResumeAndRunNow(t *testing.T) {
	t.Parallel()
	svc, q, st := newTestService(t, Decl{
		Name: "crawl-a", BotType: "a", Trigger: "every:10m", Enabled: true,
	})
	ctx := context.Background()
	t0 := time.Now()

	if err := svc.Pause(ctx, "crawl-a"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	svc.Evaluate(ctx, t0)
	svc.Evaluate(ctx, t0.Add(11*time.Minute))
	if jobs := pendingJobs(t, q); len(jobs) != 0 {
		t.Fatalf("paused schedule fired %d jobs", len(jobs))
	}
	sc, err := st.GetSchedule(ctx, "crawl-a")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Enabled {
		t.Fatal("schedule still enabled after pause")
	}

	if err := svc.Resume(ctx, "crawl-a"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	j, err := svc.RunNow(ctx, "crawl-a", false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if j.ScheduleID != "crawl-a" || j.BotType != "a" {
		t.Fatalf("RunNow job = %+v", j)
	}

	if _, err := svc.RunNow(ctx, "missing", false); err == nil {
		t.Fatal("RunNow on missing schedule succeeded")
	}
}

func TestReconcileDisablesUndeclared(t *testing.T) {
	t.Parallel()
	svc, _, st := newTestService(t, Decl{
		Name: "keep", BotType: "a", Trigger: "every:10m", Enabled: true,
	})
	ctx := context.Background()

	// A schedule left over from an older config.
	if err := st.UpsertSchedule(ctx, &state.Schedule{
		ID: "stale", BotType: "b", Trigger: "every:10m", Priority: state.PriorityNormal, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	sc, err := st.GetSchedule(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Enabled {
		t.Fatal("undeclared schedule still enabled")
	}
	kept, err := st.GetSchedule(ctx, "keep")
	if err != nil {
		t.Fatal(err)
	}
	if !kept.Enabled {
		t.Fatal("declared schedule was disabled")
	}
}

func TestMaintainPrunes(t *testing.T) {
	t.Parallel()
	svc, _, st := newTestService(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * 24 * time.Hour)
	done := &state.Job{
		ID: "old", BotType: "a", Priority: state.PriorityNormal,
		State: state.JobSucceeded, MaxAttempts: 3,
		CreatedAt: old, FinishedAt: &old,
	}
	if err := st.CreateJob(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := st.LogEvent(ctx, state.Event{At: old, Kind: "job.succeeded", JobID: "old"}); err != nil {
		t.Fatal(err)
	}

	svc.Maintain(ctx, time.Now())

	if _, err := st.GetJob(ctx, "old"); err == nil {
		t.Fatal("old terminal job survived maintenance")
	}
	events, err := st.ListEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("old events survived maintenance: %d", len(events))
	}
}
