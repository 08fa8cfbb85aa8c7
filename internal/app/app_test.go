package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"botherd/internal/worker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func idleRunner() worker.Runner {
	return worker.RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (worker.Result, error) {
		return worker.Result{}, nil
	})
}

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, `{
		"logging": {"level": "error", "console": false},
		"storage": {"path": "`+filepath.ToSlash(filepath.Join(dir, "app.db"))+`"},
		"scheduler": {
			"enabled": true,
			"tick_interval": "50ms",
			"schedules": [
				{"name": "tick", "bot_type": "alpha", "trigger": "every:1h"}
			]
		},
		"workers": {"count": 1, "idle_poll": "20ms", "drain_timeout": "2s"}
	}`)

	a, err := NewApp(cfgPath, idleRunner())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the loops take at least one turn before shutting down.
	time.Sleep(200 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("supervisor error: %v", err)
	}

	select {
	case <-a.Done():
	default:
		t.Error("Done channel still open after Stop")
	}
}

func TestAppStopIsIdempotentBeforeStart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, `{
		"logging": {"level": "error"},
		"storage": {"path": "`+filepath.ToSlash(filepath.Join(dir, "app.db"))+`"}
	}`)
	a, err := NewApp(cfgPath, idleRunner())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"logging":`},
		{"unknown field", `{"loging": {}}`},
		{"bad duration", `{"workers": {"idle_poll": "soonish"}}`},
		{"duplicate schedule", `{"scheduler": {"schedules": [
			{"name": "x", "bot_type": "a", "trigger": "every:1h"},
			{"name": "x", "bot_type": "b", "trigger": "every:1h"}
		]}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfgPath := writeConfig(t, tc.body)
			if _, err := NewApp(cfgPath, idleRunner()); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}
