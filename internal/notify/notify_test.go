package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botherd/pkg/logx"
)

type captureAdapter struct {
	mu    sync.Mutex
	sent  []Alert
	fails int // fail this many sends before succeeding
	block chan struct{}
}

func (a *captureAdapter) Send(ctx context.Context, al Alert) error {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fails > 0 {
		a.fails--
		return errors.New("delivery refused")
	}
	a.sent = append(a.sent, al)
	return nil
}

func (a *captureAdapter) delivered() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastConfig() Config {
	return Config{
		Workers:       1,
		RatePerSec:    1000,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestAlertDelivers(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	s := New(ad, logx.Logger{}, fastConfig())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Alert(SeverityWarn, "disk almost full")

	waitFor(t, func() bool { return len(ad.delivered()) == 1 })
	got := ad.delivered()[0]
	if got.Severity != SeverityWarn || got.Message != "disk almost full" {
		t.Fatalf("delivered = %+v", got)
	}
	if got.At.IsZero() {
		t.Fatal("alert timestamp not set")
	}
}

func TestDuplicateAlertsSuppressed(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	s := New(ad, logx.Logger{}, cfg)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Alert(SeverityError, "bot alpha down")
	s.Alert(SeverityError, "bot alpha down")
	// Same text, different severity: a different alert.
	s.Alert(SeverityWarn, "bot alpha down")

	waitFor(t, func() bool { return len(ad.delivered()) == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := len(ad.delivered()); got != 2 {
		t.Fatalf("delivered %d alerts, want 2", got)
	}
}

func TestRetryUntilDelivered(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{fails: 2}
	cfg := fastConfig()
	cfg.RetryMax = 3
	s := New(ad, logx.Logger{}, cfg)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Alert(SeverityInfo, "daily summary ready")

	waitFor(t, func() bool { return len(ad.delivered()) == 1 })
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{fails: 1 << 30}
	s := New(ad, logx.Logger{}, fastConfig())
	s.Start(context.Background())

	// Alert never blocks or errors even though every send fails.
	s.Alert(SeverityError, "unreachable channel")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if len(ad.delivered()) != 0 {
		t.Fatalf("delivered = %v, want none", ad.delivered())
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{block: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	s := New(ad, logx.Logger{}, cfg)
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			s.Alert(SeverityInfo, "flood")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Alert blocked on a full queue")
	}

	close(ad.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestAlertAfterStopIsANoop(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	s := New(ad, logx.Logger{}, fastConfig())
	s.Start(context.Background())
	s.Stop(context.Background())

	s.Alert(SeverityInfo, "late")
	time.Sleep(20 * time.Millisecond)
	if got := len(ad.delivered()); got != 0 {
		t.Fatalf("delivered %d alerts after stop", got)
	}
}

func TestStopDrainsQueuedAlerts(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	s := New(ad, logx.Logger{}, fastConfig())
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		s.Alert(SeverityInfo, string(rune('a'+i)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := len(ad.delivered()); got != 5 {
		t.Fatalf("delivered %d alerts, want all 5 drained on stop", got)
	}
}
