package schedule

import (
	"testing"
	"time"
)

func TestParseTrigger(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		kind    TriggerKind
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: TriggerCron},
		{in: "0 9 * * 1-5", kind: TriggerCron},
		{in: "@hourly", kind: TriggerCron},
		{in: "cron:*/10 * * * *", kind: TriggerCron},
		{in: "45m", kind: TriggerInterval, every: 45 * time.Minute},
		{in: "2h30m", kind: TriggerInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:30m", kind: TriggerInterval, every: 30 * time.Minute},
		{in: "interval:1h", kind: TriggerInterval, every: time.Hour},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "every:", wantErr: true},
		{in: "every:-5m", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "not-a-trigger", wantErr: true},
		{in: "bad cron here", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			trig, err := ParseTrigger(tc.in, time.UTC)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseTrigger(%q) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTrigger(%q): %v", tc.in, err)
			}
			if trig.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", trig.Kind, tc.kind)
			}
			if tc.kind == TriggerInterval && trig.Every != tc.every {
				t.Fatalf("every = %v, want %v", trig.Every, tc.every)
			}
		})
	}
}

func TestIntervalNextFire(t *testing.T) {
	t.Parallel()
	trig, err := ParseTrigger("30m", time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := trig.NextFire(last)
	if want := last.Add(30 * time.Minute); !next.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", next, want)
	}

	if trig.Due(last, last.Add(29*time.Minute)) {
		t.Fatal("due before interval elapsed")
	}
	if !trig.Due(last, last.Add(30*time.Minute)) {
		t.Fatal("not due at interval boundary")
	}
}

func TestCronNextFireTimezone(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	trig, err := ParseTrigger("0 9 * * *", berlin)
	if err != nil {
		t.Fatal(err)
	}

	// 07:00 UTC in winter is 08:00 Berlin; next 09:00 Berlin is 08:00 UTC.
	last := time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)
	next := trig.NextFire(last)
	want := time.Date(2026, 1, 15, 9, 0, 0, 0, berlin)
	if !next.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", next, want)
	}
}
