package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/paydist/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}
	m.Advance(2 * time.Second)
	select {
	case fired := <-short:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("expected short timer to fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
}

func TestManualWaitForTimers(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- m.WaitForTimers(ctx, 1)
	}()
	m.After(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("WaitForTimers: %v", err)
	}
}

func TestSleepContextHonoursCancel(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := clock.SleepContext(ctx, m, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
