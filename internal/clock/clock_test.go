package clock

import (
	"testing"
	"time"
)

func TestScheduleAndNextFireOrdering(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	w := NewWheel(c)

	w.Schedule(time.Unix(10, 0), "pid-a")
	w.Schedule(time.Unix(5, 0), "pid-b")

	if _, ok := w.NextFire(); ok {
		t.Fatal("expected no timer to have fired at clock=0")
	}

	c.Advance(6 * time.Second)
	fired, ok := w.NextFire()
	if !ok {
		t.Fatal("expected pid-b to have fired")
	}
	if fired.Key != "pid-b" {
		t.Fatalf("expected pid-b to fire first, got %v", fired.Key)
	}

	if _, ok := w.NextFire(); ok {
		t.Fatal("pid-a should not have fired yet at clock=6s")
	}

	c.Advance(10 * time.Second)
	fired, ok = w.NextFire()
	if !ok || fired.Key != "pid-a" {
		t.Fatalf("expected pid-a to fire, got %v ok=%v", fired, ok)
	}
}

func TestScheduleReplacesExistingTimerForKey(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	w := NewWheel(c)

	w.Schedule(time.Unix(5, 0), "pid-a")
	w.Schedule(time.Unix(50, 0), "pid-a")

	c.Advance(6 * time.Second)
	if _, ok := w.NextFire(); ok {
		t.Fatal("original 5s timer should have been replaced, not fired")
	}

	c.Advance(100 * time.Second)
	fired, ok := w.NextFire()
	if !ok || fired.Key != "pid-a" {
		t.Fatalf("expected replacement timer to fire, got %v ok=%v", fired, ok)
	}
}

func TestCancelIsIdempotentAndRemovesTimer(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	w := NewWheel(c)

	w.Schedule(time.Unix(5, 0), "pid-a")
	w.Cancel("pid-a")
	w.Cancel("pid-a") // idempotent, must not panic

	c.Advance(10 * time.Second)
	if _, ok := w.NextFire(); ok {
		t.Fatal("cancelled timer must never fire")
	}
}

func TestNextDeadlineReflectsEarliestLiveTimer(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	w := NewWheel(c)

	if _, ok := w.NextDeadline(); ok {
		t.Fatal("expected no deadline on empty wheel")
	}

	w.Schedule(time.Unix(20, 0), "pid-a")
	w.Schedule(time.Unix(10, 0), "pid-b")

	deadline, ok := w.NextDeadline()
	if !ok || !deadline.Equal(time.Unix(10, 0)) {
		t.Fatalf("expected earliest deadline 10s, got %v ok=%v", deadline, ok)
	}
}

func TestWakeSignalsOnSchedule(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	w := NewWheel(c)

	w.Schedule(time.Unix(100, 0), "pid-a")

	select {
	case <-w.Wake():
	default:
		t.Fatal("expected Wake() to signal after Schedule")
	}
}
