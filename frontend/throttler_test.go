package frontend

import (
	"testing"
	"time"
)

func ratioPtr(v float64) *float64 { return &v }

func TestThrottlerDisabledAdmitsEverything(t *testing.T) {
	th := NewThrottler(time.Minute)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if th.ShouldThrottle(now.Add(time.Duration(i) * time.Millisecond)) {
			t.Fatalf("disabled throttler should never throttle, iteration %d", i)
		}
	}
}

func TestThrottlerZeroRatioDeniesEverything(t *testing.T) {
	th := NewThrottler(time.Minute)
	th.SetRatio(ratioPtr(0))

	now := time.Now()
	// b<=1 degenerate case: admit iff ratio != 0, so ratio 0 denies even
	// the very first arrival.
	if !th.ShouldThrottle(now) {
		t.Fatalf("first arrival (b<=1) with ratio 0 should throttle")
	}
	if !th.ShouldThrottle(now.Add(time.Millisecond)) {
		t.Fatalf("second arrival with ratio 0 should throttle")
	}
}

func TestThrottlerAdmitsAtConfiguredRatio(t *testing.T) {
	th := NewThrottler(time.Minute)
	th.SetRatio(ratioPtr(1))

	now := time.Now()
	// Build up a window of evenly spaced arrivals.
	for i := 0; i < 5; i++ {
		th.ShouldThrottle(now.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	// At ratio 1 the admission interval equals the mean inter-arrival
	// interval, so the next arrival at the same spacing should admit.
	next := now.Add(5 * 100 * time.Millisecond)
	if th.ShouldThrottle(next) {
		t.Fatalf("expected admission at ratio 1 with matching spacing")
	}
}

func TestThrottlerResetClearsWindow(t *testing.T) {
	th := NewThrottler(time.Minute)
	th.SetRatio(ratioPtr(1))

	now := time.Now()
	th.ShouldThrottle(now)
	th.SetRatio(nil)
	if th.ShouldThrottle(now.Add(time.Millisecond)) {
		t.Fatalf("disabling the throttler should admit unconditionally")
	}

	th.SetRatio(ratioPtr(0))
	// After re-enabling, the window should have been cleared by the nil
	// SetRatio call, so the next arrival is again a first (b<=1) arrival,
	// which ratio 0 denies.
	if !th.ShouldThrottle(now.Add(2 * time.Millisecond)) {
		t.Fatalf("first arrival after reset should throttle under ratio 0")
	}
}

func TestThrottlerTrimsOldArrivals(t *testing.T) {
	th := NewThrottler(10 * time.Millisecond)
	th.SetRatio(ratioPtr(0))

	base := time.Now()
	th.ShouldThrottle(base)
	th.ShouldThrottle(base.Add(5 * time.Millisecond))

	// Far outside the window: both prior arrivals fall out, collapsing
	// back to the b<=1 "admit iff ratio != 0" case, which ratio 0 denies.
	if !th.ShouldThrottle(base.Add(time.Hour)) {
		t.Fatalf("expected throttle once window has trimmed to a single arrival at ratio 0")
	}
}
