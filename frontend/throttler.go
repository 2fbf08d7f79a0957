package frontend

import (
	"math"
	"sync"
	"time"
)

// throttlerEpsilon is the floor applied to the ratio divisor so a ratio
// near 0 yields a very large admission interval rather than dividing by
// zero. A ratio of exactly 0 is denied outright in ShouldThrottle.
const throttlerEpsilon = 1e-7

// Throttler tracks a sliding window of bundle-arrival timestamps and
// decides whether an inbound bundle deserves a response carrying tasks.
// When disabled (ratio == nil) every bundle is admitted and no state is
// kept.
//
// Concurrency: a single mutex guards the window and last-admitted time so
// that "append, trim, test, maybe update" is atomic across concurrent
// bundle handlers.
type Throttler struct {
	mu     sync.Mutex
	ratio  *float64
	window time.Duration

	arrivals     []time.Time
	lastAdmitted time.Time
}

// NewThrottler constructs a disabled throttler (ratio == nil admits
// everything). Call SetRatio to enable it.
func NewThrottler(window time.Duration) *Throttler {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Throttler{window: window}
}

// SetRatio sets the admission ratio. nil disables throttling and clears
// all window state.
func (t *Throttler) SetRatio(ratio *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ratio = ratio
	if ratio == nil {
		t.arrivals = nil
		t.lastAdmitted = time.Time{}
	}
}

// ShouldThrottle reports whether the bundle arriving at now should be
// denied tasks.
func (t *Throttler) ShouldThrottle(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ratio == nil {
		return false
	}
	ratio := *t.ratio

	// 1. Append now to the window.
	t.arrivals = append(t.arrivals, now)

	// 2. Drop entries older than now - window.
	oldestAllowed := now.Add(-t.window)
	cut := 0
	for cut < len(t.arrivals) && t.arrivals[cut].Before(oldestAllowed) {
		cut++
	}
	if cut > 0 {
		t.arrivals = t.arrivals[cut:]
	}

	// 3. b <= 1: admit iff ratio != 0. A freshly-started (or
	// just-trimmed) window admits one bundle under any non-zero ratio
	// before the ratio takes effect; ratio 0 denies it.
	b := len(t.arrivals)
	if b <= 1 {
		return ratio == 0
	}

	// Ratio 0 admits nothing. lastAdmitted is still zero until the first
	// admission, so the ε-floored threshold alone would let one call
	// through here.
	if ratio == 0 {
		return true
	}

	// 4. interval = mean inter-arrival over the window.
	interval := t.arrivals[b-1].Sub(t.arrivals[0]) / time.Duration(b-1)

	// 5. Admit iff now - last_admitted >= interval / max(eps, ratio).
	divisor := math.Max(throttlerEpsilon, ratio)
	threshold := time.Duration(float64(interval) / divisor)

	shouldThrottle := now.Sub(t.lastAdmitted) < threshold
	if !shouldThrottle {
		t.lastAdmitted = now
	}
	return shouldThrottle
}
