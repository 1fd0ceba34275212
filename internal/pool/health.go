package pool

import (
	"sync"

	"github.com/scatterfs/scatterfs/internal/model"
)

// Health thresholds. Transitions require sustained evidence so a single
// hiccup never flips an account's state back and forth.
const (
	// healthWindow is the number of recent observations in the rolling
	// error window.
	healthWindow = 32
	// minObservations is the minimum sample count before the error rate
	// is trusted at all.
	minObservations = 8
	// degradedErrorRate is the rolling error rate at or above which a
	// healthy account becomes degraded.
	degradedErrorRate = 0.5
	// unavailableAfter is the number of consecutive failures that marks
	// an account unavailable.
	unavailableAfter = 5
	// recoverAfter is the number of consecutive successes a degraded
	// account needs to return to healthy.
	recoverAfter = 8
)

// healthTracker is the per-account health state machine. Healthy →
// Degraded → Unavailable transitions happen automatically from observed
// request outcomes; Unavailable → Rebuilding → Healthy requires explicit
// operator action. All transitions carry hysteresis.
type healthTracker struct {
	mu sync.Mutex

	state model.HealthState

	// window is a ring of recent request outcomes, true for failure.
	window [healthWindow]bool
	count  int
	next   int

	consecutiveFailures  int
	consecutiveSuccesses int
}

func newHealthTracker(initial model.HealthState) *healthTracker {
	return &healthTracker{state: initial}
}

// State returns the current health state.
func (h *healthTracker) State() model.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stats returns the rolling failure count and sample size.
func (h *healthTracker) Stats() (failures, samples int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures(), h.count
}

func (h *healthTracker) failures() int {
	n := 0
	for i := 0; i < h.count; i++ {
		if h.window[i] {
			n++
		}
	}
	return n
}

func (h *healthTracker) observe(failed bool) {
	h.window[h.next] = failed
	h.next = (h.next + 1) % healthWindow
	if h.count < healthWindow {
		h.count++
	}
	if failed {
		h.consecutiveFailures++
		h.consecutiveSuccesses = 0
	} else {
		h.consecutiveSuccesses++
		h.consecutiveFailures = 0
	}
}

// RecordSuccess feeds a successful request outcome into the state
// machine. Returns the previous and new state.
func (h *healthTracker) RecordSuccess() (from, to model.HealthState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = h.state
	h.observe(false)

	// Degraded heals only after a sustained run of successes. Unavailable
	// and Rebuilding never heal from traffic alone: a rebuild has to
	// verify the account's blocks first.
	if h.state == model.HealthDegraded && h.consecutiveSuccesses >= recoverAfter {
		h.state = model.HealthHealthy
		h.resetWindow()
	}
	return from, h.state
}

// RecordFailure feeds a failed request outcome into the state machine.
// Returns the previous and new state.
func (h *healthTracker) RecordFailure() (from, to model.HealthState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = h.state
	h.observe(true)

	switch h.state {
	case model.HealthHealthy:
		if h.count >= minObservations && float64(h.failures()) >= degradedErrorRate*float64(h.count) {
			h.state = model.HealthDegraded
		}
	case model.HealthDegraded:
		if h.consecutiveFailures >= unavailableAfter {
			h.state = model.HealthUnavailable
		}
	}
	return from, h.state
}

// StartRebuild moves the account into the rebuilding state. Valid from
// any state; typically invoked by an operator on an unavailable account.
func (h *healthTracker) StartRebuild() (from, to model.HealthState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = h.state
	h.state = model.HealthRebuilding
	h.resetWindow()
	return from, h.state
}

// FinishRebuild returns a rebuilding account to healthy.
func (h *healthTracker) FinishRebuild() (from, to model.HealthState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = h.state
	if h.state == model.HealthRebuilding {
		h.state = model.HealthHealthy
		h.resetWindow()
	}
	return from, h.state
}

func (h *healthTracker) resetWindow() {
	h.count = 0
	h.next = 0
	h.consecutiveFailures = 0
	h.consecutiveSuccesses = 0
}
