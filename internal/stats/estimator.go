package stats

import (
	"math"
	"time"
)

// RateEstimator turns successive event counts into an exponentially
// weighted events-per-second rate. Updates are O(1); older samples
// decay with the configured half-life.
type RateEstimator struct {
	halflife time.Duration
	rate     float64
	lastSeen time.Time
	primed   bool
	now      func() time.Time
}

// NewRateEstimator creates an estimator with the given half-life.
func NewRateEstimator(halflife time.Duration) *RateEstimator {
	return &RateEstimator{
		halflife: halflife,
		now:      time.Now,
	}
}

// Update folds in count events observed since the previous update.
func (e *RateEstimator) Update(count float64) {
	ts := e.now()
	if !e.primed {
		e.primed = true
		e.lastSeen = ts
		return
	}
	elapsed := ts.Sub(e.lastSeen)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	e.lastSeen = ts

	instant := count / elapsed.Seconds()
	alpha := 1 - math.Exp2(-elapsed.Seconds()/e.halflife.Seconds())
	e.rate = alpha*instant + (1-alpha)*e.rate
}

// Rate returns the current events-per-second estimate.
func (e *RateEstimator) Rate() float64 {
	return e.rate
}
