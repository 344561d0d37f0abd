package client

import "time"

// Adaptive rate tuning.
const (
	FastThreshold    = 200 * time.Millisecond
	SlowThreshold    = time.Second
	InactivityWindow = 30 * time.Second

	speedUpFactor  = 0.95
	slowDownFactor = 1.1
	errorFactor    = 1.5
	hiddenFactor   = 2.0
)

// Bounds are the interval limits of an AdaptiveRate.
type Bounds struct {
	Base time.Duration
	Min  time.Duration
	Max  time.Duration
}

func (b Bounds) normalize() Bounds {
	if b.Min <= 0 {
		b.Min = time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	b.Base = b.clamp(b.Base)
	return b
}

func (b Bounds) clamp(d time.Duration) time.Duration {
	if d < b.Min {
		return b.Min
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// AdaptiveRate is the polling interval state. It holds no clock; callers
// pass in round-trip times and inactivity durations. It is not safe for
// concurrent use.
type AdaptiveRate struct {
	bounds        Bounds
	current       time.Duration
	errors        int
	visible       bool
	hiddenApplied bool
}

// NewAdaptiveRate starts at the base interval of b.
func NewAdaptiveRate(b Bounds) *AdaptiveRate {
	b = b.normalize()
	return &AdaptiveRate{
		bounds:  b,
		current: b.Base,
		visible: true,
	}
}

// Current returns the interval.
func (r *AdaptiveRate) Current() time.Duration {
	return r.current
}

// Bounds returns the normalized bounds.
func (r *AdaptiveRate) Bounds() Bounds {
	return r.bounds
}

// ConsecutiveErrors returns the errors since the last success.
func (r *AdaptiveRate) ConsecutiveErrors() int {
	return r.errors
}

// Visible reports the last visibility input.
func (r *AdaptiveRate) Visible() bool {
	return r.visible
}

// OnSuccess adjusts the interval after a successful fetch. While hidden a
// fast response does not shorten the interval.
func (r *AdaptiveRate) OnSuccess(rtt time.Duration) {
	r.errors = 0
	switch {
	case rtt < FastThreshold:
		if r.visible {
			r.scale(speedUpFactor)
		}
	case rtt > SlowThreshold:
		r.scale(slowDownFactor)
	}
}

// OnError backs off after a failed fetch.
func (r *AdaptiveRate) OnError() {
	r.errors++
	r.scale(errorFactor)
}

// Hidden records that the page is hidden. The interval doubles once per
// hidden period, as soon as the user has been inactive for the
// inactivity window. Call it on hide and again on every tick. It reports
// whether the interval changed.
func (r *AdaptiveRate) Hidden(sinceActivity time.Duration) bool {
	r.visible = false
	if r.hiddenApplied || sinceActivity < InactivityWindow {
		return false
	}
	r.hiddenApplied = true
	before := r.current
	r.scale(hiddenFactor)
	return r.current != before
}

// Shown records that the page is visible again and resets to the minimum.
func (r *AdaptiveRate) Shown() {
	r.visible = true
	r.hiddenApplied = false
	r.current = r.bounds.Min
}

// OnActivity resets to the base interval.
func (r *AdaptiveRate) OnActivity() {
	r.current = r.bounds.Base
}

// ResetToMin sets the interval to the minimum.
func (r *AdaptiveRate) ResetToMin() {
	r.current = r.bounds.Min
}

func (r *AdaptiveRate) scale(factor float64) {
	r.current = r.bounds.clamp(time.Duration(float64(r.current) * factor))
}
