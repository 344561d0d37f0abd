package client

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveRate_OnSuccess(t *testing.T) {
	bounds := Bounds{Base: time.Second, Min: 100 * time.Millisecond, Max: 10 * time.Second}

	tests := []struct {
		name string
		rtt  time.Duration
		want time.Duration
	}{
		{name: "fast response speeds up", rtt: 50 * time.Millisecond, want: 950 * time.Millisecond},
		{name: "normal response keeps interval", rtt: 500 * time.Millisecond, want: time.Second},
		{name: "threshold is not fast", rtt: FastThreshold, want: time.Second},
		{name: "slow response backs off", rtt: 2 * time.Second, want: 1100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewAdaptiveRate(bounds)
			r.OnSuccess(tt.rtt)
			assert.Equal(t, tt.want, r.Current())
		})
	}
}

func TestAdaptiveRate_HiddenFastResponseKeepsInterval(t *testing.T) {
	r := NewAdaptiveRate(CapableBounds)
	r.Hidden(InactivityWindow)
	slowed := r.Current()

	for range 20 {
		r.OnSuccess(10 * time.Millisecond)
	}
	assert.Equal(t, slowed, r.Current())

	r.OnSuccess(2 * time.Second)
	assert.Greater(t, r.Current(), slowed, "slow responses still back off")
}

func TestAdaptiveRate_OnErrorBacksOffAndSuccessResets(t *testing.T) {
	r := NewAdaptiveRate(Bounds{Base: time.Second, Min: 500 * time.Millisecond, Max: 2 * time.Second})

	r.OnError()
	assert.Equal(t, 1500*time.Millisecond, r.Current())
	assert.Equal(t, 1, r.ConsecutiveErrors())

	r.OnError()
	assert.Equal(t, 2*time.Second, r.Current(), "clamped to max")
	assert.Equal(t, 2, r.ConsecutiveErrors())

	r.OnSuccess(time.Second)
	assert.Zero(t, r.ConsecutiveErrors())
}

func TestAdaptiveRate_HiddenDoublesOncePerPeriod(t *testing.T) {
	r := NewAdaptiveRate(CapableBounds)

	assert.False(t, r.Hidden(10*time.Second), "user still active")
	assert.Equal(t, CapableBounds.Base, r.Current())
	assert.False(t, r.Visible())

	assert.True(t, r.Hidden(InactivityWindow))
	assert.Equal(t, 2*CapableBounds.Base, r.Current())

	assert.False(t, r.Hidden(time.Minute), "already applied for this hidden period")
	assert.Equal(t, 2*CapableBounds.Base, r.Current())

	r.Shown()
	assert.True(t, r.Visible())
	assert.Equal(t, CapableBounds.Min, r.Current())

	assert.True(t, r.Hidden(time.Minute), "a new hidden period doubles again")
	assert.Equal(t, 2*CapableBounds.Min, r.Current())
}

func TestAdaptiveRate_ActivityAndReset(t *testing.T) {
	r := NewAdaptiveRate(ConstrainedBounds)
	r.OnError()
	r.OnError()

	r.OnActivity()
	assert.Equal(t, ConstrainedBounds.Base, r.Current())

	r.ResetToMin()
	assert.Equal(t, ConstrainedBounds.Min, r.Current())
}

func TestBounds_Normalize(t *testing.T) {
	b := Bounds{Base: time.Hour, Min: time.Second, Max: 500 * time.Millisecond}.normalize()

	assert.Equal(t, time.Second, b.Min)
	assert.Equal(t, time.Second, b.Max, "max raised to min")
	assert.Equal(t, time.Second, b.Base, "base clamped")
}

func TestAdaptiveRate_StaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for _, bounds := range []Bounds{CapableBounds, ConstrainedBounds} {
		r := NewAdaptiveRate(bounds)
		for i := 0; i < 5000; i++ {
			switch rng.IntN(7) {
			case 0:
				r.OnError()
			case 1:
				r.OnSuccess(time.Duration(rng.Int64N(int64(3 * time.Second))))
			case 2:
				r.Hidden(time.Duration(rng.Int64N(int64(time.Minute))))
			case 3:
				r.Shown()
			case 4:
				r.OnActivity()
			case 5:
				r.ResetToMin()
			default:
				r.OnSuccess(10 * time.Millisecond)
			}
			require.GreaterOrEqual(t, r.Current(), bounds.Min, "step %d", i)
			require.LessOrEqual(t, r.Current(), bounds.Max, "step %d", i)
		}
	}
}
