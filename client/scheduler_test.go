package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsOnDelayAndKick(t *testing.T) {
	mock := clock.NewMock()
	var runs atomic.Int32
	s := NewScheduler(mock, time.Second, func(context.Context) { runs.Add(1) })

	s.Start(context.Background())
	defer s.Stop()
	assert.True(t, s.Running())

	s.Kick()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return runs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	var runs atomic.Int32
	s := NewScheduler(mock, time.Hour, func(context.Context) { runs.Add(1) })

	s.Start(context.Background())
	s.Start(context.Background())
	s.Kick()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return runs.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	s.Stop()
	s.Wait()
	assert.False(t, s.Running())
}

func TestScheduler_StopCancelsTask(t *testing.T) {
	mock := clock.NewMock()
	started := make(chan struct{})
	canceled := make(chan struct{})
	s := NewScheduler(mock, time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	})

	s.Start(context.Background())
	s.Kick()
	<-started

	s.Stop()
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("task context was not canceled")
	}
	s.Wait()
}

func TestScheduler_SetDelay(t *testing.T) {
	s := NewScheduler(clock.NewMock(), time.Second, func(context.Context) {})
	s.SetDelay(3 * time.Second)
	assert.Equal(t, 3*time.Second, s.Delay())

	// Stop and Wait before Start are no-ops.
	s.Stop()
	s.Wait()
}
