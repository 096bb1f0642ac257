package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepPoolBoundsConcurrency(t *testing.T) {
	pool := newStepPool(2)

	var active, peak atomic.Int64
	gate := make(chan struct{})

	for i := 0; i < 5; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-gate
			active.Add(-1)
			return nil
		})
		require.NoError(t, err)

		// The first two submissions fill the pool; the rest block in Submit,
		// so release one slot before continuing.
		if i >= 1 {
			gate <- struct{}{}
		}
	}
	close(gate)
	pool.Shutdown()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(5), pool.Metrics().Completed)
}

func TestStepPoolMetricsCountFailures(t *testing.T) {
	pool := newStepPool(4)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return nil
	}))
	pool.Shutdown()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(0), m.Active)
}

func TestStepPoolRecoversPanics(t *testing.T) {
	pool := newStepPool(1)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("step exploded")
	}))
	pool.Shutdown()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

func TestStepPoolShutdownRejectsNewWork(t *testing.T) {
	pool := newStepPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, errPoolClosed)
}

func TestStepPoolSubmitHonoursContextWhileBlocked(t *testing.T) {
	pool := newStepPool(1)

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Shutdown()
}
