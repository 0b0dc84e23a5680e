package rest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestGlobalGateCoalesces(t *testing.T) {
	g := NewGlobalGate()

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Set(100 * time.Millisecond) {
				started.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), started.Load())
	assert.True(t, g.Active())
	assert.Greater(t, g.Remaining(), time.Duration(0))
}

func TestGlobalGateReleasesTogether(t *testing.T) {
	g := NewGlobalGate()
	require.NoError(t, g.Wait(context.Background()), "inactive gate does not block")

	require.True(t, g.Set(100*time.Millisecond))

	released := make(chan time.Time, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if g.Wait(context.Background()) == nil {
				released <- time.Now()
			}
		}()
	}

	a, b := <-released, <-released
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	assert.Less(t, diff, 20*time.Millisecond)
	assert.False(t, g.Active())
	assert.True(t, g.Set(10*time.Millisecond), "a new window can start after release")
}

func TestGlobalGateWaitCanceled(t *testing.T) {
	g := NewGlobalGate()
	g.Set(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
