package scheduling

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool() *ResourcePool {
	return NewResourcePool(slog.Default(), map[string]float64{
		"cpu":       4,
		"memory_gb": 8,
	})
}

func TestAllocate_AndRelease(t *testing.T) {
	pool := testPool()

	id, ok, err := pool.Allocate(map[string]float64{"cpu": 2, "memory_gb": 4})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, pool.ActiveAllocations())
	assert.InDelta(t, 2, pool.Available()["cpu"], 0.001)
	assert.InDelta(t, 4, pool.Available()["memory_gb"], 0.001)

	require.NoError(t, pool.Release(id))
	assert.Zero(t, pool.ActiveAllocations())
	assert.InDelta(t, 4, pool.Available()["cpu"], 0.001)
}

func TestAllocate_AllOrNothing(t *testing.T) {
	pool := testPool()

	// memory_gb is the shortfall; cpu must be rolled back.
	_, ok, err := pool.Allocate(map[string]float64{"cpu": 2, "memory_gb": 100})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.InDelta(t, 4, pool.Available()["cpu"], 0.001)
	assert.InDelta(t, 8, pool.Available()["memory_gb"], 0.001)
	assert.Zero(t, pool.ActiveAllocations())
}

func TestAllocate_UnknownResource(t *testing.T) {
	pool := testPool()

	_, _, err := pool.Allocate(map[string]float64{"gpu": 1})
	require.ErrorIs(t, err, ErrUnknownResource)
}

func TestRelease_UnknownAllocation(t *testing.T) {
	pool := testPool()

	require.Error(t, pool.Release("alloc-missing"))
}

func TestWaitForResources_TimesOut(t *testing.T) {
	pool := testPool()

	_, ok, err := pool.Allocate(map[string]float64{"cpu": 4})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = pool.WaitForResources(context.Background(), map[string]float64{"cpu": 1}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrResourceExhausted)
}

func TestWaitForResources_OverCapacityFailsImmediately(t *testing.T) {
	pool := testPool()

	begin := time.Now()
	_, err := pool.WaitForResources(context.Background(), map[string]float64{"cpu": 100}, time.Minute)

	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestWaitForResources_WokenByRelease(t *testing.T) {
	pool := testPool()

	held, ok, err := pool.Allocate(map[string]float64{"cpu": 4})
	require.NoError(t, err)
	require.True(t, ok)

	got := make(chan error, 1)

	go func() {
		_, waitErr := pool.WaitForResources(context.Background(), map[string]float64{"cpu": 2}, 5*time.Second)
		got <- waitErr
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.Release(held))

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestWaitForResources_ContextCancelled(t *testing.T) {
	pool := testPool()

	_, ok, err := pool.Allocate(map[string]float64{"cpu": 4})
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = pool.WaitForResources(ctx, map[string]float64{"cpu": 1}, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCanSatisfy(t *testing.T) {
	pool := testPool()

	assert.True(t, pool.CanSatisfy(map[string]float64{"cpu": 4}))

	_, ok, err := pool.Allocate(map[string]float64{"cpu": 3})
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, pool.CanSatisfy(map[string]float64{"cpu": 1}))
	assert.False(t, pool.CanSatisfy(map[string]float64{"cpu": 2}))
}

func TestUtilization(t *testing.T) {
	pool := testPool()

	_, ok, err := pool.Allocate(map[string]float64{"cpu": 2, "memory_gb": 2})
	require.NoError(t, err)
	require.True(t, ok)

	utilization := pool.Utilization()
	assert.InDelta(t, 0.5, utilization["cpu"], 0.001)
	assert.InDelta(t, 0.25, utilization["memory_gb"], 0.001)
}
