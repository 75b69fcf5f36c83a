package synctrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/internal/mockdriver"
)

func newFence(t *testing.T) (*mockdriver.Loader, driver.Fence) {
	t.Helper()

	loader, device := newDevice(t)
	fence, err := device.CreateFence(false)
	require.NoError(t, err)
	t.Cleanup(fence.Destroy)

	return loader, fence
}

func TestWaitRetiresToken(t *testing.T) {
	_, fence := newFence(t)
	registry := NewRegistry(nil)
	g := guard.Acquire("buffer", nil)

	token := registry.Register(fence, g)
	require.Equal(t, 1, registry.PendingCount())
	require.True(t, g.Pending())
	require.False(t, token.Observed())

	fence.(*mockdriver.Fence).Signal()
	require.NoError(t, registry.Wait(token, time.Second))

	require.True(t, token.Observed())
	require.False(t, g.Pending())
	require.Zero(t, registry.PendingCount())
	require.NoError(t, g.Release())

	// Waiting again on an observed token is a no-op.
	require.NoError(t, registry.Wait(token, time.Second))
}

func TestWaitTimeoutLeavesTokenOutstanding(t *testing.T) {
	_, fence := newFence(t)
	registry := NewRegistry(nil)
	g := guard.Acquire("buffer", nil)

	token := registry.Register(fence, g)

	err := registry.Wait(token, 10*time.Millisecond)
	require.ErrorIs(t, err, errdefs.ErrTimeout)
	require.False(t, token.Observed())
	require.True(t, g.Pending())
	require.Equal(t, 1, registry.PendingCount())

	fence.(*mockdriver.Fence).Signal()
	require.NoError(t, registry.Wait(token, time.Second))
	require.NoError(t, g.Release())
}

func TestPoll(t *testing.T) {
	_, fence := newFence(t)
	registry := NewRegistry(nil)
	g := guard.Acquire("buffer", nil)

	token := registry.Register(fence, g)

	done, err := registry.Poll(token)
	require.NoError(t, err)
	require.False(t, done)
	require.True(t, g.Pending())

	fence.(*mockdriver.Fence).Signal()
	done, err = registry.Poll(token)
	require.NoError(t, err)
	require.True(t, done)
	require.False(t, g.Pending())
	require.Zero(t, registry.PendingCount())
	require.NoError(t, g.Release())
}

func TestTokenIsEvidenceForItsGuardsOnly(t *testing.T) {
	_, fence := newFence(t)
	registry := NewRegistry(nil)
	tracked := guard.Acquire("tracked buffer", nil)
	other := guard.Acquire("other buffer", nil)

	token := registry.Register(fence, tracked)

	// An unobserved token is evidence for nothing.
	require.False(t, token.Covers(tracked))

	fence.(*mockdriver.Fence).Signal()
	require.NoError(t, registry.Wait(token, time.Second))

	require.True(t, token.Covers(tracked))
	require.False(t, token.Covers(other))
	require.NoError(t, tracked.Release())
	require.NoError(t, other.Release())
}

func TestWaitAll(t *testing.T) {
	_, device := newDevice(t)
	registry := NewRegistry(nil)

	var guards []*guard.Guard
	var fences []driver.Fence
	for i := 0; i < 3; i++ {
		fence, err := device.CreateFence(false)
		require.NoError(t, err)
		t.Cleanup(fence.Destroy)
		fences = append(fences, fence)

		g := guard.Acquire("buffer", nil)
		guards = append(guards, g)
		registry.Register(fence, g)
	}
	require.Equal(t, 3, registry.PendingCount())

	for _, fence := range fences {
		fence.(*mockdriver.Fence).Signal()
	}

	require.NoError(t, registry.WaitAll(time.Second))
	require.Zero(t, registry.PendingCount())
	for _, g := range guards {
		require.False(t, g.Pending())
		require.NoError(t, g.Release())
	}
}

func TestWaitAllReportsStuckFences(t *testing.T) {
	_, device := newDevice(t)
	registry := NewRegistry(nil)

	signaled, err := device.CreateFence(false)
	require.NoError(t, err)
	t.Cleanup(signaled.Destroy)
	stuck, err := device.CreateFence(false)
	require.NoError(t, err)
	t.Cleanup(stuck.Destroy)

	registry.Register(signaled)
	stuckToken := registry.Register(stuck)

	signaled.(*mockdriver.Fence).Signal()

	err = registry.WaitAll(10 * time.Millisecond)
	require.ErrorIs(t, err, errdefs.ErrTimeout)
	require.Equal(t, 1, registry.PendingCount())
	require.False(t, stuckToken.Observed())
}

func newDevice(t *testing.T) (*mockdriver.Loader, driver.Device) {
	t.Helper()

	loader := mockdriver.NewLoader()
	instance, err := loader.CreateInstance(driver.InstanceInfo{ApplicationName: "synctrack test"})
	require.NoError(t, err)
	t.Cleanup(instance.Destroy)

	physicalDevices, err := instance.EnumeratePhysicalDevices()
	require.NoError(t, err)
	device, err := physicalDevices[0].CreateDevice(driver.DeviceInfo{
		Queues: []driver.QueueCreate{{Family: 0, Count: 1}},
	})
	require.NoError(t, err)
	t.Cleanup(device.Destroy)

	return loader, device
}
