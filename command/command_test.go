package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/internal/mockdriver"
	"github.com/tethergpu/tether/synctrack"
)

type testHarness struct {
	loader   *mockdriver.Loader
	device   driver.Device
	registry *synctrack.Registry
	root     *guard.Guard
	queue    *Queue
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	loader := mockdriver.NewLoader()
	instance, err := loader.CreateInstance(driver.InstanceInfo{ApplicationName: "command test"})
	require.NoError(t, err)
	t.Cleanup(instance.Destroy)

	physicalDevices, err := instance.EnumeratePhysicalDevices()
	require.NoError(t, err)

	device, err := physicalDevices[0].CreateDevice(driver.DeviceInfo{
		Queues: []driver.QueueCreate{{Family: 0, Count: 1}},
	})
	require.NoError(t, err)
	t.Cleanup(device.Destroy)

	return &testHarness{
		loader:   loader,
		device:   device,
		registry: synctrack.NewRegistry(nil),
		root:     guard.Acquire("device", nil),
		queue:    NewQueue(device.Queue(0, 0), 0),
	}
}

func (h *testHarness) newPool(t *testing.T, options PoolOptions) *Pool {
	t.Helper()

	pool, err := NewPool(h.device, h.registry, h.root, options)
	require.NoError(t, err)
	return pool
}

func recordOne(t *testing.T, buffer *Buffer) {
	t.Helper()

	require.NoError(t, buffer.Begin())
	require.NoError(t, buffer.Record(driver.Command{Name: "draw", Payload: []byte{1, 2, 3}}))
	require.NoError(t, buffer.End())
}

func TestBufferLifecycle(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{})
	buffer := pool.Buffers()[0]

	require.Equal(t, StateInitial, buffer.State())

	// Recording and submission are bracketed; out-of-order calls fail.
	require.ErrorIs(t, buffer.Record(driver.Command{Name: "draw"}), errdefs.ErrInvalidState)
	require.ErrorIs(t, buffer.End(), errdefs.ErrInvalidState)
	_, err := buffer.Submit(h.queue, SubmitOptions{})
	require.ErrorIs(t, err, errdefs.ErrInvalidState)

	recordOne(t, buffer)
	require.Equal(t, StateExecutable, buffer.State())
	require.Len(t, buffer.Commands(), 1)

	token, err := buffer.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, StatePending, buffer.State())

	// Commands are buffered, not consumed, by submission.
	require.Len(t, buffer.Commands(), 1)

	token.Fence().(*mockdriver.Fence).Signal()
	require.NoError(t, buffer.WaitForCompletion(time.Second))
	require.Equal(t, StateExecutable, buffer.State())

	require.NoError(t, pool.Destroy())
	require.NoError(t, h.root.Release())
	require.Equal(t, 2, h.loader.LiveHandles()) // instance + device
}

func TestSubmitWhilePending(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{})
	buffer := pool.Buffers()[0]

	recordOne(t, buffer)
	token, err := buffer.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)

	_, err = buffer.Submit(h.queue, SubmitOptions{})
	require.ErrorIs(t, err, errdefs.ErrInvalidState)

	// After the fence is observed the buffer is submittable again.
	token.Fence().(*mockdriver.Fence).Signal()
	require.NoError(t, buffer.WaitForCompletion(time.Second))

	token, err = buffer.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)
	token.Fence().(*mockdriver.Fence).Signal()
	require.NoError(t, buffer.WaitForCompletion(time.Second))

	require.NoError(t, pool.Destroy())
}

func TestWaitForCompletionTimeout(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{})
	buffer := pool.Buffers()[0]

	recordOne(t, buffer)
	token, err := buffer.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)

	err = buffer.WaitForCompletion(10 * time.Millisecond)
	require.ErrorIs(t, err, errdefs.ErrTimeout)
	require.Equal(t, StatePending, buffer.State())

	done, err := buffer.Completed()
	require.NoError(t, err)
	require.False(t, done)

	token.Fence().(*mockdriver.Fence).Signal()
	done, err = buffer.Completed()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, StateExecutable, buffer.State())

	require.NoError(t, pool.Destroy())
}

func TestIndividualReset(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{IndividuallyResettable: true})
	buffer := pool.Buffers()[0]

	recordOne(t, buffer)
	require.NoError(t, buffer.Reset())
	require.Equal(t, StateInitial, buffer.State())
	require.Empty(t, buffer.Commands())

	// Re-recording an executable buffer without an explicit reset works too.
	recordOne(t, buffer)
	require.NoError(t, buffer.Begin())
	require.NoError(t, buffer.End())
	require.Empty(t, buffer.Commands())

	require.NoError(t, pool.Destroy())
}

func TestResetNotSupported(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{})
	buffer := pool.Buffers()[0]

	recordOne(t, buffer)
	require.ErrorIs(t, buffer.Reset(), errdefs.ErrResetNotSupported)
	require.ErrorIs(t, buffer.Begin(), errdefs.ErrResetNotSupported)

	require.NoError(t, pool.Destroy())
}

func TestResetWhilePending(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{IndividuallyResettable: true})
	buffer := pool.Buffers()[0]

	recordOne(t, buffer)
	token, err := buffer.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)

	require.ErrorIs(t, buffer.Reset(), errdefs.ErrInvalidState)

	token.Fence().(*mockdriver.Fence).Signal()
	require.NoError(t, buffer.WaitForCompletion(time.Second))
	require.NoError(t, buffer.Reset())

	require.NoError(t, pool.Destroy())
}

func TestPoolResetAll(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{BufferCount: 2})
	first, second := pool.Buffers()[0], pool.Buffers()[1]

	recordOne(t, first)
	token, err := first.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)
	recordOne(t, second)

	require.ErrorIs(t, pool.ResetAll(), errdefs.ErrStillInUse)

	token.Fence().(*mockdriver.Fence).Signal()
	require.NoError(t, first.WaitForCompletion(time.Second))

	require.NoError(t, pool.ResetAll())
	require.Equal(t, StateInitial, first.State())
	require.Equal(t, StateInitial, second.State())

	require.NoError(t, pool.Destroy())
}

func TestDestroyRefusedWhilePending(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{})
	buffer := pool.Buffers()[0]

	recordOne(t, buffer)
	token, err := buffer.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)

	require.ErrorIs(t, pool.Destroy(), errdefs.ErrStillInUse)

	token.Fence().(*mockdriver.Fence).Signal()
	require.NoError(t, h.registry.WaitAll(time.Second))
	require.NoError(t, pool.Destroy())

	// The submission fence is reclaimed with the buffer.
	require.NoError(t, h.root.Release())
	require.Equal(t, 2, h.loader.LiveHandles())
}

func TestDestroyWithIdleEvidence(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{})
	buffer := pool.Buffers()[0]

	recordOne(t, buffer)
	_, err := buffer.Submit(h.queue, SubmitOptions{})
	require.NoError(t, err)

	// The registry never observes the fence, but a device idle wait is proof
	// enough to tear the pool down.
	require.NoError(t, h.device.WaitIdle())
	require.NoError(t, pool.Destroy(guard.Idle("device wait idle")))
	require.NoError(t, h.root.Release())
	require.Equal(t, 2, h.loader.LiveHandles())
}

func TestPoolKeepsParentAlive(t *testing.T) {
	h := newHarness(t)
	pool := h.newPool(t, PoolOptions{})

	require.ErrorIs(t, h.root.Release(), errdefs.ErrStillInUse)

	require.NoError(t, pool.Destroy())
	require.NoError(t, h.root.Release())
}

func TestQueueSerializesSubmissions(t *testing.T) {
	h := newHarness(t)
	h.loader.AutoSignalSubmits = true
	pool := h.newPool(t, PoolOptions{BufferCount: 8})

	done := make(chan error, 8)
	for _, buffer := range pool.Buffers() {
		recordOne(t, buffer)
		go func(b *Buffer) {
			_, err := b.Submit(h.queue, SubmitOptions{})
			done <- err
		}(buffer)
	}

	for range pool.Buffers() {
		require.NoError(t, <-done)
	}

	for _, buffer := range pool.Buffers() {
		require.NoError(t, buffer.WaitForCompletion(time.Second))
	}

	require.NoError(t, pool.Destroy())
}
