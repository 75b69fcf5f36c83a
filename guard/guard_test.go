package guard

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tethergpu/tether/errdefs"
)

func TestReleaseRunsDestroyOnce(t *testing.T) {
	destroyed := 0
	g := Acquire("buffer", func() error {
		destroyed++
		return nil
	})

	require.False(t, g.Released())
	require.NoError(t, g.Release())
	require.True(t, g.Released())
	require.Equal(t, 1, destroyed)

	require.Panics(t, func() {
		_ = g.Release()
	})
	require.Equal(t, 1, destroyed)
}

func TestDependentsBlockRelease(t *testing.T) {
	device := Acquire("device", nil)
	pool := Acquire("pool", nil, device)

	err := device.Release()
	require.ErrorIs(t, err, errdefs.ErrStillInUse)
	require.False(t, device.Released())

	require.NoError(t, pool.Release())
	require.NoError(t, device.Release())
}

func TestPromoteAddsDependency(t *testing.T) {
	allocator := Acquire("allocator", nil)
	block := Acquire("block", nil)

	allocator.Promote(block)
	require.ErrorIs(t, block.Release(), errdefs.ErrStillInUse)

	require.NoError(t, allocator.Release())
	require.NoError(t, block.Release())
}

func TestPromoteOnReleasedGuardPanics(t *testing.T) {
	g := Acquire("pool", nil)
	dep := Acquire("device", nil)
	require.NoError(t, g.Release())

	require.Panics(t, func() {
		g.Promote(dep)
	})
}

func TestPendingBlocksReleaseWithoutEvidence(t *testing.T) {
	g := Acquire("command buffer", nil)
	g.MarkPending()

	require.ErrorIs(t, g.Release(), errdefs.ErrStillInUse)
	require.True(t, g.Pending())

	g.ClearPending()
	require.False(t, g.Pending())
	require.NoError(t, g.Release())
}

func TestIdleEvidenceCoversPendingWork(t *testing.T) {
	g := Acquire("command buffer", nil)
	g.MarkPending()

	require.ErrorIs(t, g.Release(), errdefs.ErrStillInUse)
	require.NoError(t, g.Release(Idle("test idle wait")))
}

func TestHostOwnedEvidence(t *testing.T) {
	g := Acquire("descriptor layout", nil)
	require.NoError(t, g.Release(HostOwned))

	// HostOwned asserts the GPU never sees the handle; a guard with in-flight
	// work is not covered by it.
	inFlight := Acquire("command buffer", nil)
	inFlight.MarkPending()
	require.ErrorIs(t, inFlight.Release(HostOwned), errdefs.ErrStillInUse)

	inFlight.ClearPending()
	require.NoError(t, inFlight.Release(HostOwned))
}

func TestEvidenceDoesNotCoverDependents(t *testing.T) {
	device := Acquire("device", nil)
	Acquire("pool", nil, device)

	// Idle proves GPU quiescence, not that CPU-side owners are gone.
	require.ErrorIs(t, device.Release(Idle("test idle wait")), errdefs.ErrStillInUse)
}

func TestPendingUnderflowPanics(t *testing.T) {
	g := Acquire("buffer", nil)
	require.Panics(t, g.ClearPending)
}

func TestMarkPendingOnReleasedGuardPanics(t *testing.T) {
	g := Acquire("buffer", nil)
	require.NoError(t, g.Release())
	require.Panics(t, g.MarkPending)
}

func TestReleaseTree(t *testing.T) {
	var order []string
	destroy := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}

	device := Acquire("device", destroy("device"))
	pool := Acquire("pool", destroy("pool"), device)
	buffer := Acquire("buffer", destroy("buffer"), pool)

	// Each node releases before its dependencies, so destruction runs in
	// reverse acquisition order.
	require.NoError(t, buffer.ReleaseTree())
	require.Equal(t, []string{"buffer", "pool", "device"}, order)
	require.True(t, device.Released())
}

func TestReleaseTreeSkipsSharedDependencies(t *testing.T) {
	var order []string
	destroy := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}

	device := Acquire("device", destroy("device"))
	first := Acquire("first pool", destroy("first pool"), device)
	second := Acquire("second pool", destroy("second pool"), device)

	require.NoError(t, first.ReleaseTree())
	require.Equal(t, []string{"first pool"}, order)
	require.False(t, device.Released())

	require.NoError(t, second.ReleaseTree())
	require.Equal(t, []string{"first pool", "second pool", "device"}, order)
	require.True(t, device.Released())
}

func TestDestroyErrorPropagates(t *testing.T) {
	g := Acquire("swapchain", func() error {
		return errdefs.ErrSurfaceLost
	})

	err := g.Release()
	require.ErrorIs(t, err, errdefs.ErrSurfaceLost)

	// The guard is released even when its destroy action failed; the native
	// handle is gone either way.
	require.True(t, g.Released())
}
