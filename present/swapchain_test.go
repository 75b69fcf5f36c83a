package present

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tethergpu/tether/device"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/internal/mockdriver"
)

type testStack struct {
	loader   *mockdriver.Loader
	instance *device.Instance
	ctx      *device.Context
	surface  *mockdriver.Surface
}

func newStack(t *testing.T) *testStack {
	t.Helper()

	loader := mockdriver.NewLoader()
	instance, err := device.NewInstance(loader, device.InstanceOptions{ApplicationName: "present test"})
	require.NoError(t, err)

	surface := mockdriver.NewSurface(loader)
	ctx, err := instance.SelectDevice(device.SelectOptions{
		Surface:            surface,
		RequiredExtensions: []string{"VK_KHR_swapchain"},
	})
	require.NoError(t, err)

	return &testStack{loader: loader, instance: instance, ctx: ctx, surface: surface}
}

func (s *testStack) teardown(t *testing.T) {
	t.Helper()

	require.NoError(t, s.ctx.Destroy())
	s.surface.Destroy()
	require.NoError(t, s.instance.Destroy())
	require.Zero(t, s.loader.LiveHandles(), "leaked handles: %v", s.loader.LiveHandleKinds())
}

func TestAcquireAndPresent(t *testing.T) {
	stack := newStack(t)
	swapchain, err := NewSwapchain(stack.ctx, stack.surface, CreateOptions{Width: 800, Height: 600})
	require.NoError(t, err)
	require.Equal(t, StateValid, swapchain.State())
	require.Equal(t, 3, swapchain.ImageCount())

	seen := map[int]bool{}
	for frame := 0; frame < 3; frame++ {
		index, semaphore, err := swapchain.AcquireNextImage(time.Second)
		require.NoError(t, err)
		require.NotNil(t, semaphore)
		require.False(t, seen[index], "image %d acquired twice in one cycle", index)
		seen[index] = true

		require.NoError(t, swapchain.Present(index, semaphore))
	}

	require.NoError(t, swapchain.Destroy())
	stack.teardown(t)
}

func TestResizeInvalidatesSwapchain(t *testing.T) {
	stack := newStack(t)
	swapchain, err := NewSwapchain(stack.ctx, stack.surface, CreateOptions{Width: 800, Height: 600})
	require.NoError(t, err)

	index, semaphore, err := swapchain.AcquireNextImage(time.Second)
	require.NoError(t, err)

	stack.surface.Resize()

	// The already-acquired image can no longer be presented.
	err = swapchain.Present(index, semaphore)
	require.ErrorIs(t, err, errdefs.ErrOutOfDate)
	require.True(t, errdefs.IsRecoverable(err))
	require.Equal(t, StateStale, swapchain.State())

	// A stale swapchain refuses further work without touching the backend.
	_, _, err = swapchain.AcquireNextImage(time.Second)
	require.ErrorIs(t, err, errdefs.ErrOutOfDate)
	err = swapchain.Present(index, semaphore)
	require.ErrorIs(t, err, errdefs.ErrOutOfDate)

	swapchain.SetExtent(1024, 768)
	require.NoError(t, swapchain.Recreate())
	require.Equal(t, StateValid, swapchain.State())

	index, _, err = swapchain.AcquireNextImage(time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, index)

	require.NoError(t, swapchain.Destroy())
	stack.teardown(t)
}

func TestRecreateWhileValid(t *testing.T) {
	stack := newStack(t)
	swapchain, err := NewSwapchain(stack.ctx, stack.surface, CreateOptions{Width: 800, Height: 600})
	require.NoError(t, err)

	// Two successive recreations without an intervening surface change leave
	// the swapchain Valid with no leaked previous-generation handles.
	baseline := stack.loader.LiveHandles()
	require.NoError(t, swapchain.Recreate())
	require.NoError(t, swapchain.Recreate())
	require.Equal(t, StateValid, swapchain.State())
	require.Equal(t, baseline, stack.loader.LiveHandles())

	index, _, err := swapchain.AcquireNextImage(time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, index)

	require.NoError(t, swapchain.Destroy())
	stack.teardown(t)
}

func TestSurfaceLossIsFatal(t *testing.T) {
	stack := newStack(t)
	swapchain, err := NewSwapchain(stack.ctx, stack.surface, CreateOptions{Width: 800, Height: 600})
	require.NoError(t, err)

	stack.surface.Lose()

	_, _, err = swapchain.AcquireNextImage(time.Second)
	require.ErrorIs(t, err, errdefs.ErrSurfaceLost)
	require.True(t, errdefs.IsFatal(err))
	require.False(t, errdefs.IsRecoverable(err))

	// Recreation cannot bring a lost surface back.
	require.ErrorIs(t, swapchain.Recreate(), errdefs.ErrSurfaceLost)

	require.NoError(t, swapchain.Destroy())
	stack.teardown(t)
}

func TestDestroyedSwapchainRefusesWork(t *testing.T) {
	stack := newStack(t)
	swapchain, err := NewSwapchain(stack.ctx, stack.surface, CreateOptions{Width: 800, Height: 600})
	require.NoError(t, err)
	require.NoError(t, swapchain.Destroy())

	require.Equal(t, StateDestroyed, swapchain.State())
	_, _, err = swapchain.AcquireNextImage(time.Second)
	require.ErrorIs(t, err, errdefs.ErrInvalidState)
	require.ErrorIs(t, swapchain.Present(0), errdefs.ErrInvalidState)
	require.ErrorIs(t, swapchain.Recreate(), errdefs.ErrInvalidState)
	require.ErrorIs(t, swapchain.Destroy(), errdefs.ErrInvalidState)

	stack.teardown(t)
}

func TestSwapchainKeepsContextAlive(t *testing.T) {
	stack := newStack(t)
	swapchain, err := NewSwapchain(stack.ctx, stack.surface, CreateOptions{Width: 800, Height: 600})
	require.NoError(t, err)

	require.ErrorIs(t, stack.ctx.Destroy(), errdefs.ErrStillInUse)

	require.NoError(t, swapchain.Destroy())
	stack.teardown(t)
}
