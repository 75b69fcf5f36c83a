package device

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tethergpu/tether/command"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/internal/mockdriver"
	"github.com/tethergpu/tether/memory"
)

func integratedDevice() mockdriver.DeviceConfig {
	config := mockdriver.DefaultDevice()
	config.Name = "mock integrated gpu"
	config.Type = driver.DeviceTypeIntegrated
	return config
}

func newTestInstance(t *testing.T, loader *mockdriver.Loader) *Instance {
	t.Helper()

	instance, err := NewInstance(loader, InstanceOptions{ApplicationName: "device test"})
	require.NoError(t, err)
	return instance
}

func TestSelectPrefersDiscrete(t *testing.T) {
	loader := mockdriver.NewLoader(integratedDevice(), mockdriver.DefaultDevice())
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "mock discrete gpu", ctx.PhysicalDevice().Properties().Name)

	require.NoError(t, ctx.Destroy())
	require.NoError(t, instance.Destroy())
	require.Zero(t, loader.LiveHandles())
}

func TestSelectRankOverride(t *testing.T) {
	loader := mockdriver.NewLoader(integratedDevice(), mockdriver.DefaultDevice())
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{
		Rank: func(properties driver.PhysicalDeviceProperties) int {
			if properties.Type == driver.DeviceTypeIntegrated {
				return 1
			}
			return -1
		},
	})
	require.NoError(t, err)
	require.Equal(t, "mock integrated gpu", ctx.PhysicalDevice().Properties().Name)

	require.NoError(t, ctx.Destroy())
	require.NoError(t, instance.Destroy())
}

func TestSelectNoSuitableDevice(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	_, err := instance.SelectDevice(SelectOptions{
		RequiredExtensions: []string{"VK_EXT_does_not_exist"},
	})
	require.ErrorIs(t, err, errdefs.ErrNoSuitableDevice)

	require.NoError(t, instance.Destroy())
}

func TestQueueRoles(t *testing.T) {
	// The default config has a dedicated transfer family.
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{})
	require.NoError(t, err)
	require.NotSame(t, ctx.GraphicsQueue(), ctx.TransferQueue())
	require.Equal(t, 0, ctx.GraphicsQueue().Family())
	require.Equal(t, 1, ctx.TransferQueue().Family())
	require.Nil(t, ctx.PresentQueue())
	require.NoError(t, ctx.Destroy())

	// A single combined family serves every role through one wrapper.
	combined := mockdriver.DefaultDevice()
	combined.QueueFamilies = []driver.QueueFamily{{Graphics: true, Transfer: true, Count: 1}}
	loader = mockdriver.NewLoader(combined)
	instance = newTestInstance(t, loader)

	surface := mockdriver.NewSurface(loader)
	ctx, err = instance.SelectDevice(SelectOptions{Surface: surface})
	require.NoError(t, err)
	require.Same(t, ctx.GraphicsQueue(), ctx.TransferQueue())
	require.Same(t, ctx.GraphicsQueue(), ctx.PresentQueue())

	require.NoError(t, ctx.Destroy())
	surface.Destroy()
	require.NoError(t, instance.Destroy())
	require.Zero(t, loader.LiveHandles())
}

func TestSelectQueueRoleSubset(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{
		QueueRoles: []QueueRole{RoleTransfer},
	})
	require.NoError(t, err)
	require.Nil(t, ctx.GraphicsQueue())
	require.Nil(t, ctx.PresentQueue())
	require.NotNil(t, ctx.TransferQueue())
	require.Equal(t, 1, ctx.TransferQueue().Family())

	require.NoError(t, ctx.Destroy())
	require.NoError(t, instance.Destroy())
	require.Zero(t, loader.LiveHandles())
}

func TestSelectPresentRoleRequiresSurface(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	require.Panics(t, func() {
		_, _ = instance.SelectDevice(SelectOptions{
			QueueRoles: []QueueRole{RoleGraphics, RolePresent},
		})
	})

	require.NoError(t, instance.Destroy())
}

func TestSelectRequiresPresentSupport(t *testing.T) {
	config := mockdriver.DefaultDevice()
	config.PresentFamilies = []int{}
	loader := mockdriver.NewLoader(config)
	instance := newTestInstance(t, loader)

	surface := mockdriver.NewSurface(loader)
	_, err := instance.SelectDevice(SelectOptions{Surface: surface})
	require.ErrorIs(t, err, errdefs.ErrNoSuitableDevice)

	surface.Destroy()
	require.NoError(t, instance.Destroy())
}

func TestDestroyRefusedWithLivePool(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{})
	require.NoError(t, err)

	pool, err := ctx.NewCommandPool(command.PoolOptions{})
	require.NoError(t, err)

	require.ErrorIs(t, ctx.Destroy(), errdefs.ErrStillInUse)

	require.NoError(t, pool.Destroy())
	require.NoError(t, ctx.Destroy())
	require.NoError(t, instance.Destroy())
	require.Zero(t, loader.LiveHandles())
}

func TestDestroyRefusedWithLiveAllocation(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{})
	require.NoError(t, err)

	alloc, err := ctx.Allocator().Allocate(memory.Request{Size: 4096, Name: "leaked"})
	require.NoError(t, err)

	require.ErrorIs(t, ctx.Destroy(), errdefs.ErrStillInUse)

	require.NoError(t, alloc.Free())
	require.NoError(t, ctx.Destroy())
	require.NoError(t, instance.Destroy())
	require.Zero(t, loader.LiveHandles())
}

func TestDestroyedContextRejectsChildren(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{})
	require.NoError(t, err)
	require.NoError(t, ctx.Destroy())

	require.ErrorIs(t, ctx.Destroy(), errdefs.ErrInvalidState)

	_, err = ctx.NewCommandPool(command.PoolOptions{})
	require.ErrorIs(t, err, errdefs.ErrInvalidState)

	require.NoError(t, instance.Destroy())
}

func TestInstanceOutlivesContext(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{})
	require.NoError(t, err)

	require.ErrorIs(t, instance.Destroy(), errdefs.ErrStillInUse)

	require.NoError(t, ctx.Destroy())
	require.NoError(t, instance.Destroy())
}

func TestDestroySurfacesDeviceLoss(t *testing.T) {
	loader := mockdriver.NewLoader()
	instance := newTestInstance(t, loader)

	ctx, err := instance.SelectDevice(SelectOptions{})
	require.NoError(t, err)

	ctx.Device().(*mockdriver.Device).LoseDevice()
	require.ErrorIs(t, ctx.Destroy(), errdefs.ErrDeviceLost)
	require.True(t, errdefs.IsFatal(errdefs.ErrDeviceLost))
}
