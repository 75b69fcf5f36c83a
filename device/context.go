package device

import (
	"log/slog"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/command"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/memory"
	"github.com/tethergpu/tether/synctrack"
)

// drainTimeout bounds each fence wait during teardown. The device is already
// idle when the drain runs, so expiry indicates a driver fault rather than
// slow work.
const drainTimeout = 10 * time.Second

// Context owns one logical device and everything created from it: the queue
// wrappers, the memory allocator, the synchronization registry and the guard
// tree that orders destruction. Child objects (pools, swapchains, allocations)
// must be destroyed before the context.
type Context struct {
	logger   *slog.Logger
	physical driver.PhysicalDevice
	device   driver.Device

	registry  *synctrack.Registry
	allocator *memory.Allocator
	guard     *guard.Guard

	graphics *command.Queue
	transfer *command.Queue
	present  *command.Queue
}

// Device exposes the native device for backends that need direct access,
// such as the swapchain manager. The context retains ownership.
func (c *Context) Device() driver.Device { return c.device }

// PhysicalDevice returns the physical device the context was created on.
func (c *Context) PhysicalDevice() driver.PhysicalDevice { return c.physical }

// GraphicsQueue returns the rendering queue, or nil when the role was not
// requested at selection.
func (c *Context) GraphicsQueue() *command.Queue { return c.graphics }

// TransferQueue returns the copy queue, or nil when the role was not
// requested. It may be the same wrapper as GraphicsQueue when the device has
// no dedicated transfer family.
func (c *Context) TransferQueue() *command.Queue { return c.transfer }

// PresentQueue returns the presentation queue, or nil when the context was
// selected without a surface. It may alias GraphicsQueue.
func (c *Context) PresentQueue() *command.Queue { return c.present }

// Allocator returns the context's memory allocator.
func (c *Context) Allocator() *memory.Allocator { return c.allocator }

// Registry returns the context's synchronization registry.
func (c *Context) Registry() *synctrack.Registry { return c.registry }

// Guard returns the context's lifetime guard; child objects depend on it.
func (c *Context) Guard() *guard.Guard { return c.guard }

// NewCommandPool creates a command pool owned by this context.
func (c *Context) NewCommandPool(options command.PoolOptions) (*command.Pool, error) {
	if c.guard.Released() {
		return nil, cerrors.Wrap(errdefs.ErrInvalidState, "the device context has been destroyed")
	}
	return command.NewPool(c.device, c.registry, c.guard, options)
}

// Destroy tears the context down: wait for the device to go idle, drain the
// synchronization registry, destroy the allocator's blocks, then the device.
// It fails with errdefs.ErrStillInUse while child objects or unfreed
// allocations remain, and with errdefs.ErrInvalidState when called twice.
// A refused Destroy leaves the context intact and can be retried.
func (c *Context) Destroy() error {
	if c.guard.Released() {
		return cerrors.Wrap(errdefs.ErrInvalidState, "the device context has already been destroyed")
	}

	err := c.device.WaitIdle()
	if err != nil {
		// ErrDeviceLost propagates; nothing was torn down, the handles are
		// still valid to leak-audit or retry.
		return cerrors.Wrap(err, "waiting for the device before teardown")
	}

	err = c.registry.WaitAll(drainTimeout)
	if err != nil {
		return cerrors.Wrap(err, "draining the synchronization registry")
	}

	err = c.allocator.Destroy()
	if err != nil {
		return cerrors.Wrap(err, "destroying the context allocator")
	}

	return c.guard.Release(guard.Idle("context teardown idle wait"))
}
