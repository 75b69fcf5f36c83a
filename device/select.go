package device

import (
	"context"
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/command"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/memory"
	"github.com/tethergpu/tether/synctrack"
)

// QueueRole is one capability a context queue serves.
type QueueRole int

const (
	RoleGraphics QueueRole = iota
	RoleTransfer
	RolePresent
)

// SelectOptions configures device selection.
type SelectOptions struct {
	// RequiredExtensions must all be supported by the chosen device.
	RequiredExtensions []string
	// QueueRoles lists the roles the context must provide. Empty requests
	// graphics and transfer, plus present when Surface is set. A device
	// that cannot satisfy every requested role is unsuitable.
	QueueRoles []QueueRole
	// Surface, when non-nil, requires the chosen device to have a queue
	// family that can present to it and selects a present queue.
	Surface driver.Surface
	// AllocatorOptions configures the context's memory allocator.
	AllocatorOptions memory.CreateOptions
	// Rank overrides the default device ranking. Devices ranked below zero
	// are rejected. The default prefers discrete GPUs, then integrated.
	Rank func(driver.PhysicalDeviceProperties) int
}

func (o SelectOptions) roles() (graphics, transfer, present bool) {
	if len(o.QueueRoles) == 0 {
		return true, true, o.Surface != nil
	}
	for _, role := range o.QueueRoles {
		switch role {
		case RoleGraphics:
			graphics = true
		case RoleTransfer:
			transfer = true
		case RolePresent:
			present = true
		}
	}
	return graphics, transfer, present
}

func defaultRank(properties driver.PhysicalDeviceProperties) int {
	switch properties.Type {
	case driver.DeviceTypeDiscrete:
		return 1000
	case driver.DeviceTypeIntegrated:
		return 500
	case driver.DeviceTypeVirtual:
		return 250
	default:
		return 100
	}
}

// candidate is one physical device that passed every suitability check.
type candidate struct {
	physical driver.PhysicalDevice
	rank     int

	graphicsFamily int
	transferFamily int
	presentFamily  int
}

// SelectDevice picks the most suitable physical device, creates a logical
// device on it and wraps both in a Context. It fails with
// errdefs.ErrNoSuitableDevice when no device passes the checks, and with
// errdefs.ErrDeviceCreationFailed when logical device creation fails on the
// chosen one.
func (i *Instance) SelectDevice(options SelectOptions) (*Context, error) {
	_, _, wantPresent := options.roles()
	if wantPresent && options.Surface == nil {
		panic("the present queue role requires a surface")
	}

	physicalDevices, err := i.instance.EnumeratePhysicalDevices()
	if err != nil {
		return nil, cerrors.Wrap(err, "enumerating physical devices")
	}

	var best *candidate
	for _, physical := range physicalDevices {
		found, err := i.evaluate(physical, options)
		if err != nil {
			return nil, err
		}
		if found != nil && (best == nil || found.rank > best.rank) {
			best = found
		}
	}
	if best == nil {
		return nil, cerrors.Wrapf(errdefs.ErrNoSuitableDevice,
			"none of the %d physical devices meet the requirements", len(physicalDevices))
	}

	i.logger.LogAttrs(context.Background(), slog.LevelInfo, "selected physical device",
		slog.String("name", best.physical.Properties().Name),
		slog.Int("graphicsFamily", best.graphicsFamily),
		slog.Int("transferFamily", best.transferFamily),
		slog.Int("presentFamily", best.presentFamily),
	)

	return i.createContext(best, options)
}

// evaluate returns a ranked candidate, or nil when the device is unsuitable.
func (i *Instance) evaluate(physical driver.PhysicalDevice, options SelectOptions) (*candidate, error) {
	wantGraphics, wantTransfer, wantPresent := options.roles()

	properties := physical.Properties()

	supported, err := physical.SupportedExtensions()
	if err != nil {
		return nil, cerrors.Wrapf(err, "querying extensions of %s", properties.Name)
	}
	for _, name := range options.RequiredExtensions {
		if _, ok := supported[name]; !ok {
			return nil, nil
		}
	}

	families := physical.QueueFamilies()

	graphicsFamily := -1
	dedicatedTransfer := -1
	anyTransfer := -1
	for index, family := range families {
		if family.Count < 1 {
			continue
		}
		if family.Graphics && graphicsFamily < 0 {
			graphicsFamily = index
		}
		if family.Transfer && anyTransfer < 0 {
			anyTransfer = index
		}
		// A transfer-only family offloads copies without contending with
		// rendering; fall back to the graphics family otherwise.
		if family.Transfer && !family.Graphics && dedicatedTransfer < 0 {
			dedicatedTransfer = index
		}
	}
	if wantGraphics && graphicsFamily < 0 {
		return nil, nil
	}

	transferFamily := -1
	if wantTransfer {
		switch {
		case dedicatedTransfer >= 0:
			transferFamily = dedicatedTransfer
		case graphicsFamily >= 0:
			transferFamily = graphicsFamily
		default:
			transferFamily = anyTransfer
		}
		if transferFamily < 0 {
			return nil, nil
		}
	}
	if !wantGraphics {
		graphicsFamily = -1
	}

	presentFamily := -1
	if wantPresent {
		// Prefer presenting from the graphics family so most frames need no
		// cross-queue handoff.
		if graphicsFamily >= 0 {
			ok, err := physical.SupportsSurface(graphicsFamily, options.Surface)
			if err != nil {
				return nil, cerrors.Wrapf(err, "querying surface support on %s", properties.Name)
			}
			if ok {
				presentFamily = graphicsFamily
			}
		}
		if presentFamily < 0 {
			for index, family := range families {
				if family.Count < 1 {
					continue
				}
				ok, err := physical.SupportsSurface(index, options.Surface)
				if err != nil {
					return nil, cerrors.Wrapf(err, "querying surface support on %s", properties.Name)
				}
				if ok {
					presentFamily = index
					break
				}
			}
		}
		if presentFamily < 0 {
			return nil, nil
		}
	}

	rank := defaultRank(properties)
	if options.Rank != nil {
		rank = options.Rank(properties)
	}
	if rank < 0 {
		return nil, nil
	}

	return &candidate{
		physical:       physical,
		rank:           rank,
		graphicsFamily: graphicsFamily,
		transferFamily: transferFamily,
		presentFamily:  presentFamily,
	}, nil
}

func (i *Instance) createContext(chosen *candidate, options SelectOptions) (*Context, error) {
	families := map[int]struct{}{}
	for _, family := range []int{chosen.graphicsFamily, chosen.transferFamily, chosen.presentFamily} {
		if family >= 0 {
			families[family] = struct{}{}
		}
	}

	var queueCreates []driver.QueueCreate
	for family := range families {
		queueCreates = append(queueCreates, driver.QueueCreate{Family: family, Count: 1})
	}

	nativeDevice, err := chosen.physical.CreateDevice(driver.DeviceInfo{
		Queues:     queueCreates,
		Extensions: options.RequiredExtensions,
	})
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.Mark(err, errdefs.ErrDeviceCreationFailed),
			"creating a logical device on %s", chosen.physical.Properties().Name)
	}

	allocator, err := memory.New(i.logger, nativeDevice, chosen.physical.MemoryProperties(), options.AllocatorOptions)
	if err != nil {
		nativeDevice.Destroy()
		return nil, cerrors.Wrap(err, "creating the context allocator")
	}

	ctx := &Context{
		logger:    i.logger,
		physical:  chosen.physical,
		device:    nativeDevice,
		registry:  synctrack.NewRegistry(i.logger),
		allocator: allocator,
	}
	ctx.guard = guard.Acquire("device context", func() error {
		nativeDevice.Destroy()
		return nil
	}, i.guard)

	// Roles sharing a family share one Queue wrapper, so the external
	// synchronization requirement on the native handle holds.
	byFamily := map[int]*command.Queue{}
	wrap := func(family int) *command.Queue {
		if q, ok := byFamily[family]; ok {
			return q
		}
		q := command.NewQueue(nativeDevice.Queue(family, 0), family)
		byFamily[family] = q
		return q
	}

	if chosen.graphicsFamily >= 0 {
		ctx.graphics = wrap(chosen.graphicsFamily)
	}
	if chosen.transferFamily >= 0 {
		ctx.transfer = wrap(chosen.transferFamily)
	}
	if chosen.presentFamily >= 0 {
		ctx.present = wrap(chosen.presentFamily)
	}

	return ctx, nil
}
