package vkdriver

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_portability_subset"
)

// PhysicalDevice wraps one enumerated GPU.
type PhysicalDevice struct {
	physical   core1_0.PhysicalDevice
	properties *core1_0.PhysicalDeviceProperties
	logger     *slog.Logger
}

func deviceType(nativeType core1_0.PhysicalDeviceType) driver.DeviceType {
	switch nativeType {
	case core1_0.PhysicalDeviceTypeDiscreteGPU:
		return driver.DeviceTypeDiscrete
	case core1_0.PhysicalDeviceTypeIntegratedGPU:
		return driver.DeviceTypeIntegrated
	case core1_0.PhysicalDeviceTypeVirtualGPU:
		return driver.DeviceTypeVirtual
	case core1_0.PhysicalDeviceTypeCPU:
		return driver.DeviceTypeCPU
	}
	return driver.DeviceTypeOther
}

func (d *PhysicalDevice) Properties() driver.PhysicalDeviceProperties {
	return driver.PhysicalDeviceProperties{
		Name: d.properties.DriverName,
		Type: deviceType(d.properties.DriverType),
	}
}

func (d *PhysicalDevice) QueueFamilies() []driver.QueueFamily {
	families := d.physical.QueueFamilyProperties()

	out := make([]driver.QueueFamily, len(families))
	for index, family := range families {
		// Graphics and compute queues implicitly support transfer even when
		// the transfer bit is not advertised.
		transferFlags := core1_0.QueueTransfer | core1_0.QueueGraphics | core1_0.QueueCompute
		out[index] = driver.QueueFamily{
			Graphics: family.QueueFlags&core1_0.QueueGraphics != 0,
			Transfer: family.QueueFlags&transferFlags != 0,
			Count:    family.QueueCount,
		}
	}
	return out
}

func (d *PhysicalDevice) MemoryProperties() driver.MemoryProperties {
	nativeProperties := d.physical.MemoryProperties()

	properties := driver.MemoryProperties{
		Types: make([]driver.MemoryType, len(nativeProperties.MemoryTypes)),
		Heaps: make([]driver.MemoryHeap, len(nativeProperties.MemoryHeaps)),
	}
	for index, memoryType := range nativeProperties.MemoryTypes {
		var flags driver.MemoryPropertyFlags
		if memoryType.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0 {
			flags |= driver.MemoryDeviceLocal
		}
		if memoryType.PropertyFlags&core1_0.MemoryPropertyHostVisible != 0 {
			flags |= driver.MemoryHostVisible
		}
		if memoryType.PropertyFlags&core1_0.MemoryPropertyHostCoherent != 0 {
			flags |= driver.MemoryHostCoherent
		}
		properties.Types[index] = driver.MemoryType{
			HeapIndex: memoryType.HeapIndex,
			Flags:     flags,
		}
	}
	for index, heap := range nativeProperties.MemoryHeaps {
		properties.Heaps[index] = driver.MemoryHeap{Size: heap.Size}
	}
	return properties
}

func (d *PhysicalDevice) SupportedExtensions() (map[string]struct{}, error) {
	extensions, _, err := d.physical.EnumerateDeviceExtensionProperties()
	if err != nil {
		return nil, cerrors.Wrap(err, "enumerating device extensions")
	}

	out := make(map[string]struct{}, len(extensions))
	for name := range extensions {
		out[name] = struct{}{}
	}
	return out, nil
}

func (d *PhysicalDevice) SupportsSurface(family int, surface driver.Surface) (bool, error) {
	wrapped, ok := surface.(*Surface)
	if !ok {
		panic("the vulkan backend only accepts surfaces wrapped by this package")
	}

	supported, _, err := wrapped.surface.PhysicalDeviceSurfaceSupport(d.physical, family)
	if err != nil {
		return false, cerrors.Wrap(err, "querying surface support")
	}
	return supported, nil
}

func (d *PhysicalDevice) CreateDevice(info driver.DeviceInfo) (driver.Device, error) {
	var queueCreateInfos []core1_0.DeviceQueueCreateInfo
	for _, queues := range info.Queues {
		priorities := make([]float32, queues.Count)
		for i := range priorities {
			priorities[i] = 1.0
		}
		queueCreateInfos = append(queueCreateInfos, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queues.Family,
			QueuePriorities:  priorities,
		})
	}

	extensionNames := append([]string{}, info.Extensions...)

	// Required on portability drivers (MoltenVK and friends) whenever
	// advertised.
	supported, err := d.SupportedExtensions()
	if err != nil {
		return nil, err
	}
	if _, ok := supported[khr_portability_subset.ExtensionName]; ok {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	device, _, err := d.physical.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueCreateInfos,
		EnabledExtensionNames: extensionNames,
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "creating the logical device")
	}

	return &Device{
		device:   device,
		physical: d.physical,
		logger:   d.logger,
	}, nil
}
