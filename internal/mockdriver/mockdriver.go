// Package mockdriver is an in-memory driver backend for tests. It enforces
// the same ordering and lifetime rules the native API documents, tracks every
// live handle, and exposes control knobs (manual fence signaling, surface
// invalidation, heap exhaustion) that tests use to script failure modes.
package mockdriver

import (
	"github.com/pkg/errors"
	"github.com/tethergpu/tether/driver"
)

// DeviceConfig describes one physical device the mock loader advertises.
type DeviceConfig struct {
	Name          string
	Type          driver.DeviceType
	QueueFamilies []driver.QueueFamily
	Extensions    []string
	Memory        driver.MemoryProperties
	// PresentFamilies lists the queue family indices that can present to any
	// surface. Nil means every graphics family can.
	PresentFamilies []int
}

// DefaultDevice returns the config most tests want: one discrete GPU with a
// combined graphics/transfer family, a dedicated transfer family, a 1GiB
// device-local heap and a 256MiB host-visible heap.
func DefaultDevice() DeviceConfig {
	return DeviceConfig{
		Name: "mock discrete gpu",
		Type: driver.DeviceTypeDiscrete,
		QueueFamilies: []driver.QueueFamily{
			{Graphics: true, Transfer: true, Count: 4},
			{Transfer: true, Count: 2},
		},
		Extensions: []string{"VK_KHR_swapchain"},
		Memory: driver.MemoryProperties{
			Heaps: []driver.MemoryHeap{
				{Size: 1024 * 1024 * 1024},
				{Size: 256 * 1024 * 1024},
			},
			Types: []driver.MemoryType{
				{HeapIndex: 0, Flags: driver.MemoryDeviceLocal},
				{HeapIndex: 1, Flags: driver.MemoryHostVisible | driver.MemoryHostCoherent},
			},
		},
	}
}

// Loader is the mock entry point. The zero value is not usable; construct it
// with NewLoader.
type Loader struct {
	configs []DeviceConfig
	handles *handleTracker

	// AutoSignalSubmits makes every fence passed to Queue.Submit signal
	// immediately, for tests that do not script completion order themselves.
	AutoSignalSubmits bool
}

// NewLoader builds a loader advertising the given physical devices, or a
// single DefaultDevice when none are given.
func NewLoader(configs ...DeviceConfig) *Loader {
	if len(configs) == 0 {
		configs = []DeviceConfig{DefaultDevice()}
	}
	return &Loader{
		configs: configs,
		handles: newHandleTracker(),
	}
}

// LiveHandles returns the number of handles created through this loader that
// have not been destroyed.
func (l *Loader) LiveHandles() int { return l.handles.total() }

// LiveHandleKinds returns the per-kind live handle counts, for diagnosing
// which handle leaked.
func (l *Loader) LiveHandleKinds() map[string]int { return l.handles.snapshot() }

func (l *Loader) CreateInstance(info driver.InstanceInfo) (driver.Instance, error) {
	l.handles.created("instance")
	return &Instance{loader: l}, nil
}

type Instance struct {
	loader    *Loader
	destroyed bool
}

func (i *Instance) EnumeratePhysicalDevices() ([]driver.PhysicalDevice, error) {
	if i.destroyed {
		panic("enumerating physical devices on a destroyed instance")
	}

	devices := make([]driver.PhysicalDevice, len(i.loader.configs))
	for index, config := range i.loader.configs {
		devices[index] = &PhysicalDevice{loader: i.loader, config: config}
	}
	return devices, nil
}

func (i *Instance) Destroy() {
	if i.destroyed {
		panic("instance destroyed twice")
	}
	i.destroyed = true
	i.loader.handles.destroyed("instance")
}

type PhysicalDevice struct {
	loader *Loader
	config DeviceConfig
}

func (d *PhysicalDevice) Properties() driver.PhysicalDeviceProperties {
	return driver.PhysicalDeviceProperties{
		Name: d.config.Name,
		Type: d.config.Type,
	}
}

func (d *PhysicalDevice) QueueFamilies() []driver.QueueFamily {
	return d.config.QueueFamilies
}

func (d *PhysicalDevice) MemoryProperties() driver.MemoryProperties {
	return d.config.Memory
}

func (d *PhysicalDevice) SupportedExtensions() (map[string]struct{}, error) {
	supported := make(map[string]struct{}, len(d.config.Extensions))
	for _, name := range d.config.Extensions {
		supported[name] = struct{}{}
	}
	return supported, nil
}

func (d *PhysicalDevice) SupportsSurface(family int, surface driver.Surface) (bool, error) {
	if family < 0 || family >= len(d.config.QueueFamilies) {
		panic("queried surface support for a queue family index that does not exist")
	}

	if d.config.PresentFamilies == nil {
		return d.config.QueueFamilies[family].Graphics, nil
	}
	for _, present := range d.config.PresentFamilies {
		if present == family {
			return true, nil
		}
	}
	return false, nil
}

func (d *PhysicalDevice) CreateDevice(info driver.DeviceInfo) (driver.Device, error) {
	supported, _ := d.SupportedExtensions()
	for _, name := range info.Extensions {
		if _, ok := supported[name]; !ok {
			return nil, errors.Errorf("device extension %s is not supported by %s", name, d.config.Name)
		}
	}

	for _, queues := range info.Queues {
		if queues.Family < 0 || queues.Family >= len(d.config.QueueFamilies) {
			return nil, errors.Errorf("queue family %d does not exist on %s", queues.Family, d.config.Name)
		}
		if queues.Count > d.config.QueueFamilies[queues.Family].Count {
			return nil, errors.Errorf("queue family %d has %d queues but %d were requested",
				queues.Family, d.config.QueueFamilies[queues.Family].Count, queues.Count)
		}
	}

	d.loader.handles.created("device")
	dev := &Device{
		loader:   d.loader,
		config:   d.config,
		queues:   map[int][]*Queue{},
		heapUsed: make([]int, len(d.config.Memory.Heaps)),
	}
	for _, queues := range info.Queues {
		for index := 0; index < queues.Count; index++ {
			dev.queues[queues.Family] = append(dev.queues[queues.Family], &Queue{device: dev})
		}
	}
	return dev, nil
}
