package mockdriver

import (
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
)

// Device is the mock logical device. Its control knobs (LoseDevice, ForceOOM)
// let tests script the failure modes a real GPU produces asynchronously.
type Device struct {
	loader *Loader
	config DeviceConfig

	mu        sync.Mutex
	queues    map[int][]*Queue
	heapUsed  []int
	pending   []*Fence
	forceOOM  bool
	lost      bool
	destroyed bool
}

// ForceOOM makes every subsequent AllocateMemory call fail with
// errdefs.ErrOutOfDeviceMemory until called again with false.
func (d *Device) ForceOOM(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceOOM = enabled
}

// LoseDevice makes subsequent WaitIdle calls fail with errdefs.ErrDeviceLost.
func (d *Device) LoseDevice() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
}

// HeapUsed returns the number of bytes currently allocated from the given
// heap.
func (d *Device) HeapUsed(heapIndex int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heapUsed[heapIndex]
}

func (d *Device) Queue(family, index int) driver.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()

	queues := d.queues[family]
	if index < 0 || index >= len(queues) {
		panic("requested a queue that was not created with the device")
	}
	return queues[index]
}

func (d *Device) AllocateMemory(typeIndex int, size int) (driver.DeviceMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		panic("allocating memory from a destroyed device")
	}
	if typeIndex < 0 || typeIndex >= len(d.config.Memory.Types) {
		panic("allocating memory from a memory type index that does not exist")
	}
	if size <= 0 {
		panic("native memory allocations must have a positive size")
	}

	heapIndex := d.config.Memory.Types[typeIndex].HeapIndex
	if d.forceOOM || d.heapUsed[heapIndex]+size > d.config.Memory.Heaps[heapIndex].Size {
		return nil, cerrors.Wrapf(errdefs.ErrOutOfDeviceMemory,
			"heap %d has %d of %d bytes in use",
			heapIndex, d.heapUsed[heapIndex], d.config.Memory.Heaps[heapIndex].Size)
	}

	d.heapUsed[heapIndex] += size
	d.loader.handles.created("deviceMemory")
	return &DeviceMemory{device: d, heapIndex: heapIndex, size: size}, nil
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	d.loader.handles.created("fence")
	fence := &Fence{device: d, done: make(chan struct{})}
	if signaled {
		close(fence.done)
		fence.signaled = true
	}
	return fence, nil
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	d.loader.handles.created("semaphore")
	return &Semaphore{device: d}, nil
}

func (d *Device) CreateCommandPool(family int, individualReset bool) (driver.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.queues[family]; !ok {
		panic("creating a command pool for a queue family the device was not created with")
	}

	d.loader.handles.created("commandPool")
	return &CommandPool{device: d, individualReset: individualReset}, nil
}

func (d *Device) CreateSwapchain(info driver.SwapchainInfo) (driver.Swapchain, error) {
	surface, ok := info.Surface.(*Surface)
	if !ok {
		panic("the mock backend only accepts surfaces it created")
	}

	surface.mu.Lock()
	lost := surface.lost
	generation := surface.generation
	surface.mu.Unlock()
	if lost {
		return nil, cerrors.Wrap(errdefs.ErrSurfaceLost, "creating a swapchain")
	}

	imageCount := info.MinImageCount
	if imageCount < 3 {
		imageCount = 3
	}

	d.loader.handles.created("swapchain")
	return &Swapchain{
		device:     d,
		surface:    surface,
		generation: generation,
		imageCount: imageCount,
	}, nil
}

// WaitIdle signals every fence submitted to any of the device's queues, since
// a quiescent GPU has retired all work.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return cerrors.Wrap(errdefs.ErrDeviceLost, "waiting for device idle")
	}
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, fence := range pending {
		fence.Signal()
	}
	return nil
}

func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		panic("device destroyed twice")
	}
	d.destroyed = true
	d.loader.handles.destroyed("device")
}

func (d *Device) submitted(fence *Fence) {
	if fence == nil {
		return
	}

	d.mu.Lock()
	d.pending = append(d.pending, fence)
	d.mu.Unlock()

	if d.loader.AutoSignalSubmits {
		fence.Signal()
	}
}

// DeviceMemory is one native allocation from a mock heap.
type DeviceMemory struct {
	device    *Device
	heapIndex int
	size      int
	freed     bool
}

func (m *DeviceMemory) Size() int { return m.size }

func (m *DeviceMemory) Free() {
	if m.freed {
		panic("device memory freed twice")
	}
	m.freed = true

	m.device.mu.Lock()
	m.device.heapUsed[m.heapIndex] -= m.size
	m.device.mu.Unlock()

	m.device.loader.handles.destroyed("deviceMemory")
}
