package vkdriver

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// Device wraps a native logical device.
type Device struct {
	device   core1_0.Device
	physical core1_0.PhysicalDevice
	logger   *slog.Logger

	swapchainExtension khr_swapchain.Extension
}

// Raw exposes the native device for collaborators that record real GPU
// commands. The wrapper retains ownership.
func (d *Device) Raw() core1_0.Device { return d.device }

func (d *Device) swapchainExt() khr_swapchain.Extension {
	if d.swapchainExtension == nil {
		d.swapchainExtension = khr_swapchain.CreateExtensionFromDevice(d.device)
	}
	return d.swapchainExtension
}

func (d *Device) Queue(family, index int) driver.Queue {
	return &Queue{
		queue:  d.device.GetQueue(family, index),
		device: d,
	}
}

func (d *Device) AllocateMemory(typeIndex int, size int) (driver.DeviceMemory, error) {
	memory, res, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: typeIndex,
	})
	if err != nil {
		return nil, wrapResult(res, err)
	}

	return &DeviceMemory{memory: memory, size: size}, nil
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	createInfo := core1_0.FenceCreateInfo{}
	if signaled {
		createInfo.Flags = core1_0.FenceCreateSignaled
	}

	fence, res, err := d.device.CreateFence(nil, createInfo)
	if err != nil {
		return nil, wrapResult(res, err)
	}
	return &Fence{fence: fence}, nil
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	semaphore, res, err := d.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, wrapResult(res, err)
	}
	return &Semaphore{semaphore: semaphore}, nil
}

func (d *Device) CreateCommandPool(family int, individualReset bool) (driver.CommandPool, error) {
	createInfo := core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: family,
	}
	if individualReset {
		createInfo.Flags = core1_0.CommandPoolCreateResetBuffer
	}

	pool, res, err := d.device.CreateCommandPool(nil, createInfo)
	if err != nil {
		return nil, wrapResult(res, err)
	}
	return &CommandPool{pool: pool, device: d}, nil
}

func (d *Device) WaitIdle() error {
	res, err := d.device.WaitIdle()
	return wrapResult(res, err)
}

func (d *Device) Destroy() {
	d.device.Destroy(nil)
}

// DeviceMemory wraps one native allocation.
type DeviceMemory struct {
	memory core1_0.DeviceMemory
	size   int
}

// Raw exposes the native memory handle for binding buffers and images.
func (m *DeviceMemory) Raw() core1_0.DeviceMemory { return m.memory }

func (m *DeviceMemory) Size() int { return m.size }

func (m *DeviceMemory) Free() {
	m.memory.Free(nil)
}

// rawCommandBuffers unwraps a batch for submission.
func rawCommandBuffers(buffers []driver.CommandBuffer) []core1_0.CommandBuffer {
	out := make([]core1_0.CommandBuffer, len(buffers))
	for i, buffer := range buffers {
		out[i] = buffer.(*CommandBuffer).buffer
	}
	return out
}

func rawSemaphores(semaphores []driver.Semaphore) []core1_0.Semaphore {
	if len(semaphores) == 0 {
		return nil
	}
	out := make([]core1_0.Semaphore, len(semaphores))
	for i, semaphore := range semaphores {
		out[i] = semaphore.(*Semaphore).semaphore
	}
	return out
}

// Queue wraps a native queue. Synchronization of concurrent submitters is the
// caller's responsibility, matching the native external-synchronization rule.
type Queue struct {
	queue  core1_0.Queue
	device *Device
}

func (q *Queue) Submit(info driver.SubmitInfo, fence driver.Fence) error {
	var nativeFence core1_0.Fence
	if fence != nil {
		nativeFence = fence.(*Fence).fence
	}

	waits := rawSemaphores(info.Wait)

	// Without knowledge of the recorded workload, every wait gates the whole
	// batch.
	waitStages := make([]core1_0.PipelineStageFlags, len(waits))
	for i := range waitStages {
		waitStages[i] = core1_0.PipelineStageAllCommands
	}

	res, err := q.queue.Submit(nativeFence, []core1_0.SubmitInfo{
		{
			CommandBuffers:   rawCommandBuffers(info.Buffers),
			WaitSemaphores:   waits,
			WaitDstStageMask: waitStages,
			SignalSemaphores: rawSemaphores(info.Signal),
		},
	})
	if err != nil {
		return cerrors.Wrap(wrapResult(res, err), "submitting to the queue")
	}
	return nil
}

func (q *Queue) WaitIdle() error {
	res, err := q.queue.WaitIdle()
	return wrapResult(res, err)
}

func (q *Queue) Present(info driver.PresentInfo) error {
	swapchain, ok := info.Swapchain.(*Swapchain)
	if !ok {
		panic("the vulkan backend only accepts swapchains it created")
	}

	res, err := q.device.swapchainExt().QueuePresent(q.queue, khr_swapchain.PresentInfo{
		WaitSemaphores: rawSemaphores(info.Wait),
		Swapchains:     []khr_swapchain.Swapchain{swapchain.swapchain},
		ImageIndices:   []int{info.ImageIndex},
	})
	// A suboptimal present succeeded, but the swapchain no longer matches
	// the surface; report out-of-date so the caller recreates.
	if err == nil && res == khr_swapchain.VKSuboptimal {
		return cerrors.Wrap(errdefs.ErrOutOfDate, "the swapchain is suboptimal for the surface")
	}
	return wrapResult(res, err)
}
