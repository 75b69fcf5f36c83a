// Package driver defines the narrow seam between this module and the native
// graphics API. Every component above it consumes these interfaces, never the
// native binding directly, so the whole stack can run against the production
// Vulkan backend (driver/vkdriver) or an in-memory fake during tests.
//
// Implementations translate native result codes into the errdefs taxonomy;
// consumers branch with errors.Is and never see raw result values.
package driver

import (
	"time"
)

// Loader is the entry point into a backend: the process-wide context that
// knows how to create instances. There is no ambient global state; the loader
// is constructed explicitly and passed down.
type Loader interface {
	CreateInstance(info InstanceInfo) (Instance, error)
}

// InstanceInfo enumerates the recognized instance-level configuration.
type InstanceInfo struct {
	ApplicationName string
	// ValidationLayers enables the backend's diagnostic instrumentation.
	// Purely observational: behavior must not change when disabled.
	ValidationLayers bool
	// Extensions is the set of required instance capability strings.
	Extensions []string
}

type Instance interface {
	EnumeratePhysicalDevices() ([]PhysicalDevice, error)
	Destroy()
}

// DeviceType categorizes a physical device for selection ranking.
type DeviceType uint32

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeDiscrete
	DeviceTypeVirtual
	DeviceTypeCPU
)

type PhysicalDeviceProperties struct {
	Name string
	Type DeviceType
}

// QueueFamily describes one queue family on a physical device. Present
// support is surface-dependent and queried through SupportsSurface instead.
type QueueFamily struct {
	Graphics bool
	Transfer bool
	Count    int
}

// MemoryPropertyFlags categorize a memory type's visibility and performance
// properties.
type MemoryPropertyFlags uint32

const (
	MemoryDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
)

type MemoryType struct {
	HeapIndex int
	Flags     MemoryPropertyFlags
}

type MemoryHeap struct {
	Size int
}

// MemoryProperties describes the device's heap layout: a small number of
// heaps, each exposed through one or more memory types.
type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

type PhysicalDevice interface {
	Properties() PhysicalDeviceProperties
	QueueFamilies() []QueueFamily
	MemoryProperties() MemoryProperties
	// SupportedExtensions returns the set of device capability strings the
	// physical device can enable.
	SupportedExtensions() (map[string]struct{}, error)
	// SupportsSurface reports whether the given queue family can present to
	// the surface.
	SupportsSurface(family int, surface Surface) (bool, error)
	CreateDevice(info DeviceInfo) (Device, error)
}

// QueueCreate requests count queues from one family at device creation.
type QueueCreate struct {
	Family int
	Count  int
}

type DeviceInfo struct {
	Queues     []QueueCreate
	Extensions []string
}

// Device is an externally synchronized logical device handle. It is shared
// read-only by every component and owned by exactly one; the owner is the
// last to destroy it, after WaitIdle has confirmed the GPU is quiescent.
type Device interface {
	Queue(family, index int) Queue
	// AllocateMemory allocates one native memory block from the given memory
	// type. Failures surface errdefs.ErrOutOfDeviceMemory or
	// errdefs.ErrOutOfHostMemory and are never retried by the backend.
	AllocateMemory(typeIndex int, size int) (DeviceMemory, error)
	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateCommandPool(family int, individualReset bool) (CommandPool, error)
	CreateSwapchain(info SwapchainInfo) (Swapchain, error)
	// WaitIdle blocks until every queue on the device has no pending work.
	WaitIdle() error
	Destroy()
}

// DeviceMemory is one native allocation; the memory allocator sub-divides it.
type DeviceMemory interface {
	Size() int
	Free()
}

// Fence is a CPU-observable GPU completion signal.
type Fence interface {
	// Wait blocks until the fence signals or the timeout elapses
	// (errdefs.ErrTimeout). A negative timeout waits forever.
	Wait(timeout time.Duration) error
	// Status reports the signaled state without blocking.
	Status() (bool, error)
	Reset() error
	Destroy()
}

// Semaphore orders GPU work between queue submissions. It is never inspected
// from the controlling thread, only passed between submissions.
type Semaphore interface {
	Destroy()
}

// Command is one recorded operation. The payload is opaque to this module:
// pipeline and shader content is produced by external collaborators and
// handed through without parsing.
type Command struct {
	Name    string
	Payload []byte
}

type CommandPool interface {
	AllocateBuffers(count int) ([]CommandBuffer, error)
	// Reset returns every buffer allocated from the pool to its initial
	// state at once.
	Reset() error
	FreeBuffers(buffers []CommandBuffer)
	Destroy()
}

type CommandBuffer interface {
	Begin() error
	End() error
	Reset() error
}

// SubmitInfo is one batch handed to Queue.Submit. Within a queue, batches
// execute in submission order; across queues, only the semaphores order work.
type SubmitInfo struct {
	Buffers []CommandBuffer
	Wait    []Semaphore
	Signal  []Semaphore
}

// Queue is a native queue handle, shared non-owning across components and
// valid for as long as the owning device exists. The native handle is
// externally synchronized; the wrappers above this seam serialize access.
type Queue interface {
	Submit(info SubmitInfo, fence Fence) error
	WaitIdle() error
	Present(info PresentInfo) error
}

type PresentInfo struct {
	Swapchain  Swapchain
	ImageIndex int
	Wait       []Semaphore
}

// Surface is an opaque platform presentation surface, created by the
// windowing collaborator and passed in.
type Surface interface {
	Destroy()
}

type SwapchainInfo struct {
	Surface       Surface
	MinImageCount int
	Width         int
	Height        int
	// OldSwapchain, when non-nil, lets the backend recycle resources from a
	// stale swapchain during recreation. The old handle still must be
	// destroyed by the caller afterwards.
	OldSwapchain Swapchain
}

type Swapchain interface {
	// AcquireNextImage returns the index of the next presentable image. The
	// semaphore signals when the image is safe to render into. Returns
	// errdefs.ErrOutOfDate after a surface change and errdefs.ErrTimeout
	// when the presentation engine could not deliver an image in time.
	AcquireNextImage(timeout time.Duration, semaphore Semaphore, fence Fence) (int, error)
	ImageCount() int
	Destroy()
}
