package memory

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tethergpu/tether/driver"
)

// Allocation is a single region of device memory handed out by an Allocator.
// It either occupies a sub-range of a shared block or owns a dedicated native
// allocation outright. Allocations are freed exactly once through Free.
type Allocation struct {
	allocator *Allocator

	name     string
	userData any

	memoryTypeIndex int
	size            int

	// Block placement. Nil block means the allocation is dedicated.
	block  *deviceBlock
	offset int

	// Dedicated placement, plus intrusive list links for the registry of
	// dedicated allocations on this memory type.
	dedicatedMemory driver.DeviceMemory
	next, prev      *Allocation

	freed bool
}

// Size returns the requested size of this allocation in bytes.
func (a *Allocation) Size() int { return a.size }

// Offset returns the allocation's byte offset within its backing native
// memory. Dedicated allocations always sit at offset 0.
func (a *Allocation) Offset() int { return a.offset }

// MemoryTypeIndex returns the index of the memory type the allocation was
// placed in.
func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }

// IsDedicated reports whether this allocation owns its own native memory
// rather than sharing a block.
func (a *Allocation) IsDedicated() bool { return a.block == nil }

// Memory returns the native memory handle backing this allocation. For block
// allocations the handle is shared with other allocations; consumers must
// combine it with Offset.
func (a *Allocation) Memory() driver.DeviceMemory {
	if a.block != nil {
		return a.block.memory
	}
	return a.dedicatedMemory
}

func (a *Allocation) Name() string         { return a.name }
func (a *Allocation) SetName(name string)  { a.name = name }
func (a *Allocation) UserData() any        { return a.userData }
func (a *Allocation) SetUserData(data any) { a.userData = data }

// Free returns this allocation's memory to the allocator. Freeing an
// allocation twice is a programming error and panics.
func (a *Allocation) Free() error {
	if a.freed {
		panic("attempted to free an allocation that has already been freed")
	}
	return a.allocator.freeAllocation(a)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Size").Int(a.size)
	json.Name("MemoryType").Int(a.memoryTypeIndex)
	if a.block != nil {
		json.Name("Offset").Int(a.offset)
	} else {
		json.Name("Dedicated").Bool(true)
	}
	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
