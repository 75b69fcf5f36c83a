// Package memory implements sub-allocation of device memory. Native memory
// is reserved in large blocks, one list of blocks per memory type, and
// individual requests are carved out of them first-fit. Requests above the
// dedicated threshold bypass the block lists and receive their own native
// allocation.
package memory

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/internal/utils"
	"github.com/tethergpu/tether/memutils"
)

// DefaultBlockSize is the preferred size of shared memory blocks when
// CreateOptions does not override it.
const DefaultBlockSize = 64 * 1024 * 1024

// UsageHint broadly describes how an allocation will be accessed, steering
// memory type selection.
type UsageHint uint32

const (
	// UsageUnknown applies no property requirements beyond the type mask.
	UsageUnknown UsageHint = iota
	// UsageGPUOnly prefers device-local memory.
	UsageGPUOnly
	// UsageHostVisible requires memory the host can map coherently.
	UsageHostVisible
)

func (h UsageHint) String() string {
	switch h {
	case UsageUnknown:
		return "UsageUnknown"
	case UsageGPUOnly:
		return "UsageGPUOnly"
	case UsageHostVisible:
		return "UsageHostVisible"
	}
	return "unknown usage"
}

// Request describes one allocation.
type Request struct {
	// Size in bytes; must be positive.
	Size int
	// Alignment the returned offset must honor; must be a power of two.
	// Zero means no alignment requirement.
	Alignment uint
	// TypeMask restricts the acceptable memory types, one bit per type index.
	// Zero admits every type.
	TypeMask uint32
	// Usage steers memory type selection within the mask.
	Usage UsageHint
	// Dedicated forces a standalone native allocation.
	Dedicated bool

	Name     string
	UserData any
}

// CreateOptions configures a new Allocator. The zero value selects a 64MiB
// preferred block size, a dedicated threshold equal to the block size, no
// retained empty blocks, and internal locking.
type CreateOptions struct {
	// PreferredBlockSize is the size of new shared blocks.
	PreferredBlockSize int
	// DedicatedThreshold is the request size above which allocations receive
	// their own native memory. Defaults to PreferredBlockSize.
	DedicatedThreshold int
	// MinBlockCount blocks per memory type survive Trim even when empty.
	MinBlockCount int
	// ExternallySynchronized removes the allocator's internal locking. The
	// caller takes responsibility for serializing all access.
	ExternallySynchronized bool
}

// Allocator hands out device memory from shared blocks. Create one per
// logical device and destroy it before the device, after every allocation has
// been freed.
type Allocator struct {
	logger *slog.Logger
	device driver.Device

	memoryProperties   driver.MemoryProperties
	preferredBlockSize int
	dedicatedThreshold int

	blockLists     []*blockList
	dedicatedLists []dedicatedList
}

// New creates an Allocator for the given device. props must be the memory
// properties of the physical device the logical device was created from.
func New(logger *slog.Logger, device driver.Device, props driver.MemoryProperties, options CreateOptions) (*Allocator, error) {
	if device == nil {
		panic("attempted to create an allocator with a nil device")
	}
	if len(props.Types) == 0 {
		return nil, errors.New("the provided memory properties contain no memory types")
	}
	if options.PreferredBlockSize < 0 || options.DedicatedThreshold < 0 || options.MinBlockCount < 0 {
		return nil, errors.New("allocator size options must not be negative")
	}

	blockSize := options.PreferredBlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	threshold := options.DedicatedThreshold
	if threshold == 0 {
		threshold = blockSize
	}

	a := &Allocator{
		logger:             utils.LoggerOrDiscard(logger),
		device:             device,
		memoryProperties:   props,
		preferredBlockSize: blockSize,
		dedicatedThreshold: threshold,
		blockLists:         make([]*blockList, len(props.Types)),
		dedicatedLists:     make([]dedicatedList, len(props.Types)),
	}

	useMutex := !options.ExternallySynchronized
	for typeIndex := range props.Types {
		list := &blockList{}
		list.init(a.logger, device, typeIndex, blockSize, options.MinBlockCount, useMutex)
		a.blockLists[typeIndex] = list
		a.dedicatedLists[typeIndex].Init(useMutex)
	}

	return a, nil
}

// FindMemoryTypeIndex selects the first memory type admitted by typeMask
// whose property flags satisfy the usage hint.
func (a *Allocator) FindMemoryTypeIndex(typeMask uint32, usage UsageHint) (int, error) {
	if typeMask == 0 {
		typeMask = ^uint32(0)
	}

	var required driver.MemoryPropertyFlags
	var preferred driver.MemoryPropertyFlags
	switch usage {
	case UsageUnknown:
	case UsageGPUOnly:
		preferred = driver.MemoryDeviceLocal
	case UsageHostVisible:
		required = driver.MemoryHostVisible | driver.MemoryHostCoherent
	default:
		panic("unknown usage hint: " + usage.String())
	}

	bestIndex := -1
	for typeIndex, memoryType := range a.memoryProperties.Types {
		if typeMask&(1<<typeIndex) == 0 {
			continue
		}
		if memoryType.Flags&required != required {
			continue
		}
		if memoryType.Flags&preferred == preferred {
			return typeIndex, nil
		}
		if bestIndex < 0 {
			bestIndex = typeIndex
		}
	}

	if bestIndex < 0 {
		return 0, errors.Errorf("no memory type matches mask %x with usage %s", typeMask, usage.String())
	}
	return bestIndex, nil
}

// Allocate services one memory request. Native out-of-memory failures
// propagate as errdefs.ErrOutOfDeviceMemory or errdefs.ErrOutOfHostMemory;
// the allocator never retries on another memory type.
func (a *Allocator) Allocate(request Request) (*Allocation, error) {
	if request.Size <= 0 {
		return nil, errors.Errorf("allocation sizes must be positive, but the requested size was %d", request.Size)
	}
	if request.Alignment != 0 {
		err := memutils.CheckPow2(request.Alignment, "request.Alignment")
		if err != nil {
			return nil, err
		}
	}

	typeIndex, err := a.FindMemoryTypeIndex(request.TypeMask, request.Usage)
	if err != nil {
		return nil, err
	}

	if request.Dedicated || request.Size > a.dedicatedThreshold {
		return a.allocateDedicated(typeIndex, request)
	}

	return a.blockLists[typeIndex].allocate(request.Size, request.Alignment, request.Name, request.UserData, a)
}

func (a *Allocator) allocateDedicated(typeIndex int, request Request) (*Allocation, error) {
	memory, err := a.device.AllocateMemory(typeIndex, request.Size)
	if err != nil {
		return nil, cerrors.Wrapf(err, "allocating %d dedicated bytes from memory type %d", request.Size, typeIndex)
	}

	alloc := &Allocation{
		allocator:       a,
		name:            request.Name,
		userData:        request.UserData,
		memoryTypeIndex: typeIndex,
		size:            request.Size,
		dedicatedMemory: memory,
	}
	a.dedicatedLists[typeIndex].Register(alloc)
	return alloc, nil
}

func (a *Allocator) freeAllocation(alloc *Allocation) error {
	if alloc.allocator != a {
		panic("attempted to free an allocation through an allocator that did not create it")
	}

	if alloc.IsDedicated() {
		a.dedicatedLists[alloc.memoryTypeIndex].Unregister(alloc)
		alloc.dedicatedMemory.Free()
		alloc.dedicatedMemory = nil
		alloc.freed = true
		return nil
	}

	err := a.blockLists[alloc.memoryTypeIndex].free(alloc)
	if err != nil {
		return err
	}
	alloc.block = nil
	alloc.freed = true
	return nil
}

// Trim destroys shared blocks that hold no allocations, down to the
// configured minimum block count per memory type. Nothing is trimmed
// automatically; freed memory stays reserved for reuse until this is called.
func (a *Allocator) Trim() error {
	var err error
	for _, list := range a.blockLists {
		err = cerrors.CombineErrors(err, list.trim())
	}
	return err
}

// Stats accumulates summary statistics across all memory types.
func (a *Allocator) Stats() memutils.Statistics {
	var stats memutils.Statistics
	for typeIndex, list := range a.blockLists {
		list.addStatistics(&stats)
		a.dedicatedLists[typeIndex].AddStatistics(&stats)
	}
	return stats
}

// AddDetailedStatistics accumulates full statistics across all memory types
// into stats.
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for typeIndex, list := range a.blockLists {
		list.addDetailedStatistics(stats)
		a.dedicatedLists[typeIndex].AddDetailedStatistics(stats)
	}
}

// BuildStatsString writes a JSON description of the allocator's state, used
// for diagnostics dumps.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	root := writer.Object()

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	a.AddDetailedStatistics(&detailed)

	total := root.Name("Total").Object()
	detailed.PrintJson(&total)
	total.End()

	types := root.Name("MemoryTypes").Array()
	for typeIndex, list := range a.blockLists {
		obj := types.Object()
		obj.Name("Index").Int(typeIndex)
		list.printDetailedMap(obj)

		if !a.dedicatedLists[typeIndex].IsEmpty() {
			obj.Name("DedicatedAllocations")
			a.dedicatedLists[typeIndex].BuildStatsString(writer)
		}
		obj.End()
	}
	types.End()

	root.End()
}

// Destroy frees every retained memory block. It fails with
// errdefs.ErrStillInUse when live allocations remain; each leak is logged and
// its backing memory is left valid.
func (a *Allocator) Destroy() error {
	var err error
	for typeIndex := range a.blockLists {
		err = cerrors.CombineErrors(err, a.blockLists[typeIndex].destroy())

		leaked := a.dedicatedLists[typeIndex].Count()
		if leaked > 0 {
			err = cerrors.CombineErrors(err, cerrors.Wrapf(errdefs.ErrStillInUse,
				"%d dedicated allocations from memory type %d were never freed", leaked, typeIndex))
		}
	}
	return err
}
