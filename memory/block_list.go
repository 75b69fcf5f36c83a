package memory

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/internal/utils"
	"github.com/tethergpu/tether/memutils"
)

// blockList manages the set of shared memory blocks for a single memory type.
// Requests walk the existing blocks in creation order and fall through to a
// new block only when none can satisfy them. Blocks that become empty stay
// around for reuse until Trim is called.
type blockList struct {
	device driver.Device
	logger *slog.Logger

	memoryTypeIndex    int
	preferredBlockSize int
	minBlockCount      int

	mutex       utils.OptionalRWMutex
	blocks      []*deviceBlock
	nextBlockID int
}

func (l *blockList) init(
	logger *slog.Logger,
	device driver.Device,
	memoryTypeIndex int,
	preferredBlockSize int,
	minBlockCount int,
	useMutex bool,
) {
	l.logger = logger
	l.device = device
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.minBlockCount = minBlockCount
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *blockList) allocate(size int, alignment uint, name string, userData any, parent *Allocator) (*Allocation, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	// The metadata keeps the allocation object as its userData so leaked
	// allocations can be identified when the block is destroyed.
	alloc := &Allocation{
		allocator:       parent,
		name:            name,
		userData:        userData,
		memoryTypeIndex: l.memoryTypeIndex,
		size:            size,
	}

	for _, block := range l.blocks {
		offset, ok := block.meta.Allocate(size, alignment, alloc)
		if ok {
			alloc.block = block
			alloc.offset = offset
			return alloc, nil
		}
	}

	blockSize := l.preferredBlockSize
	if size > blockSize {
		blockSize = size
	}

	block, err := l.createBlock(blockSize)
	if err != nil {
		return nil, err
	}

	offset, ok := block.meta.Allocate(size, alignment, alloc)
	if !ok {
		panic("a freshly created memory block could not hold the allocation it was sized for")
	}

	alloc.block = block
	alloc.offset = offset
	return alloc, nil
}

func (l *blockList) createBlock(size int) (*deviceBlock, error) {
	memory, err := l.device.AllocateMemory(l.memoryTypeIndex, size)
	if err != nil {
		return nil, cerrors.Wrapf(err, "allocating a %d-byte block from memory type %d", size, l.memoryTypeIndex)
	}

	l.nextBlockID++
	block := newDeviceBlock(l.logger, memory, l.memoryTypeIndex, l.nextBlockID)
	l.blocks = append(l.blocks, block)
	memutils.DebugValidate(block)
	return block, nil
}

func (l *blockList) free(alloc *Allocation) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, err := alloc.block.meta.Free(alloc.offset)
	if err != nil {
		return cerrors.Wrapf(err, "freeing an allocation from memory type %d", l.memoryTypeIndex)
	}
	memutils.DebugValidate(alloc.block)
	return nil
}

// trim destroys empty blocks, keeping at least minBlockCount blocks alive.
func (l *blockList) trim() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var err error
	for i := len(l.blocks) - 1; i >= 0 && len(l.blocks) > l.minBlockCount; i-- {
		if !l.blocks[i].meta.IsEmpty() {
			continue
		}

		destroyErr := l.blocks[i].Destroy()
		err = cerrors.CombineErrors(err, destroyErr)
		l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
	}

	return err
}

func (l *blockList) hasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		if !block.meta.IsEmpty() {
			return false
		}
	}
	return true
}

// destroy frees every block. Blocks that still hold live allocations report
// errors and are kept, so the failure surfaces as errdefs.ErrStillInUse while
// the handles stay valid.
func (l *blockList) destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var err error
	remaining := l.blocks[:0]
	for _, block := range l.blocks {
		destroyErr := block.Destroy()
		if destroyErr != nil {
			err = cerrors.CombineErrors(err, destroyErr)
			remaining = append(remaining, block)
		}
	}
	l.blocks = remaining

	if err != nil {
		return cerrors.Mark(err, errdefs.ErrStillInUse)
	}
	return nil
}

func (l *blockList) addStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.meta.AddStatistics(stats)
	}
}

func (l *blockList) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.meta.AddDetailedStatistics(stats)
	}
}

func (l *blockList) printDetailedMap(json jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	json.Name("PreferredBlockSize").Int(l.preferredBlockSize)

	blocks := json.Name("Blocks").Array()
	for _, block := range l.blocks {
		obj := blocks.Object()
		obj.Name("Id").Int(block.id)
		block.meta.BlockJsonData(obj)
		obj.End()
	}
	blocks.End()
}
