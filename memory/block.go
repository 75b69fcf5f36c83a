package memory

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/tethergpu/tether/driver"
)

// deviceBlock couples one native memory allocation with the metadata that
// sub-divides it.
type deviceBlock struct {
	id              int
	memory          driver.DeviceMemory
	memoryTypeIndex int
	logger          *slog.Logger

	meta *blockMeta
}

func newDeviceBlock(logger *slog.Logger, memory driver.DeviceMemory, memoryTypeIndex, id int) *deviceBlock {
	return &deviceBlock{
		id:              id,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		logger:          logger,
		meta:            newBlockMeta(memory.Size()),
	}
}

// Destroy frees the block's native memory. If live allocations remain they are
// each logged and the block is left intact, since freeing the backing memory
// underneath them would invalidate handles still in use.
func (b *deviceBlock) Destroy() error {
	if !b.meta.IsEmpty() {
		err := b.meta.VisitAllRegions(func(offset, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before the destruction of this memory block!")
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block that has no backing memory handle")
	}

	b.memory.Free()
	b.memory = nil
	b.meta = nil
	return nil
}

func (b *deviceBlock) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("memoryType", b.memoryTypeIndex),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", allocation.UserData()),
		slog.String("name", name),
	)
}

func (b *deviceBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.meta.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.meta.VisitAllRegions(func(offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Errorf("a region at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Errorf("a region at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.meta.Validate()
}
