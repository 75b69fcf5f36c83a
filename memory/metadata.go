package memory

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/tethergpu/tether/memutils"
)

type span struct {
	offset int
	size   int
}

type liveRange struct {
	offset   int
	size     int
	userData any
}

// blockMeta manages the suballocations within a single memory block. Free
// ranges are kept address-ordered and requests are satisfied first-fit; a
// freed range merges with adjacent free neighbors immediately. The sum of
// free-range sizes and live-allocation sizes equals the block size at every
// point in time.
type blockMeta struct {
	size      int
	freeBytes int
	free      []span
	live      []liveRange
}

func newBlockMeta(size int) *blockMeta {
	return &blockMeta{
		size:      size,
		freeBytes: size,
		free:      []span{{offset: 0, size: size}},
	}
}

func (m *blockMeta) Size() int             { return m.size }
func (m *blockMeta) SumFreeSize() int      { return m.freeBytes }
func (m *blockMeta) AllocationCount() int  { return len(m.live) }
func (m *blockMeta) FreeRegionsCount() int { return len(m.free) }
func (m *blockMeta) IsEmpty() bool         { return len(m.live) == 0 }

// Allocate carves a range out of the first free span that can hold size bytes
// at the requested alignment. Alignment gaps stay on the free list. Returns
// false when no span fits.
func (m *blockMeta) Allocate(size int, alignment uint, userData any) (int, bool) {
	if size <= 0 {
		panic("allocation sizes must be positive")
	}
	if alignment == 0 {
		alignment = 1
	}

	for i := 0; i < len(m.free); i++ {
		candidate := m.free[i]
		aligned := memutils.AlignUp(candidate.offset, alignment)
		end := aligned + size + memutils.DebugMargin
		if end > candidate.offset+candidate.size {
			continue
		}

		m.claim(i, aligned, size)
		m.insertLive(liveRange{offset: aligned, size: size, userData: userData})
		m.freeBytes -= size
		memutils.DebugValidate(m)
		return aligned, true
	}

	return 0, false
}

// claim removes [aligned, aligned+size) from the free span at index i,
// leaving any leading or trailing remainder on the free list.
func (m *blockMeta) claim(i, aligned, size int) {
	candidate := m.free[i]
	leading := span{offset: candidate.offset, size: aligned - candidate.offset}
	trailing := span{
		offset: aligned + size,
		size:   candidate.offset + candidate.size - aligned - size,
	}

	switch {
	case leading.size > 0 && trailing.size > 0:
		m.free[i] = leading
		m.free = append(m.free, span{})
		copy(m.free[i+2:], m.free[i+1:])
		m.free[i+1] = trailing
	case leading.size > 0:
		m.free[i] = leading
	case trailing.size > 0:
		m.free[i] = trailing
	default:
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
}

// Free returns the range starting at offset to the free list, merging it with
// adjacent free neighbors. It errors when offset does not name a live
// allocation.
func (m *blockMeta) Free(offset int) (int, error) {
	i := sort.Search(len(m.live), func(i int) bool { return m.live[i].offset >= offset })
	if i >= len(m.live) || m.live[i].offset != offset {
		return 0, errors.Errorf("no live allocation begins at offset %d", offset)
	}

	size := m.live[i].size
	m.live = append(m.live[:i], m.live[i+1:]...)
	m.insertFree(span{offset: offset, size: size})
	m.freeBytes += size
	memutils.DebugValidate(m)
	return size, nil
}

func (m *blockMeta) insertLive(r liveRange) {
	i := sort.Search(len(m.live), func(i int) bool { return m.live[i].offset >= r.offset })
	m.live = append(m.live, liveRange{})
	copy(m.live[i+1:], m.live[i:])
	m.live[i] = r
}

func (m *blockMeta) insertFree(s span) {
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].offset >= s.offset })

	// Coalesce with the preceding neighbor
	if i > 0 && m.free[i-1].offset+m.free[i-1].size == s.offset {
		m.free[i-1].size += s.size
		s = m.free[i-1]
		i--
		m.free = append(m.free[:i], m.free[i+1:]...)
	}

	// Coalesce with the following neighbor
	if i < len(m.free) && s.offset+s.size == m.free[i].offset {
		m.free[i].offset = s.offset
		m.free[i].size += s.size
		return
	}

	m.free = append(m.free, span{})
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = s
}

// VisitAllRegions calls the provided callback once for each allocation and
// free region in the block, in address order.
func (m *blockMeta) VisitAllRegions(handleRegion func(offset, size int, userData any, free bool) error) error {
	fi, li := 0, 0
	for fi < len(m.free) || li < len(m.live) {
		takeFree := li >= len(m.live) ||
			(fi < len(m.free) && m.free[fi].offset < m.live[li].offset)

		var err error
		if takeFree {
			err = handleRegion(m.free[fi].offset, m.free[fi].size, nil, true)
			fi++
		} else {
			err = handleRegion(m.live[li].offset, m.live[li].size, m.live[li].userData, false)
			li++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate performs internal consistency checks: both lists address-ordered,
// no overlap between any two regions, adjacent free ranges coalesced, and
// free plus live bytes summing to the block size.
func (m *blockMeta) Validate() error {
	var freeSum, liveSum int
	lastEnd := -1

	err := m.VisitAllRegions(func(offset, size int, userData any, free bool) error {
		if size <= 0 {
			return errors.Errorf("region at offset %d has non-positive size %d", offset, size)
		}
		if offset < lastEnd {
			return errors.Errorf("region at offset %d overlaps the previous region ending at %d", offset, lastEnd)
		}
		lastEnd = offset + size
		if free {
			freeSum += size
		} else {
			liveSum += size
		}
		return nil
	})
	if err != nil {
		return err
	}

	if lastEnd > m.size {
		return errors.Errorf("regions extend to %d, past the block size %d", lastEnd, m.size)
	}
	if freeSum != m.freeBytes {
		return errors.Errorf("free ranges sum to %d but the block reports %d free bytes", freeSum, m.freeBytes)
	}
	if freeSum+liveSum != m.size {
		return errors.Errorf("free bytes (%d) plus allocated bytes (%d) do not equal the block size %d", freeSum, liveSum, m.size)
	}

	for i := 1; i < len(m.free); i++ {
		if m.free[i-1].offset+m.free[i-1].size == m.free[i].offset {
			return errors.Errorf("adjacent free ranges at offsets %d and %d were not coalesced", m.free[i-1].offset, m.free[i].offset)
		}
	}

	return nil
}

func (m *blockMeta) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += len(m.live)
	stats.AllocationBytes += m.size - m.freeBytes
}

func (m *blockMeta) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for _, r := range m.live {
		stats.AddAllocation(r.size)
	}
	for _, s := range m.free {
		stats.AddUnusedRange(s.size)
	}
}

// BlockJsonData populates a json object with information about this block.
func (m *blockMeta) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.freeBytes)
	json.Name("Allocations").Int(len(m.live))
	json.Name("UnusedRanges").Int(len(m.free))
}
