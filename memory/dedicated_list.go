package memory

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/tethergpu/tether/internal/utils"
	"github.com/tethergpu/tether/memutils"
)

// dedicatedList is an intrusive linked list of the dedicated allocations made
// from one memory type, so teardown can report any that were never freed.
type dedicatedList struct {
	mutex utils.OptionalRWMutex

	count int
	head  *Allocation
	tail  *Allocation
}

func (l *dedicatedList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *dedicatedList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actualCount := 0
	for alloc := l.head; alloc != nil; alloc = alloc.next {
		actualCount++
	}

	if l.count != actualCount {
		return errors.Errorf("the listed number of dedicated allocations (%d) does not match the actual number of allocations (%d)", l.count, actualCount)
	}

	return nil
}

func (l *dedicatedList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

func (l *dedicatedList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count
}

func (l *dedicatedList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.count == 0 {
		l.head = alloc
		l.tail = alloc
		l.count = 1
		return
	}

	alloc.prev = l.tail
	l.tail.next = alloc
	l.tail = alloc
	l.count++
}

func (l *dedicatedList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	prev := alloc.prev
	next := alloc.next

	if prev != nil {
		prev.next = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prev = prev
	} else {
		l.tail = prev
	}

	alloc.next = nil
	alloc.prev = nil
	l.count--
}

func (l *dedicatedList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.head; item != nil; item = item.next {
		stats.BlockCount++
		stats.BlockBytes += item.size
		stats.AllocationCount++
		stats.AllocationBytes += item.size
	}
}

func (l *dedicatedList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.head; item != nil; item = item.next {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += item.size
		stats.AddAllocation(item.size)
	}
}

func (l *dedicatedList) BuildStatsString(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := writer.Array()
	defer s.End()

	for alloc := l.head; alloc != nil; alloc = alloc.next {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}
