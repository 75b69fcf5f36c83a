// Package command wraps command pools, command buffers and queues. Buffers
// move through an explicit state machine, and every submission is fenced and
// registered with the owning device's synchronization registry, so the
// question "can this handle be destroyed yet" always has a checked answer.
package command

import (
	"sync"

	"github.com/tethergpu/tether/driver"
)

// Queue serializes access to one native queue. The native handle requires
// external synchronization, so every wrapper that shares a queue must share
// the same Queue value.
type Queue struct {
	mu     sync.Mutex
	queue  driver.Queue
	family int
}

// NewQueue wraps a native queue retrieved from the device. family is the
// queue family the queue was created from.
func NewQueue(queue driver.Queue, family int) *Queue {
	if queue == nil {
		panic("attempted to wrap a nil queue")
	}
	return &Queue{queue: queue, family: family}
}

// Family returns the queue family index this queue belongs to.
func (q *Queue) Family() int { return q.family }

func (q *Queue) submit(info driver.SubmitInfo, fence driver.Fence) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Submit(info, fence)
}

// WaitIdle blocks until the queue has retired all submitted work.
func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.WaitIdle()
}

// Present hands an acquired image back to the presentation engine. Exposed
// for the swapchain manager; arbitrary callers should not present directly.
func (q *Queue) Present(info driver.PresentInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Present(info)
}
