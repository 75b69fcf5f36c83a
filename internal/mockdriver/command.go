package mockdriver

import (
	"sync"

	"github.com/tethergpu/tether/driver"
)

// CommandPool is a mock pool. It tracks the buffers allocated from it so
// Reset and Destroy can enforce the native lifetime rules.
type CommandPool struct {
	device          *Device
	individualReset bool

	mu        sync.Mutex
	buffers   []*CommandBuffer
	destroyed bool
}

func (p *CommandPool) AllocateBuffers(count int) ([]driver.CommandBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		panic("allocating buffers from a destroyed command pool")
	}

	out := make([]driver.CommandBuffer, count)
	for i := 0; i < count; i++ {
		buffer := &CommandBuffer{pool: p}
		p.buffers = append(p.buffers, buffer)
		p.device.loader.handles.created("commandBuffer")
		out[i] = buffer
	}
	return out, nil
}

func (p *CommandPool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, buffer := range p.buffers {
		buffer.recording = false
		buffer.recorded = false
	}
	return nil
}

func (p *CommandPool) FreeBuffers(buffers []driver.CommandBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, freed := range buffers {
		buffer, ok := freed.(*CommandBuffer)
		if !ok || buffer.pool != p {
			panic("freeing a command buffer through a pool that did not allocate it")
		}
		if buffer.freed {
			panic("command buffer freed twice")
		}
		buffer.freed = true
		p.device.loader.handles.destroyed("commandBuffer")

		for i, tracked := range p.buffers {
			if tracked == buffer {
				p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
				break
			}
		}
	}
}

func (p *CommandPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		panic("command pool destroyed twice")
	}
	p.destroyed = true

	// Destroying a pool implicitly frees its remaining buffers.
	for range p.buffers {
		p.device.loader.handles.destroyed("commandBuffer")
	}
	p.buffers = nil
	p.device.loader.handles.destroyed("commandPool")
}

// CommandBuffer is a mock buffer. It enforces the begin/end bracket but keeps
// no recorded content.
type CommandBuffer struct {
	pool *CommandPool

	recording bool
	recorded  bool
	freed     bool
}

func (b *CommandBuffer) Begin() error {
	if b.freed {
		panic("beginning a freed command buffer")
	}
	if b.recording {
		panic("beginning a command buffer that is already recording")
	}
	b.recording = true
	b.recorded = false
	return nil
}

func (b *CommandBuffer) End() error {
	if !b.recording {
		panic("ending a command buffer that is not recording")
	}
	b.recording = false
	b.recorded = true
	return nil
}

func (b *CommandBuffer) Reset() error {
	if !b.pool.individualReset {
		panic("resetting an individual buffer from a pool created without individual reset")
	}
	b.recording = false
	b.recorded = false
	return nil
}

// Queue is a mock queue. Submissions only validate their arguments and hand
// the fence to the owning device for later signaling.
type Queue struct {
	device *Device

	mu      sync.Mutex
	pending []*Fence
}

func (q *Queue) Submit(info driver.SubmitInfo, fence driver.Fence) error {
	for _, submitted := range info.Buffers {
		buffer, ok := submitted.(*CommandBuffer)
		if !ok {
			panic("the mock backend only accepts command buffers it allocated")
		}
		if !buffer.recorded {
			panic("submitting a command buffer that was never fully recorded")
		}
	}

	var mockFence *Fence
	if fence != nil {
		mockFence = fence.(*Fence)
		q.mu.Lock()
		q.pending = append(q.pending, mockFence)
		q.mu.Unlock()
	}

	q.device.submitted(mockFence)
	return nil
}

func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, fence := range pending {
		fence.Signal()
	}
	return nil
}

func (q *Queue) Present(info driver.PresentInfo) error {
	swapchain, ok := info.Swapchain.(*Swapchain)
	if !ok {
		panic("the mock backend only accepts swapchains it created")
	}
	return swapchain.present(info.ImageIndex)
}
