package vkdriver

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// CommandPool wraps a native command pool.
type CommandPool struct {
	pool   core1_0.CommandPool
	device *Device
}

func (p *CommandPool) AllocateBuffers(count int) ([]driver.CommandBuffer, error) {
	buffers, res, err := p.device.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        p.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, cerrors.Wrap(wrapResult(res, err), "allocating command buffers")
	}

	out := make([]driver.CommandBuffer, len(buffers))
	for i, buffer := range buffers {
		out[i] = &CommandBuffer{buffer: buffer}
	}
	return out, nil
}

func (p *CommandPool) Reset() error {
	res, err := p.pool.Reset(0)
	return wrapResult(res, err)
}

func (p *CommandPool) FreeBuffers(buffers []driver.CommandBuffer) {
	p.device.device.FreeCommandBuffers(rawCommandBuffers(buffers))
}

func (p *CommandPool) Destroy() {
	p.pool.Destroy(nil)
}

// CommandBuffer wraps a native command buffer. The opaque payloads recorded
// by the layers above are not replayed here; collaborators that produce real
// GPU work record through Raw between the wrapper's Begin and End.
type CommandBuffer struct {
	buffer core1_0.CommandBuffer
}

// Raw exposes the native buffer for recording.
func (b *CommandBuffer) Raw() core1_0.CommandBuffer { return b.buffer }

func (b *CommandBuffer) Begin() error {
	res, err := b.buffer.Begin(core1_0.CommandBufferBeginInfo{})
	return wrapResult(res, err)
}

func (b *CommandBuffer) End() error {
	res, err := b.buffer.End()
	return wrapResult(res, err)
}

func (b *CommandBuffer) Reset() error {
	res, err := b.buffer.Reset(0)
	return wrapResult(res, err)
}
