package command

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/synctrack"
)

// PoolOptions configures a new Pool.
type PoolOptions struct {
	// QueueFamily the pool's buffers will be submitted to. Buffers from this
	// pool must only be submitted to queues of this family.
	QueueFamily int
	// IndividuallyResettable permits Buffer.Reset and re-recording of
	// executable buffers. Without it only ResetAll recycles buffers.
	IndividuallyResettable bool
	// BufferCount buffers are allocated up front. Zero means one.
	BufferCount int
}

// Pool owns one native command pool and the buffers allocated from it. The
// pool and its buffers are guarded: destruction is refused while any buffer
// has unobserved submitted work.
type Pool struct {
	device   driver.Device
	pool     driver.CommandPool
	registry *synctrack.Registry
	options  PoolOptions

	guard   *guard.Guard
	buffers []*Buffer
}

// NewPool creates a command pool for the given queue family. parent is the
// guard of the owning device context; the pool keeps it alive until the pool
// itself is destroyed.
func NewPool(device driver.Device, registry *synctrack.Registry, parent *guard.Guard, options PoolOptions) (*Pool, error) {
	if registry == nil {
		panic("attempted to create a command pool without a synchronization registry")
	}
	if options.BufferCount == 0 {
		options.BufferCount = 1
	}
	if options.BufferCount < 0 {
		return nil, cerrors.Newf("the buffer count must not be negative, but was %d", options.BufferCount)
	}

	nativePool, err := device.CreateCommandPool(options.QueueFamily, options.IndividuallyResettable)
	if err != nil {
		return nil, cerrors.Wrap(err, "creating the native command pool")
	}

	p := &Pool{
		device:   device,
		pool:     nativePool,
		registry: registry,
		options:  options,
	}
	p.guard = guard.Acquire("command pool",
		func() error {
			nativePool.Destroy()
			return nil
		},
		parent)

	_, err = p.Allocate(options.BufferCount)
	if err != nil {
		releaseErr := p.guard.Release()
		return nil, cerrors.CombineErrors(err, releaseErr)
	}

	return p, nil
}

// Guard returns the pool's lifetime guard.
func (p *Pool) Guard() *guard.Guard { return p.guard }

// Buffers returns the pool's buffers in allocation order.
func (p *Pool) Buffers() []*Buffer {
	out := make([]*Buffer, len(p.buffers))
	copy(out, p.buffers)
	return out
}

// Allocate adds count buffers to the pool and returns them.
func (p *Pool) Allocate(count int) ([]*Buffer, error) {
	rawBuffers, err := p.pool.AllocateBuffers(count)
	if err != nil {
		return nil, cerrors.Wrapf(err, "allocating %d command buffers", count)
	}

	out := make([]*Buffer, count)
	for i, raw := range rawBuffers {
		buffer := &Buffer{
			pool:  p,
			raw:   raw,
			state: StateInitial,
		}
		buffer.guard = guard.Acquire("command buffer", nil, p.guard)
		p.buffers = append(p.buffers, buffer)
		out[i] = buffer
	}
	return out, nil
}

// ResetAll returns every buffer in the pool to Initial with one native call.
// It fails with errdefs.ErrStillInUse if any buffer is Pending; observe those
// submissions first.
func (p *Pool) ResetAll() error {
	for _, buffer := range p.buffers {
		if buffer.pending() {
			return cerrors.Wrap(errdefs.ErrStillInUse,
				"a buffer in this pool has an unobserved submission")
		}
	}

	err := p.pool.Reset()
	if err != nil {
		return cerrors.Wrap(err, "resetting the native command pool")
	}

	var combined error
	for _, buffer := range p.buffers {
		combined = cerrors.CombineErrors(combined, buffer.resetByPool())
	}
	return combined
}

// Destroy releases every buffer and then the pool itself. Buffers with
// unobserved submissions refuse unless evidence of quiescence is supplied,
// in which case any leftover submission fences are destroyed with them.
// Destroy can be retried after a refusal.
func (p *Pool) Destroy(evidence ...guard.Evidence) error {
	for _, buffer := range p.buffers {
		if buffer.guard.Released() {
			continue
		}

		err := buffer.release(evidence...)
		if err != nil {
			return err
		}
	}

	return p.guard.Release(evidence...)
}
