package command

import (
	"fmt"
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/synctrack"
)

// State is a command buffer's position in its lifecycle. Transitions are
// driven only by Buffer methods; there is no implicit movement.
type State int

const (
	// StateInitial buffers hold nothing and are ready to begin recording.
	StateInitial State = iota
	// StateRecording buffers accept commands between Begin and End.
	StateRecording
	// StateExecutable buffers hold a finished recording ready to submit.
	StateExecutable
	// StatePending buffers have been submitted and not yet observed complete.
	StatePending
	// StateInvalid buffers have been released by their pool and accept no
	// further operations.
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateRecording:
		return "Recording"
	case StateExecutable:
		return "Executable"
	case StatePending:
		return "Pending"
	case StateInvalid:
		return "Invalid"
	}
	return fmt.Sprintf("unknown state %d", int(s))
}

// SubmitOptions carries the semaphores one submission waits on and signals.
type SubmitOptions struct {
	Wait   []driver.Semaphore
	Signal []driver.Semaphore
}

// Buffer is one command buffer. It is not safe for concurrent use: one
// goroutine records and submits a given buffer at a time, and the state
// checks turn violations into errors rather than silent corruption.
type Buffer struct {
	pool *Pool
	raw  driver.CommandBuffer

	mu       sync.Mutex
	state    State
	commands []driver.Command
	fence    driver.Fence
	token    *synctrack.FenceToken
	guard    *guard.Guard
}

// State returns the buffer's current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Begin starts recording. The buffer must be Initial, or Executable with an
// individually resettable pool; re-beginning an executable buffer discards
// its previous recording.
func (b *Buffer) Begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateInitial:
	case StateExecutable:
		if !b.pool.options.IndividuallyResettable {
			return cerrors.Wrap(errdefs.ErrResetNotSupported,
				"re-recording this buffer requires an individually resettable pool")
		}
		err := b.raw.Reset()
		if err != nil {
			return err
		}
	default:
		return cerrors.Wrapf(errdefs.ErrInvalidState, "cannot begin recording a %s buffer", b.state)
	}

	err := b.raw.Begin()
	if err != nil {
		return err
	}

	b.commands = b.commands[:0]
	b.state = StateRecording
	return nil
}

// Record appends commands to the current recording. The command payloads are
// opaque; they are buffered in order and handed to the backend at submission.
func (b *Buffer) Record(commands ...driver.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateRecording {
		return cerrors.Wrapf(errdefs.ErrInvalidState, "cannot record into a %s buffer", b.state)
	}

	b.commands = append(b.commands, commands...)
	return nil
}

// End finishes the current recording, making the buffer submittable.
func (b *Buffer) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateRecording {
		return cerrors.Wrapf(errdefs.ErrInvalidState, "cannot end recording of a %s buffer", b.state)
	}

	err := b.raw.End()
	if err != nil {
		return err
	}

	b.state = StateExecutable
	return nil
}

// Commands returns a copy of the buffered recording, in record order.
func (b *Buffer) Commands() []driver.Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]driver.Command, len(b.commands))
	copy(out, b.commands)
	return out
}

// Submit hands the finished recording to the queue behind a fresh fence and
// registers the fence with the device's synchronization registry. The buffer
// becomes Pending until the returned token is observed. Submitting a buffer
// that is already Pending fails with errdefs.ErrInvalidState; it does not
// queue a second execution.
func (b *Buffer) Submit(queue *Queue, options SubmitOptions) (*synctrack.FenceToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StatePending {
		return nil, cerrors.Wrap(errdefs.ErrInvalidState,
			"this buffer was already submitted and its completion has not been observed")
	}
	if b.state != StateExecutable {
		return nil, cerrors.Wrapf(errdefs.ErrInvalidState, "cannot submit a %s buffer", b.state)
	}

	fence, err := b.pool.device.CreateFence(false)
	if err != nil {
		return nil, cerrors.Wrap(err, "creating a submission fence")
	}

	err = queue.submit(driver.SubmitInfo{
		Buffers: []driver.CommandBuffer{b.raw},
		Wait:    options.Wait,
		Signal:  options.Signal,
	}, fence)
	if err != nil {
		fence.Destroy()
		return nil, cerrors.Wrap(err, "submitting the command buffer")
	}

	b.fence = fence
	b.token = b.pool.registry.Register(fence, b.guard)
	b.state = StatePending
	return b.token, nil
}

// WaitForCompletion blocks until the last submission's fence is observed,
// then returns the buffer to Executable. errdefs.ErrTimeout leaves the
// buffer Pending. Calling this on a buffer that is not Pending is a no-op.
func (b *Buffer) WaitForCompletion(timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StatePending {
		return nil
	}

	err := b.pool.registry.Wait(b.token, timeout)
	if err != nil {
		return err
	}

	b.retireLocked()
	return nil
}

// Completed polls the last submission without blocking, returning the buffer
// to Executable if the fence has signaled.
func (b *Buffer) Completed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StatePending {
		return true, nil
	}

	done, err := b.pool.registry.Poll(b.token)
	if err != nil || !done {
		return false, err
	}

	b.retireLocked()
	return true, nil
}

func (b *Buffer) retireLocked() {
	b.fence.Destroy()
	b.fence = nil
	b.token = nil
	b.state = StateExecutable
}

// Reset returns the buffer to Initial, discarding its recording. It fails
// with errdefs.ErrResetNotSupported when the pool was not created
// individually resettable, and with errdefs.ErrInvalidState while the buffer
// is Pending.
func (b *Buffer) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StatePending {
		return cerrors.Wrap(errdefs.ErrInvalidState,
			"cannot reset a buffer with an unobserved submission")
	}
	if !b.pool.options.IndividuallyResettable {
		return cerrors.Wrap(errdefs.ErrResetNotSupported,
			"the pool was not created with individual reset")
	}
	if b.state == StateInitial {
		return nil
	}

	err := b.raw.Reset()
	if err != nil {
		return err
	}

	b.commands = nil
	b.state = StateInitial
	return nil
}

// resetByPool is the pool-level reset: no native per-buffer call, the pool
// already reset every buffer at once.
func (b *Buffer) resetByPool() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StatePending {
		return cerrors.Wrap(errdefs.ErrStillInUse,
			"a buffer in this pool has an unobserved submission")
	}

	b.commands = nil
	b.state = StateInitial
	return nil
}

func (b *Buffer) pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StatePending
}

func (b *Buffer) release(evidence ...guard.Evidence) error {
	err := b.guard.Release(evidence...)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.fence != nil {
		b.fence.Destroy()
		b.fence = nil
	}
	b.state = StateInvalid
	b.mu.Unlock()
	return nil
}
