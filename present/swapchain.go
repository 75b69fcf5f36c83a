// Package present manages the swapchain: the only handle in this module that
// the outside world invalidates asynchronously. The manager tracks validity
// explicitly and rebuilds on demand, so callers see errdefs.ErrOutOfDate as a
// recoverable signal instead of a crash.
package present

import (
	"fmt"
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/device"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/tethergpu/tether/guard"
)

// State is the swapchain's validity.
type State int

const (
	// StateValid swapchains can acquire and present.
	StateValid State = iota
	// StateStale swapchains have been invalidated by a surface change and
	// must be recreated before further use.
	StateStale
	// StateDestroyed swapchains accept no further operations.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "Valid"
	case StateStale:
		return "Stale"
	case StateDestroyed:
		return "Destroyed"
	}
	return fmt.Sprintf("unknown state %d", int(s))
}

// CreateOptions configures a new Swapchain.
type CreateOptions struct {
	// MinImageCount images at minimum; zero means triple buffering.
	MinImageCount int
	Width         int
	Height        int
}

// Swapchain wraps one native swapchain plus the per-acquire semaphores the
// presentation loop needs. It is safe for use by one render loop goroutine.
type Swapchain struct {
	ctx     *device.Context
	surface driver.Surface
	options CreateOptions

	mu                sync.Mutex
	state             State
	swapchain         driver.Swapchain
	acquireSemaphores []driver.Semaphore
	nextSemaphore     int

	guard *guard.Guard
}

// NewSwapchain creates a swapchain for the given surface. The context must
// have been selected with a surface so it has a present queue.
func NewSwapchain(ctx *device.Context, surface driver.Surface, options CreateOptions) (*Swapchain, error) {
	if ctx.PresentQueue() == nil {
		panic("attempted to create a swapchain on a context selected without a surface")
	}
	if options.MinImageCount == 0 {
		options.MinImageCount = 3
	}

	s := &Swapchain{
		ctx:     ctx,
		surface: surface,
		options: options,
		state:   StateValid,
	}

	err := s.buildLocked(nil)
	if err != nil {
		return nil, err
	}

	s.guard = guard.Acquire("swapchain", s.destroyNative, ctx.Guard())
	return s, nil
}

// buildLocked creates the native swapchain and its semaphores. The caller
// owns s.mu or exclusive access.
func (s *Swapchain) buildLocked(oldSwapchain driver.Swapchain) error {
	swapchain, err := s.ctx.Device().CreateSwapchain(driver.SwapchainInfo{
		Surface:       s.surface,
		MinImageCount: s.options.MinImageCount,
		Width:         s.options.Width,
		Height:        s.options.Height,
		OldSwapchain:  oldSwapchain,
	})
	if err != nil {
		return cerrors.Wrap(err, "creating the native swapchain")
	}

	semaphores := make([]driver.Semaphore, swapchain.ImageCount())
	for i := range semaphores {
		semaphores[i], err = s.ctx.Device().CreateSemaphore()
		if err != nil {
			for _, created := range semaphores[:i] {
				created.Destroy()
			}
			swapchain.Destroy()
			return cerrors.Wrap(err, "creating an acquire semaphore")
		}
	}

	s.swapchain = swapchain
	s.acquireSemaphores = semaphores
	s.nextSemaphore = 0
	return nil
}

func (s *Swapchain) destroyNative() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, semaphore := range s.acquireSemaphores {
		semaphore.Destroy()
	}
	s.acquireSemaphores = nil
	s.swapchain.Destroy()
	s.swapchain = nil
	return nil
}

// State returns the swapchain's current validity.
func (s *Swapchain) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ImageCount returns the number of images in the current native swapchain.
func (s *Swapchain) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapchain.ImageCount()
}

// Guard returns the swapchain's lifetime guard.
func (s *Swapchain) Guard() *guard.Guard { return s.guard }

// AcquireNextImage returns the index of the next presentable image and the
// semaphore that signals when rendering into it may start. errdefs.ErrOutOfDate
// marks the swapchain Stale; call Recreate and acquire again.
func (s *Swapchain) AcquireNextImage(timeout time.Duration) (int, driver.Semaphore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDestroyed:
		return 0, nil, cerrors.Wrap(errdefs.ErrInvalidState, "the swapchain has been destroyed")
	case StateStale:
		return 0, nil, cerrors.Wrap(errdefs.ErrOutOfDate, "the swapchain is stale and must be recreated")
	}

	semaphore := s.acquireSemaphores[s.nextSemaphore]
	index, err := s.swapchain.AcquireNextImage(timeout, semaphore, nil)
	if err != nil {
		if cerrors.Is(err, errdefs.ErrOutOfDate) {
			s.state = StateStale
		}
		return 0, nil, err
	}

	s.nextSemaphore = (s.nextSemaphore + 1) % len(s.acquireSemaphores)
	return index, semaphore, nil
}

// Present hands an acquired image to the presentation engine after the given
// semaphores signal. errdefs.ErrOutOfDate marks the swapchain Stale;
// errdefs.ErrSurfaceLost is fatal and propagates unchanged.
func (s *Swapchain) Present(imageIndex int, waits ...driver.Semaphore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDestroyed:
		return cerrors.Wrap(errdefs.ErrInvalidState, "the swapchain has been destroyed")
	case StateStale:
		return cerrors.Wrap(errdefs.ErrOutOfDate, "the swapchain is stale and must be recreated")
	}

	err := s.ctx.PresentQueue().Present(driver.PresentInfo{
		Swapchain:  s.swapchain,
		ImageIndex: imageIndex,
		Wait:       waits,
	})
	if err != nil && cerrors.Is(err, errdefs.ErrOutOfDate) {
		s.state = StateStale
	}
	return err
}

// Recreate replaces the native swapchain, passing the old one as a reuse
// hint, and returns the manager to Valid. The device is idled first so no
// in-flight work references the old images. Recreating a Valid swapchain is
// allowed and rebuilds it.
func (s *Swapchain) Recreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed {
		return cerrors.Wrap(errdefs.ErrInvalidState, "the swapchain has been destroyed")
	}

	err := s.ctx.Device().WaitIdle()
	if err != nil {
		return cerrors.Wrap(err, "waiting for the device before swapchain recreation")
	}

	old := s.swapchain
	oldSemaphores := s.acquireSemaphores

	err = s.buildLocked(old)
	if err != nil {
		// The old swapchain is still intact; a Stale swapchain stays Stale.
		return err
	}

	for _, semaphore := range oldSemaphores {
		semaphore.Destroy()
	}
	old.Destroy()

	s.state = StateValid
	return nil
}

// SetExtent records a new drawable size for the next Recreate.
func (s *Swapchain) SetExtent(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options.Width = width
	s.options.Height = height
}

// Destroy releases the native swapchain and its semaphores. In-flight work
// referencing the swapchain must be observed first, or covered by evidence.
func (s *Swapchain) Destroy(evidence ...guard.Evidence) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return cerrors.Wrap(errdefs.ErrInvalidState, "the swapchain has already been destroyed")
	}
	s.mu.Unlock()

	err := s.guard.Release(evidence...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateDestroyed
	s.mu.Unlock()
	return nil
}
