package mockdriver

import (
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
)

// Surface is a mock presentation surface. Resize and Lose script the two ways
// a real surface invalidates swapchains underneath the application.
type Surface struct {
	loader *Loader

	mu         sync.Mutex
	generation uint64
	lost       bool
	destroyed  bool
}

// NewSurface creates a surface as the windowing layer would.
func NewSurface(loader *Loader) *Surface {
	loader.handles.created("surface")
	return &Surface{loader: loader}
}

// Resize invalidates every swapchain created against the surface's current
// state; their operations start returning errdefs.ErrOutOfDate.
func (s *Surface) Resize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// Lose puts the surface in the unrecoverable lost state.
func (s *Surface) Lose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

func (s *Surface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		panic("surface destroyed twice")
	}
	s.destroyed = true
	s.loader.handles.destroyed("surface")
}

// Swapchain is a mock swapchain bound to the surface state it was created
// under. A surface resize after creation makes it out of date.
type Swapchain struct {
	device     *Device
	surface    *Surface
	generation uint64
	imageCount int

	mu        sync.Mutex
	nextImage int
	destroyed bool
}

func (s *Swapchain) check() error {
	s.surface.mu.Lock()
	defer s.surface.mu.Unlock()

	if s.surface.lost {
		return cerrors.Wrap(errdefs.ErrSurfaceLost, "the presentation surface is gone")
	}
	if s.surface.generation != s.generation {
		return cerrors.Wrap(errdefs.ErrOutOfDate, "the surface changed after this swapchain was created")
	}
	return nil
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, semaphore driver.Semaphore, fence driver.Fence) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		panic("acquiring an image from a destroyed swapchain")
	}
	if err := s.check(); err != nil {
		return 0, err
	}

	index := s.nextImage
	s.nextImage = (s.nextImage + 1) % s.imageCount

	// Acquisition completes immediately in the mock; signal whatever the
	// caller gave us to wait on.
	if fence != nil {
		fence.(*Fence).Signal()
	}
	return index, nil
}

func (s *Swapchain) present(imageIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		panic("presenting from a destroyed swapchain")
	}
	if imageIndex < 0 || imageIndex >= s.imageCount {
		panic("presenting an image index the swapchain never produced")
	}
	return s.check()
}

func (s *Swapchain) ImageCount() int { return s.imageCount }

func (s *Swapchain) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		panic("swapchain destroyed twice")
	}
	s.destroyed = true
	s.device.loader.handles.destroyed("swapchain")
}
