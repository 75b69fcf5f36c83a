package mockdriver

import (
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/errdefs"
)

// Fence is a mock fence. Tests signal it explicitly with Signal, or rely on
// Loader.AutoSignalSubmits or Device.WaitIdle.
type Fence struct {
	device *Device

	mu        sync.Mutex
	done      chan struct{}
	signaled  bool
	destroyed bool
}

// Signal marks the fence signaled, waking any waiter. Signaling an already
// signaled fence is a no-op.
func (f *Fence) Signal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.signaled {
		return
	}
	f.signaled = true
	close(f.done)
}

func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		panic("waiting on a destroyed fence")
	}
	done := f.done
	f.mu.Unlock()

	if timeout < 0 {
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return cerrors.Wrapf(errdefs.ErrTimeout, "fence not signaled within %s", timeout)
	}
}

func (f *Fence) Status() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		panic("querying a destroyed fence")
	}
	return f.signaled, nil
}

func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		panic("resetting a destroyed fence")
	}
	if f.signaled {
		f.signaled = false
		f.done = make(chan struct{})
	}
	return nil
}

func (f *Fence) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		panic("fence destroyed twice")
	}
	f.destroyed = true
	f.device.loader.handles.destroyed("fence")
}

// Semaphore is a mock semaphore; the mock backend never inspects its state,
// it only tracks the handle's lifetime.
type Semaphore struct {
	device    *Device
	destroyed bool
}

func (s *Semaphore) Destroy() {
	if s.destroyed {
		panic("semaphore destroyed twice")
	}
	s.destroyed = true
	s.device.loader.handles.destroyed("semaphore")
}
