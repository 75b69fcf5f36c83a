package vkdriver

import (
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/errdefs"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Fence wraps a native fence.
type Fence struct {
	fence core1_0.Fence
}

func toNativeTimeout(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return common.NoTimeout
	}
	return timeout
}

func (f *Fence) Wait(timeout time.Duration) error {
	res, err := f.fence.Wait(toNativeTimeout(timeout))
	if err != nil {
		return wrapResult(res, err)
	}
	if res == core1_0.VKTimeout {
		return cerrors.Wrapf(errdefs.ErrTimeout, "fence not signaled within %s", timeout)
	}
	return nil
}

func (f *Fence) Status() (bool, error) {
	res, err := f.fence.Status()
	if err != nil {
		return false, wrapResult(res, err)
	}
	return res == core1_0.VKSuccess, nil
}

func (f *Fence) Reset() error {
	res, err := f.fence.Reset()
	return wrapResult(res, err)
}

func (f *Fence) Destroy() {
	f.fence.Destroy(nil)
}

// Semaphore wraps a native binary semaphore.
type Semaphore struct {
	semaphore core1_0.Semaphore
}

// Raw exposes the native semaphore for collaborators that build their own
// submissions.
func (s *Semaphore) Raw() core1_0.Semaphore { return s.semaphore }

func (s *Semaphore) Destroy() {
	s.semaphore.Destroy(nil)
}
