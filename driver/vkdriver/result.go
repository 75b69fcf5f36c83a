package vkdriver

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/errdefs"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// wrapResult translates a native result code into the error taxonomy the rest
// of the module branches on. Codes without a dedicated sentinel pass the
// native error through unchanged.
func wrapResult(res common.VkResult, err error) error {
	if err == nil {
		return nil
	}

	switch res {
	case core1_0.VKErrorOutOfDeviceMemory:
		return cerrors.Mark(err, errdefs.ErrOutOfDeviceMemory)
	case core1_0.VKErrorOutOfHostMemory:
		return cerrors.Mark(err, errdefs.ErrOutOfHostMemory)
	case core1_0.VKErrorDeviceLost:
		return cerrors.Mark(err, errdefs.ErrDeviceLost)
	case khr_swapchain.VKErrorOutOfDate:
		return cerrors.Mark(err, errdefs.ErrOutOfDate)
	case khr_surface.VKErrorSurfaceLost:
		return cerrors.Mark(err, errdefs.ErrSurfaceLost)
	}
	return err
}
