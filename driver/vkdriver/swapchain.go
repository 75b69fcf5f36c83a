package vkdriver

import (
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/errdefs"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// Surface wraps a platform surface created by the windowing layer.
type Surface struct {
	surface khr_surface.Surface
}

// WrapSurface adopts a surface created through the khr_surface extension.
// The wrapper takes ownership of destruction.
func WrapSurface(surface khr_surface.Surface) *Surface {
	return &Surface{surface: surface}
}

func (s *Surface) Destroy() {
	s.surface.Destroy(nil)
}

// Swapchain wraps a native swapchain together with the extension object that
// operates on it.
type Swapchain struct {
	swapchain  khr_swapchain.Swapchain
	imageCount int
}

func (d *Device) CreateSwapchain(info driver.SwapchainInfo) (driver.Swapchain, error) {
	surface, ok := info.Surface.(*Surface)
	if !ok {
		panic("the vulkan backend only accepts surfaces wrapped by this package")
	}

	capabilities, _, err := surface.surface.PhysicalDeviceSurfaceCapabilities(d.physical)
	if err != nil {
		return nil, cerrors.Wrap(err, "querying surface capabilities")
	}
	formats, _, err := surface.surface.PhysicalDeviceSurfaceFormats(d.physical)
	if err != nil {
		return nil, cerrors.Wrap(err, "querying surface formats")
	}
	presentModes, _, err := surface.surface.PhysicalDeviceSurfacePresentModes(d.physical)
	if err != nil {
		return nil, cerrors.Wrap(err, "querying surface present modes")
	}

	surfaceFormat := chooseSurfaceFormat(formats)
	extent := chooseExtent(capabilities, info.Width, info.Height)

	imageCount := info.MinImageCount
	if imageCount < capabilities.MinImageCount {
		imageCount = capabilities.MinImageCount
	}
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	createInfo := khr_swapchain.SwapchainCreateInfo{
		Surface: surface.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,
		ImageSharingMode: core1_0.SharingModeExclusive,

		PreTransform:   capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    choosePresentMode(presentModes),
		Clipped:        true,
	}
	if info.OldSwapchain != nil {
		createInfo.OldSwapchain = info.OldSwapchain.(*Swapchain).swapchain
	}

	swapchain, res, err := d.swapchainExt().CreateSwapchain(d.device, nil, createInfo)
	if err != nil {
		return nil, cerrors.Wrap(wrapResult(res, err), "creating the swapchain")
	}

	images, res, err := swapchain.SwapchainImages()
	if err != nil {
		swapchain.Destroy(nil)
		return nil, cerrors.Wrap(wrapResult(res, err), "querying swapchain images")
	}

	return &Swapchain{swapchain: swapchain, imageCount: len(images)}, nil
}

func chooseSurfaceFormat(available []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range available {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}
	return available[0]
}

func choosePresentMode(available []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range available {
		if presentMode == khr_surface.PresentModeMailbox {
			return presentMode
		}
	}
	// FIFO is the only mode the implementation must support.
	return khr_surface.PresentModeFIFO
}

func chooseExtent(capabilities *khr_surface.SurfaceCapabilities, width, height int) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	extent := core1_0.Extent2D{Width: width, Height: height}
	if extent.Width < capabilities.MinImageExtent.Width {
		extent.Width = capabilities.MinImageExtent.Width
	}
	if extent.Width > capabilities.MaxImageExtent.Width {
		extent.Width = capabilities.MaxImageExtent.Width
	}
	if extent.Height < capabilities.MinImageExtent.Height {
		extent.Height = capabilities.MinImageExtent.Height
	}
	if extent.Height > capabilities.MaxImageExtent.Height {
		extent.Height = capabilities.MaxImageExtent.Height
	}
	return extent
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, semaphore driver.Semaphore, fence driver.Fence) (int, error) {
	var nativeSemaphore core1_0.Semaphore
	if semaphore != nil {
		nativeSemaphore = semaphore.(*Semaphore).semaphore
	}
	var nativeFence core1_0.Fence
	if fence != nil {
		nativeFence = fence.(*Fence).fence
	}

	imageIndex, res, err := s.swapchain.AcquireNextImage(toNativeTimeout(timeout), nativeSemaphore, nativeFence)
	if err != nil {
		return 0, wrapResult(res, err)
	}
	if res == core1_0.VKTimeout || res == core1_0.VKNotReady {
		return 0, cerrors.Wrapf(errdefs.ErrTimeout, "no image became available within %s", timeout)
	}
	return imageIndex, nil
}

func (s *Swapchain) ImageCount() int { return s.imageCount }

func (s *Swapchain) Destroy() {
	s.swapchain.Destroy(nil)
}
