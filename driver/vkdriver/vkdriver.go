// Package vkdriver implements the driver seam on top of the vkngwrapper
// Vulkan bindings. It owns the translation between the module's narrow
// interfaces and the native API: call shapes, result codes and the handful of
// policy choices (surface format, present mode, wait stages) that the seam
// deliberately hides from the layers above.
package vkdriver

import (
	"context"
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/internal/utils"
	"github.com/vkngwrapper/core/v2"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_debug_utils"
)

const validationLayerName = "VK_LAYER_KHRONOS_validation"

// Loader wraps the system Vulkan loader.
type Loader struct {
	loader core.Loader
	logger *slog.Logger
}

// NewSystemLoader loads the platform's Vulkan library.
func NewSystemLoader(logger *slog.Logger) (*Loader, error) {
	coreLoader, err := core.CreateSystemLoader()
	if err != nil {
		return nil, cerrors.Wrap(err, "loading the system vulkan library")
	}

	return &Loader{
		loader: coreLoader,
		logger: utils.LoggerOrDiscard(logger),
	}, nil
}

func (l *Loader) CreateInstance(info driver.InstanceInfo) (driver.Instance, error) {
	createInfo := core1_0.InstanceCreateInfo{
		ApplicationName:       info.ApplicationName,
		ApplicationVersion:    common.CreateVersion(1, 0, 0),
		EngineName:            "tether",
		EngineVersion:         common.CreateVersion(1, 0, 0),
		APIVersion:            common.Vulkan1_2,
		EnabledExtensionNames: append([]string{}, info.Extensions...),
	}

	validation := info.ValidationLayers
	if validation {
		layers, _, err := l.loader.AvailableLayers()
		if err != nil {
			return nil, cerrors.Wrap(err, "querying available layers")
		}
		if _, ok := layers[validationLayerName]; !ok {
			l.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"validation requested but the validation layer is not installed",
				slog.String("layer", validationLayerName))
			validation = false
		}
	}
	if validation {
		createInfo.EnabledLayerNames = append(createInfo.EnabledLayerNames, validationLayerName)
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, ext_debug_utils.ExtensionName)
		createInfo.Next = l.debugMessengerOptions()
	}

	instance, _, err := l.loader.CreateInstance(nil, createInfo)
	if err != nil {
		return nil, cerrors.Wrap(err, "creating the vulkan instance")
	}

	wrapped := &Instance{instance: instance, logger: l.logger}

	if validation {
		debugLoader := ext_debug_utils.CreateExtensionFromInstance(instance)
		wrapped.messenger, _, err = debugLoader.CreateDebugUtilsMessenger(instance, nil, l.debugMessengerOptions())
		if err != nil {
			instance.Destroy(nil)
			return nil, cerrors.Wrap(err, "creating the debug messenger")
		}
	}

	return wrapped, nil
}

func (l *Loader) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    l.logValidationMessage,
	}
}

func (l *Loader) logValidationMessage(
	msgType ext_debug_utils.DebugUtilsMessageTypeFlags,
	severity ext_debug_utils.DebugUtilsMessageSeverityFlags,
	data *ext_debug_utils.DebugUtilsMessengerCallbackData,
) bool {
	level := slog.LevelWarn
	if severity&ext_debug_utils.SeverityError != 0 {
		level = slog.LevelError
	}

	l.logger.LogAttrs(context.Background(), level, "validation layer message",
		slog.String("type", msgType.String()),
		slog.String("message", data.Message),
	)
	return false
}

// Instance wraps a native instance plus its optional debug messenger.
type Instance struct {
	instance  core1_0.Instance
	messenger ext_debug_utils.DebugUtilsMessenger
	logger    *slog.Logger
}

// Raw exposes the native instance for surface creation by the windowing
// layer.
func (i *Instance) Raw() core1_0.Instance { return i.instance }

func (i *Instance) EnumeratePhysicalDevices() ([]driver.PhysicalDevice, error) {
	physicalDevices, _, err := i.instance.EnumeratePhysicalDevices()
	if err != nil {
		return nil, cerrors.Wrap(err, "enumerating physical devices")
	}

	out := make([]driver.PhysicalDevice, 0, len(physicalDevices))
	for _, physical := range physicalDevices {
		properties, err := physical.Properties()
		if err != nil {
			return nil, cerrors.Wrap(err, "querying physical device properties")
		}
		out = append(out, &PhysicalDevice{
			physical:   physical,
			properties: properties,
			logger:     i.logger,
		})
	}
	return out, nil
}

func (i *Instance) Destroy() {
	if i.messenger != nil {
		i.messenger.Destroy(nil)
		i.messenger = nil
	}
	i.instance.Destroy(nil)
}
