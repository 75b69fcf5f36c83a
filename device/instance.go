// Package device builds the per-process instance and the per-GPU context
// that owns every other object in this module: queues, the memory allocator,
// the synchronization registry and the guard tree used for ordered teardown.
package device

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/internal/utils"
)

// InstanceOptions configures NewInstance.
type InstanceOptions struct {
	ApplicationName string
	// ValidationLayers enables the backend's diagnostic layer when available.
	ValidationLayers bool
	// RequiredExtensions is passed through to instance creation; surface
	// extensions for windowing belong here.
	RequiredExtensions []string
	// Logger receives diagnostics from every object created under this
	// instance. Nil discards them.
	Logger *slog.Logger
}

// Instance is the root object. Exactly one is created per process and every
// context is selected through it.
type Instance struct {
	logger   *slog.Logger
	instance driver.Instance
	guard    *guard.Guard
}

// NewInstance creates the backend instance.
func NewInstance(loader driver.Loader, options InstanceOptions) (*Instance, error) {
	if loader == nil {
		panic("attempted to create an instance with a nil loader")
	}

	nativeInstance, err := loader.CreateInstance(driver.InstanceInfo{
		ApplicationName:  options.ApplicationName,
		ValidationLayers: options.ValidationLayers,
		Extensions:       options.RequiredExtensions,
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "creating the instance")
	}

	i := &Instance{
		logger:   utils.LoggerOrDiscard(options.Logger),
		instance: nativeInstance,
	}
	i.guard = guard.Acquire("instance", func() error {
		nativeInstance.Destroy()
		return nil
	})
	return i, nil
}

// Guard returns the instance's lifetime guard; contexts depend on it.
func (i *Instance) Guard() *guard.Guard { return i.guard }

// Destroy tears the instance down. It fails with errdefs.ErrStillInUse while
// any context selected from it is still alive.
func (i *Instance) Destroy() error {
	return i.guard.Release()
}
