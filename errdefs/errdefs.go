// Package errdefs holds the error taxonomy shared by every component in this
// module. Callers branch on these sentinels with errors.Is: recoverable
// conditions (ErrOutOfDate) are retried after corrective action, fatal
// conditions (ErrSurfaceLost, ErrDeviceLost) end the application, and
// state-machine misuse (ErrInvalidState, ErrStillInUse) indicates a defect in
// the caller's ordering discipline rather than a condition to catch.
package errdefs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrDeviceCreationFailed is returned when the native API refuses to
	// create a logical device from an otherwise suitable physical device.
	ErrDeviceCreationFailed = errors.New("device creation failed")
	// ErrNoSuitableDevice is returned when no physical device satisfies the
	// requested capability set.
	ErrNoSuitableDevice = errors.New("no physical device satisfies the required capabilities")
	// ErrOutOfDeviceMemory is returned when the native API cannot satisfy a
	// device memory allocation. It is propagated to the caller without retry.
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrOutOfHostMemory is returned when the native API cannot satisfy a
	// host-side allocation.
	ErrOutOfHostMemory = errors.New("out of host memory")
	// ErrInvalidState is returned on misuse of a state machine, such as
	// submitting a command buffer that is already pending.
	ErrInvalidState = errors.New("operation is not valid in the object's current state")
	// ErrStillInUse is returned when an object is released while GPU work, or
	// a dependent object, can still observe it.
	ErrStillInUse = errors.New("object is still in use")
	// ErrOutOfDate is returned when the presentation surface has changed and
	// the swapchain must be recreated. Recoverable.
	ErrOutOfDate = errors.New("swapchain is out of date")
	// ErrSurfaceLost is returned when the presentation surface is gone.
	// Fatal: callers must not retry.
	ErrSurfaceLost = errors.New("presentation surface was lost")
	// ErrDeviceLost is returned when the device itself was lost. Fatal.
	ErrDeviceLost = errors.New("device was lost")
	// ErrTimeout is returned when a wait exceeded its budget.
	ErrTimeout = errors.New("wait timed out")
	// ErrResetNotSupported is returned when an individual command buffer
	// reset is attempted against a pool created without that policy.
	ErrResetNotSupported = errors.New("pool was not created with individually resettable buffers")
)

// IsRecoverable reports whether err is a condition the caller can correct and
// retry, such as recreating a stale swapchain.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrOutOfDate)
}

// IsFatal reports whether err is unrecoverable. Fatal errors propagate to the
// top of the call stack undecorated by this module.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSurfaceLost) || errors.Is(err, ErrDeviceLost)
}
