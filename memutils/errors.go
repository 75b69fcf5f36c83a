package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is wrapped by CheckPow2 when a value that must be a power
// of two, such as an allocation alignment, is not one.
var PowerOfTwoError error = errors.New("number must be a power of two")
