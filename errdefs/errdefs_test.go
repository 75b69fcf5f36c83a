package errdefs

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	require.True(t, IsRecoverable(ErrOutOfDate))
	require.False(t, IsRecoverable(ErrSurfaceLost))
	require.False(t, IsRecoverable(ErrDeviceLost))

	require.True(t, IsFatal(ErrSurfaceLost))
	require.True(t, IsFatal(ErrDeviceLost))
	require.False(t, IsFatal(ErrOutOfDate))
	require.False(t, IsFatal(ErrTimeout))
	require.False(t, IsFatal(nil))
	require.False(t, IsRecoverable(nil))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	wrapped := errors.Wrap(ErrOutOfDate, "presenting image 2")
	require.True(t, IsRecoverable(wrapped))
	require.ErrorIs(t, wrapped, ErrOutOfDate)

	fatal := errors.Wrapf(ErrSurfaceLost, "acquiring an image")
	require.True(t, IsFatal(fatal))
}
