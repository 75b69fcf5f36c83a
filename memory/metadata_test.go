package memory

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadataFirstFit(t *testing.T) {
	meta := newBlockMeta(1024 * 1024)

	offset, ok := meta.Allocate(4096, 256, nil)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	offset, ok = meta.Allocate(8192, 256, nil)
	require.True(t, ok)
	require.Equal(t, 4096, offset)

	require.NoError(t, meta.Validate())
}

func TestMetadataAlignmentGapStaysFree(t *testing.T) {
	meta := newBlockMeta(4096)

	offset, ok := meta.Allocate(100, 1, nil)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	// 100 is not 256-aligned, so this lands at 256 and leaves a 156-byte gap
	// on the free list.
	offset, ok = meta.Allocate(512, 256, nil)
	require.True(t, ok)
	require.Equal(t, 256, offset)

	require.Equal(t, 4096-100-512, meta.SumFreeSize())
	require.NoError(t, meta.Validate())

	// The gap is reusable by a small unaligned request.
	offset, ok = meta.Allocate(156, 1, nil)
	require.True(t, ok)
	require.Equal(t, 100, offset)
	require.NoError(t, meta.Validate())
}

func TestMetadataFreeCoalesces(t *testing.T) {
	meta := newBlockMeta(4096)

	a, ok := meta.Allocate(1024, 1, nil)
	require.True(t, ok)
	b, ok := meta.Allocate(1024, 1, nil)
	require.True(t, ok)
	c, ok := meta.Allocate(1024, 1, nil)
	require.True(t, ok)

	_, err := meta.Free(a)
	require.NoError(t, err)
	_, err = meta.Free(c)
	require.NoError(t, err)

	// a, c and the 1024-byte tail are three separate free regions around b.
	require.Equal(t, 3, meta.FreeRegionsCount())

	_, err = meta.Free(b)
	require.NoError(t, err)

	require.True(t, meta.IsEmpty())
	require.Equal(t, 1, meta.FreeRegionsCount())
	require.Equal(t, 4096, meta.SumFreeSize())
	require.NoError(t, meta.Validate())
}

func TestMetadataRejectsUnknownOffset(t *testing.T) {
	meta := newBlockMeta(4096)

	offset, ok := meta.Allocate(512, 1, nil)
	require.True(t, ok)

	_, err := meta.Free(offset + 1)
	require.Error(t, err)

	_, err = meta.Free(offset)
	require.NoError(t, err)

	_, err = meta.Free(offset)
	require.Error(t, err)
}

func TestMetadataExhaustion(t *testing.T) {
	meta := newBlockMeta(1024)

	offset, ok := meta.Allocate(1024, 1, nil)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	_, ok = meta.Allocate(1, 1, nil)
	require.False(t, ok)
}

func TestMetadataRandomChurn(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	meta := newBlockMeta(1 << 20)

	var live []int
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			pick := rng.Intn(len(live))
			_, err := meta.Free(live[pick])
			require.NoError(t, err)
			live = append(live[:pick], live[pick+1:]...)
			continue
		}

		size := 1 + rng.Intn(8192)
		alignment := uint(1) << rng.Intn(9)
		offset, ok := meta.Allocate(size, alignment, nil)
		if ok {
			require.Zero(t, offset%int(alignment))
			live = append(live, offset)
		}

		require.NoError(t, meta.Validate())
	}

	for _, offset := range live {
		_, err := meta.Free(offset)
		require.NoError(t, err)
	}
	require.True(t, meta.IsEmpty())
	require.Equal(t, 1<<20, meta.SumFreeSize())
	require.NoError(t, meta.Validate())
}
