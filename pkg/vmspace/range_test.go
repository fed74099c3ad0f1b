package vmspace_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

const (
	aslrOffset = vmspace.Addr(1) << 36
	aslrRounds = 1000

	// Last page boundary below the top of the user half.
	userTop = vmspace.Addr(0x7fff_ffff_ffff_f000)
)

func TestRangePredicates(t *testing.T) {
	t.Parallel()

	record := vmspace.Range{Start: 0x1000, Len: 0x2000}

	assert.Equal(t, vmspace.Addr(0x3000), record.End())
	assert.True(t, record.Contains(0x1000))
	assert.False(t, record.Contains(0x3000))
	assert.True(t, record.Covers(vmspace.Range{Start: 0x2000, Len: 0x1000}))
	assert.False(t, record.Covers(vmspace.Range{Start: 0x2000, Len: 0x2000}))
	assert.True(t, record.Overlaps(vmspace.Range{Start: 0x2fff, Len: 1}))
	assert.False(t, record.Overlaps(vmspace.Range{Start: 0x3000, Len: 1}))
	assert.Equal(t, "[0x1000, 0x3000)", record.String())
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for text, want := range map[string]vmspace.Policy{
		"":          vmspace.FirstFit,
		"first-fit": vmspace.FirstFit,
		"Next-Fit":  vmspace.NextFit,
		" next ":    vmspace.NextFit,
	} {
		got, err := vmspace.ParsePolicy(text)
		require.NoError(t, err)
		assert.Equal(t, want, got, text)
	}

	_, err := vmspace.ParsePolicy("best-fit")
	require.ErrorIs(t, err, vmspace.ErrUnknownPolicy)
}

func TestWindowRandomize(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1)) //nolint:gosec // deterministic test data
	window := vmspace.DefaultWindow()

	for range aslrRounds {
		shifted := window.Randomize(rng, aslrOffset, page, vmspace.DefaultSection)

		require.NoError(t, shifted.Validate(page))
		assert.GreaterOrEqual(t, shifted.Base, window.Base)
		assert.Less(t, shifted.Base, window.Base+aslrOffset)
		assert.Zero(t, shifted.End()%vmspace.DefaultSection)
		assert.LessOrEqual(t, shifted.End(), window.End()+aslrOffset)
	}

	assert.Equal(t, window, window.Randomize(rng, 0, page, vmspace.DefaultSection))
}

func TestWindowRandomizeCapsAtUserLimit(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1)) //nolint:gosec // deterministic test data
	high := vmspace.Window{Base: 0x7fff_0000_0000_0000, Size: 0x1000_0000_0000}

	shifted := high.Randomize(rng, page, page, page)
	assert.LessOrEqual(t, uint64(shifted.End()), uint64(1<<63-1))
}

func TestWindowRandomizeNearTopOfAddressSpace(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1)) //nolint:gosec // deterministic test data
	kernel := vmspace.Window{Base: 0xffff_ffff_ffff_0000, Size: 0x8000}
	straddling := vmspace.Window{Base: 0x7fff_ffff_ffff_0000, Size: 0x10000}

	for range aslrRounds {
		assert.Equal(t, kernel, kernel.Randomize(rng, aslrOffset, page, page))

		shifted := straddling.Randomize(rng, 8*page, page, page)

		require.NoError(t, shifted.Validate(page))
		assert.Positive(t, uint64(shifted.Size))
		assert.Equal(t, userTop, shifted.End())
	}
}
