package vmspace_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

var errNoBacking = errors.New("no backing store")

func TestPermStringAndParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		perm vmspace.Perm
		want string
	}{
		{"rw", vmspace.PermRead | vmspace.PermWrite, "rw-"},
		{"r-x", vmspace.PermRead | vmspace.PermExec, "r-x"},
		{"RWX", vmspace.PermRead | vmspace.PermWrite | vmspace.PermExec, "rwx"},
		{"", 0, "---"},
	}

	for _, tt := range tests {
		perm, err := vmspace.ParsePerm(tt.text)
		require.NoError(t, err)
		assert.Equal(t, tt.perm, perm)
		assert.Equal(t, tt.want, perm.String())
	}

	_, err := vmspace.ParsePerm("rwz")
	require.ErrorIs(t, err, vmspace.ErrInvalidPerm)
}

func TestTableMapperRejectsOverlap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mapper := vmspace.NewTableMapper()

	require.NoError(t, mapper.Map(ctx, vmspace.Range{Start: base + 2*page, Len: 2 * page}, vmspace.PermRead))

	require.ErrorIs(t, mapper.Map(ctx, vmspace.Range{Start: base + 3*page, Len: page}, vmspace.PermRead),
		vmspace.ErrAlreadyMapped)
	require.ErrorIs(t, mapper.Map(ctx, vmspace.Range{Start: base + page, Len: 2 * page}, vmspace.PermRead),
		vmspace.ErrAlreadyMapped)
	require.ErrorIs(t, mapper.Map(ctx, vmspace.Range{Start: base, Len: 0}, vmspace.PermRead),
		vmspace.ErrInvalidRange)

	require.NoError(t, mapper.Map(ctx, vmspace.Range{Start: base + page, Len: page}, vmspace.PermWrite))
	require.NoError(t, mapper.Map(ctx, vmspace.Range{Start: base + 4*page, Len: page}, vmspace.PermExec))
	assert.Equal(t, 3, mapper.Len())

	mapping, ok := mapper.Lookup(base + 3*page + 1)
	require.True(t, ok)
	assert.Equal(t, base+2*page, mapping.Range.Start)
	assert.Equal(t, vmspace.PermRead, mapping.Perm)

	_, ok = mapper.Lookup(base)
	assert.False(t, ok)
}

func TestTableMapperUnmapExact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mapper := vmspace.NewTableMapper()
	record := vmspace.Range{Start: base, Len: 2 * page}

	require.NoError(t, mapper.Map(ctx, record, vmspace.PermRead))
	require.ErrorIs(t, mapper.Unmap(ctx, vmspace.Range{Start: base, Len: page}), vmspace.ErrNotMapped)
	require.NoError(t, mapper.Unmap(ctx, record))
	require.ErrorIs(t, mapper.Unmap(ctx, record), vmspace.ErrNotMapped)
	assert.Zero(t, mapper.Len())
}

func TestTableMapperHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mapper := vmspace.NewTableMapper()
	require.ErrorIs(t, mapper.Map(ctx, vmspace.Range{Start: base, Len: page}, vmspace.PermRead), context.Canceled)
	require.ErrorIs(t, mapper.Unmap(ctx, vmspace.Range{Start: base, Len: page}), context.Canceled)
}

func TestAutoMapAndUnmap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	space := newSpace(t, smallSize)
	mapper := vmspace.NewTableMapper()

	record, err := vmspace.AutoMap(ctx, space, mapper, 0x1800, vmspace.PermRead|vmspace.PermWrite)
	require.NoError(t, err)
	assert.Equal(t, vmspace.Range{Start: base, Len: 2 * page}, record)
	assert.Equal(t, 1, mapper.Len())

	require.NoError(t, vmspace.AutoUnmap(ctx, space, mapper, record.Start, 0x1800))
	assert.Zero(t, mapper.Len())
	assert.Zero(t, space.Len())
}

func TestAutoMapRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	space := newSpace(t, smallSize)
	mapper := vmspace.NewTableMapper()
	mapper.FailMap = func(vmspace.Range) error { return errNoBacking }

	_, err := vmspace.AutoMap(ctx, space, mapper, page, vmspace.PermRead)
	require.ErrorIs(t, err, vmspace.ErrMapFailed)
	require.ErrorIs(t, err, errNoBacking)

	assert.Zero(t, space.Len())
	assert.Zero(t, mapper.Len())
}

func TestAutoMapExhausted(t *testing.T) {
	t.Parallel()

	space := newSpace(t, smallSize)

	_, err := vmspace.AutoMap(context.Background(), space, vmspace.NopMapper{}, 2*smallSize, vmspace.PermRead)
	require.ErrorIs(t, err, vmspace.ErrExhausted)
}

func TestAutoUnmapReleasesOnUnmapFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	space := newSpace(t, smallSize)
	mapper := vmspace.NewTableMapper()

	addr := space.Alloc(page)

	err := vmspace.AutoUnmap(ctx, space, mapper, addr, page)
	require.ErrorIs(t, err, vmspace.ErrNotMapped)
	assert.Zero(t, space.Len())
}

func TestTableMapperClone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mapper := vmspace.NewTableMapper()
	require.NoError(t, mapper.Map(ctx, vmspace.Range{Start: base, Len: page}, vmspace.PermRead))

	clone := mapper.Clone()
	require.NoError(t, clone.Unmap(ctx, vmspace.Range{Start: base, Len: page}))

	assert.Equal(t, 1, mapper.Len())
	assert.Zero(t, clone.Len())
}
