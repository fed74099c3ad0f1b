package vmspace_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

const (
	registryShards  = 4
	concurrentProcs = 32
	concurrentOps   = 200
	slotThreshold   = 1024
)

var errFactoryRefused = errors.New("factory refused")

func newRegistry(t *testing.T) *vmspace.Registry {
	t.Helper()

	return vmspace.NewRegistry(registryShards, func(string) (*vmspace.AddressSpace, error) {
		return vmspace.New(vmspace.Window{Base: base, Size: smallSize})
	})
}

func TestNewRegistryClampsShards(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, vmspace.NewRegistry(0, nil).ShardCount())
	assert.Equal(t, registryShards, newRegistry(t).ShardCount())
}

func TestRegistryDoCreatesOnFirstUse(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)

	var first vmspace.Addr

	require.NoError(t, registry.Do("init", func(space *vmspace.AddressSpace) error {
		first = space.Alloc(page)

		return nil
	}))

	require.NoError(t, registry.Do("init", func(space *vmspace.AddressSpace) error {
		assert.Equal(t, 1, space.Len())
		assert.Equal(t, first+page, space.Alloc(page))

		return nil
	}))

	assert.Equal(t, 1, registry.Len())
}

func TestRegistryDoFactoryError(t *testing.T) {
	t.Parallel()

	registry := vmspace.NewRegistry(1, func(string) (*vmspace.AddressSpace, error) {
		return nil, errFactoryRefused
	})

	err := registry.Do("proc", func(*vmspace.AddressSpace) error { return nil })
	require.ErrorIs(t, err, errFactoryRefused)
	assert.Zero(t, registry.Len())
}

func TestRegistryFork(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)

	require.NoError(t, registry.Do("parent", func(space *vmspace.AddressSpace) error {
		space.Alloc(page)

		return nil
	}))

	require.NoError(t, registry.Fork("parent", "child"))
	require.ErrorIs(t, registry.Fork("parent", "child"), vmspace.ErrSpaceExists)
	require.ErrorIs(t, registry.Fork("ghost", "orphan"), vmspace.ErrUnknownSpace)

	require.NoError(t, registry.Do("child", func(space *vmspace.AddressSpace) error {
		_, err := space.Free(base, page)

		return err
	}))

	require.NoError(t, registry.Do("parent", func(space *vmspace.AddressSpace) error {
		assert.Equal(t, 1, space.Len())

		return nil
	}))

	assert.Equal(t, []string{"child", "parent"}, registry.Names())
}

func TestRegistryDrop(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)
	require.NoError(t, registry.Do("proc", func(*vmspace.AddressSpace) error { return nil }))

	require.NoError(t, registry.Drop("proc"))
	require.ErrorIs(t, registry.Drop("proc"), vmspace.ErrUnknownSpace)
	assert.Empty(t, registry.Names())
}

func TestRegistryHibernateBoot(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)
	spaces := map[string]*vmspace.AddressSpace{}

	for idx := range 10 {
		name := fmt.Sprintf("proc%d", idx)

		require.NoError(t, registry.Do(name, func(space *vmspace.AddressSpace) error {
			space.Alloc(page)
			spaces[name] = space

			return nil
		}))
	}

	registry.Hibernate()

	for _, space := range spaces {
		assert.True(t, space.Hibernated())
	}

	// Do boots on demand.
	require.NoError(t, registry.Do("proc0", func(space *vmspace.AddressSpace) error {
		assert.False(t, space.Hibernated())
		assert.Equal(t, 1, space.Len())

		return nil
	}))

	registry.Boot()

	for _, space := range spaces {
		assert.False(t, space.Hibernated())
		require.NoError(t, space.Validate())
	}
}

func newThresholdRegistry(t *testing.T, spaces map[string]*vmspace.AddressSpace) *vmspace.Registry {
	t.Helper()

	registry := vmspace.NewRegistry(registryShards, func(name string) (*vmspace.AddressSpace, error) {
		space, err := vmspace.New(vmspace.Window{Base: base, Size: smallSize},
			vmspace.WithHibernationThreshold(slotThreshold))
		spaces[name] = space

		return space, err
	})

	require.NoError(t, registry.Do("small", func(space *vmspace.AddressSpace) error {
		space.Alloc(page)

		return nil
	}))

	return registry
}

func TestRegistryHibernateKeepsSmallSpacesLive(t *testing.T) {
	t.Parallel()

	spaces := map[string]*vmspace.AddressSpace{}
	registry := newThresholdRegistry(t, spaces)

	registry.Hibernate()

	assert.False(t, spaces["small"].Hibernated())
	require.NoError(t, spaces["small"].Validate())
	assert.Equal(t, 1, spaces["small"].Len())
}

func TestRegistryHibernateAllIgnoresThreshold(t *testing.T) {
	t.Parallel()

	spaces := map[string]*vmspace.AddressSpace{}
	registry := newThresholdRegistry(t, spaces)

	registry.HibernateAll()
	assert.True(t, spaces["small"].Hibernated())

	// A second pass skips spaces that are already compressed.
	registry.HibernateAll()
	registry.Hibernate()

	registry.Boot()
	assert.False(t, spaces["small"].Hibernated())
	require.NoError(t, spaces["small"].Validate())

	// The threshold is back in force after the forced pass.
	registry.Hibernate()
	assert.False(t, spaces["small"].Hibernated())
}

func TestRegistryConcurrentDo(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)

	var group errgroup.Group

	for proc := range concurrentProcs {
		name := fmt.Sprintf("proc%d", proc)

		group.Go(func() error {
			for range concurrentOps {
				err := registry.Do(name, func(space *vmspace.AddressSpace) error {
					addr := space.Alloc(page)
					if addr == 0 {
						return fmt.Errorf("%s: %w", name, vmspace.ErrExhausted)
					}

					_, err := space.Free(addr, page)

					return err
				})
				if err != nil {
					return err
				}
			}

			return nil
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, concurrentProcs, registry.Len())
}
