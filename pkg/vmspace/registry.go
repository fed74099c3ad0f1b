package vmspace

import (
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
)

// Registry errors.
var (
	ErrUnknownSpace = errors.New("vmspace: unknown address space")
	ErrSpaceExists  = errors.New("vmspace: address space already exists")
)

// Factory builds the address space of a process on first use.
type Factory func(name string) (*AddressSpace, error)

type shard struct {
	mu     sync.Mutex
	spaces map[string]*AddressSpace
}

// Registry holds the address spaces of many processes, spread over shards
// by name. Every operation on a space runs under its shard lock, so spaces in
// different shards are used in parallel.
type Registry struct {
	shards  []*shard
	factory Factory
}

// NewRegistry creates a registry with shardCount shards.
func NewRegistry(shardCount int, factory Factory) *Registry {
	if shardCount <= 0 {
		shardCount = 1
	}

	shards := make([]*shard, shardCount)

	for idx := range shardCount {
		shards[idx] = &shard{spaces: map[string]*AddressSpace{}}
	}

	return &Registry{shards: shards, factory: factory}
}

// ShardCount returns the number of shards.
func (registry *Registry) ShardCount() int {
	return len(registry.shards)
}

func (registry *Registry) shardFor(name string) *shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(name))

	return registry.shards[hasher.Sum32()%uint32(len(registry.shards))] //nolint:gosec // shard count is small
}

// Do runs fn on the named space under its shard lock, creating the space on
// first use and booting it if it is hibernated.
func (registry *Registry) Do(name string, fn func(space *AddressSpace) error) error {
	sh := registry.shardFor(name)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	space, ok := sh.spaces[name]
	if !ok {
		created, err := registry.factory(name)
		if err != nil {
			return fmt.Errorf("create address space %q: %w", name, err)
		}

		sh.spaces[name] = created
		space = created
	}

	if space.Hibernated() {
		space.Boot()
	}

	return fn(space)
}

// Fork copies the parent's space under a new name.
func (registry *Registry) Fork(parent, child string) error {
	parentShard := registry.shardFor(parent)
	parentShard.mu.Lock()

	space, ok := parentShard.spaces[parent]
	if ok && space.Hibernated() {
		space.Boot()
	}

	var clone *AddressSpace
	if ok {
		clone = space.Clone()
	}

	parentShard.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSpace, parent)
	}

	sh := registry.shardFor(child)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.spaces[child]; exists {
		return fmt.Errorf("%w: %q", ErrSpaceExists, child)
	}

	sh.spaces[child] = clone

	return nil
}

// Drop forgets the named space.
func (registry *Registry) Drop(name string) error {
	sh := registry.shardFor(name)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.spaces[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSpace, name)
	}

	delete(sh.spaces, name)

	return nil
}

// Names returns the names of all spaces in sorted order.
func (registry *Registry) Names() []string {
	names := []string{}

	for _, sh := range registry.shards {
		sh.mu.Lock()

		for name := range sh.spaces {
			names = append(names, name)
		}

		sh.mu.Unlock()
	}

	slices.Sort(names)

	return names
}

// Len returns the number of spaces.
func (registry *Registry) Len() int {
	total := 0

	for _, sh := range registry.shards {
		sh.mu.Lock()
		total += len(sh.spaces)
		sh.mu.Unlock()
	}

	return total
}

// Hibernate hibernates every space in parallel, one goroutine per shard.
// Spaces smaller than their hibernation threshold stay live.
func (registry *Registry) Hibernate() {
	registry.fanOut(func(space *AddressSpace) {
		if !space.Hibernated() {
			space.Hibernate()
		}
	})
}

// HibernateAll is Hibernate with every threshold ignored.
func (registry *Registry) HibernateAll() {
	registry.fanOut(func(space *AddressSpace) {
		if space.Hibernated() {
			return
		}

		space.used.SetHibernationThreshold(0)
		space.Hibernate()
		space.used.SetHibernationThreshold(space.hibernationThreshold)
	})
}

// Boot boots every space in parallel.
func (registry *Registry) Boot() {
	registry.fanOut(func(space *AddressSpace) {
		space.Boot()
	})
}

func (registry *Registry) fanOut(fn func(space *AddressSpace)) {
	wg := sync.WaitGroup{}
	wg.Add(len(registry.shards))

	for _, sh := range registry.shards {
		go func(sh *shard) {
			defer wg.Done()

			sh.mu.Lock()
			defer sh.mu.Unlock()

			for _, space := range sh.spaces {
				fn(space)
			}
		}(sh)
	}

	wg.Wait()
}
