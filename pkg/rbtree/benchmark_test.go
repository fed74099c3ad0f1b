package rbtree_test

import (
	"math/rand"
	"testing"

	"github.com/Sumatoshi-tech/vmspace/pkg/rbtree"
)

// Benchmark constants.
const (
	benchTreeSize = 1 << 16
	benchSeed     = 7
)

func lessUint64(a, b *uint64) bool {
	return *a < *b
}

func buildBenchTree(b *testing.B) (*rbtree.Tree[uint64], []rbtree.Handle) {
	b.Helper()

	rng := rand.New(rand.NewSource(benchSeed)) //nolint:gosec // deterministic bench data
	tree := rbtree.New(rbtree.NewArena[uint64]())
	handles := make([]rbtree.Handle, 0, benchTreeSize)

	for range benchTreeSize {
		handle := tree.Arena().Alloc(rng.Uint64())
		tree.Insert(handle, lessUint64)
		handles = append(handles, handle)
	}

	return tree, handles
}

func BenchmarkInsertErase(b *testing.B) {
	tree, handles := buildBenchTree(b)

	b.ResetTimer()

	for idx := range b.N {
		handle := handles[idx%len(handles)]
		tree.Erase(handle)
		tree.Insert(handle, lessUint64)
	}
}

func BenchmarkSearch(b *testing.B) {
	tree, handles := buildBenchTree(b)

	b.ResetTimer()

	for idx := range b.N {
		key := *tree.Item(handles[idx%len(handles)])
		tree.Search(func(item *uint64) int {
			switch {
			case key < *item:
				return -1
			case key > *item:
				return 1
			default:
				return 0
			}
		})
	}
}

func BenchmarkHibernateBoot(b *testing.B) {
	tree, _ := buildBenchTree(b)

	b.ResetTimer()

	for range b.N {
		tree.Arena().Hibernate()
		tree.Arena().Boot()
	}
}
