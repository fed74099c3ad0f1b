package rbtree

import (
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/vmspace/pkg/safeconv"
)

// growCapacityNumerator and growCapacityDenominator define the 3/2 growth factor for storage.
const (
	growCapacityNumerator   = 3
	growCapacityDenominator = 2
)

// Column indexes of the hibernated arena.
const (
	columnParent = iota
	columnLeft
	columnRight
	columnFlags
	columnGaps
	columnCount
)

// Bits of the flags column.
const (
	flagBlack uint32 = 1 << iota
	flagAttached
)

// Handle addresses a slot in an Arena.
type Handle uint32

// Nil is the reserved handle meaning "no slot".
const Nil Handle = 0

// maxHandle is the last handle an arena hands out.
const maxHandle = math.MaxUint32 - 1

type slot[T any] struct {
	item                T
	parent, left, right Handle
	color               bool // Black or red.
	attached            bool // Linked into a tree.
}

// Arena owns the slot storage of one or more trees. Trees only link slots
// together; allocating and releasing them is the arena's business.
type Arena[T any] struct {
	storage              []slot[T]
	gaps                 map[Handle]bool
	hibernatedData       [columnCount][]byte
	hibernatedItems      []T
	HibernationThreshold int
	hibernatedStorageLen int
	hibernatedGapsLen    int
}

// NewArena creates an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{
		storage: []slot[T]{},
		gaps:    map[Handle]bool{},
	}
}

// Size returns the number of slots, including released and reserved ones.
func (arena *Arena[T]) Size() int {
	if arena.storage == nil {
		return arena.hibernatedStorageLen
	}

	return len(arena.storage)
}

// Used returns the number of live slots.
func (arena *Arena[T]) Used() int {
	if arena.storage == nil {
		panic("hibernated arenas cannot be used")
	}

	if len(arena.storage) == 0 {
		return 0
	}

	// Slot zero is reserved.
	return len(arena.storage) - len(arena.gaps) - 1
}

// Hibernated reports whether the arena is currently compressed.
func (arena *Arena[T]) Hibernated() bool {
	return arena.storage == nil
}

// Clone copies the arena. Handles stay valid in the copy.
func (arena *Arena[T]) Clone() *Arena[T] {
	if arena.storage == nil {
		panic("cannot clone a hibernated arena")
	}

	clone := &Arena[T]{
		HibernationThreshold: arena.HibernationThreshold,
		storage:              make([]slot[T], len(arena.storage), cap(arena.storage)),
		gaps:                 make(map[Handle]bool, len(arena.gaps)),
	}
	copy(clone.storage, arena.storage)
	maps.Copy(clone.gaps, arena.gaps)

	return clone
}

// Alloc stores item in a fresh detached slot and returns its handle.
func (arena *Arena[T]) Alloc(item T) Handle {
	if arena.storage == nil {
		panic("hibernated arenas cannot be used")
	}

	if len(arena.gaps) > 0 {
		var key Handle

		for key = range arena.gaps {
			break
		}

		delete(arena.gaps, key)
		arena.storage[key] = slot[T]{item: item}

		return key
	}

	slotLen := len(arena.storage)
	if slotLen == 0 {
		// Zero is reserved.
		arena.storage = append(arena.storage, slot[T]{})
		slotLen = 1
	}

	if slotLen > maxHandle {
		panic("the arena has reached the maximum number of uint32 handles")
	}

	arena.storage = append(arena.storage, slot[T]{item: item})

	return Handle(safeconv.MustIntToUint32(slotLen))
}

// Free releases a detached slot for reuse.
func (arena *Arena[T]) Free(handle Handle) {
	if arena.storage == nil {
		panic("hibernated arenas cannot be used")
	}

	if handle == Nil {
		panic("slot #0 is special and cannot be released")
	}

	doAssert(int(handle) < len(arena.storage))
	doAssert(!arena.gaps[handle])
	doAssert(!arena.storage[handle].attached)

	arena.storage[handle] = slot[T]{}
	arena.gaps[handle] = true
}

// Item returns a pointer to the payload of a live slot. The pointer is
// invalidated by the next Alloc.
func (arena *Arena[T]) Item(handle Handle) *T {
	if arena.storage == nil {
		panic("hibernated arenas cannot be used")
	}

	doAssert(handle != Nil && int(handle) < len(arena.storage))

	return &arena.storage[handle].item
}

// Hibernate compresses the link columns and parks the payloads. The arena
// panics on use until Boot is called. Arenas smaller than
// HibernationThreshold are left as is.
func (arena *Arena[T]) Hibernate() {
	if arena.storage == nil {
		panic("cannot hibernate an already hibernated arena")
	}

	if len(arena.storage) < arena.HibernationThreshold {
		return
	}

	arena.hibernatedStorageLen = len(arena.storage)
	if arena.hibernatedStorageLen == 0 {
		arena.storage = nil
		arena.gaps = nil

		return
	}

	buffers := [columnGaps][]uint32{}

	for idx := range buffers {
		buffers[idx] = make([]uint32, len(arena.storage))
	}

	arena.hibernatedItems = make([]T, len(arena.storage))

	// We deinterleave to achieve a better compression ratio.
	for idx := range arena.storage {
		nd := &arena.storage[idx]
		arena.hibernatedItems[idx] = nd.item
		buffers[columnParent][idx] = uint32(nd.parent)
		buffers[columnLeft][idx] = uint32(nd.left)
		buffers[columnRight][idx] = uint32(nd.right)

		if nd.color == black {
			buffers[columnFlags][idx] |= flagBlack
		}

		if nd.attached {
			buffers[columnFlags][idx] |= flagAttached
		}
	}

	gaps := arena.gaps
	arena.storage = nil
	arena.gaps = nil

	wg := &sync.WaitGroup{}
	wg.Add(len(buffers) + 1)

	for idx, buffer := range buffers {
		go func(bufIdx int, buf []uint32) {
			arena.hibernatedData[bufIdx] = CompressUInt32Slice(buf)
			buffers[bufIdx] = nil

			wg.Done()
		}(idx, buffer)
	}

	// Compress gaps.
	go func() {
		arena.hibernatedGapsLen = len(gaps)

		if len(gaps) > 0 {
			gapsBuffer := make([]uint32, 0, len(gaps))

			for key := range gaps {
				gapsBuffer = append(gapsBuffer, uint32(key))
			}

			slices.Sort(gapsBuffer)
			DeltaEncodeUInt32Slice(gapsBuffer)
			arena.hibernatedData[columnGaps] = CompressUInt32Slice(gapsBuffer)
		}

		wg.Done()
	}()

	wg.Wait()
}

// Boot performs the opposite of Hibernate() - decompresses and restores the slots.
func (arena *Arena[T]) Boot() {
	if arena.storage != nil {
		// Not hibernated.
		return
	}

	if arena.hibernatedStorageLen == 0 {
		arena.storage = []slot[T]{}
		arena.gaps = map[Handle]bool{}

		return
	}

	buffers := [columnGaps][]uint32{}
	errs := [columnCount]error{}
	gaps := map[Handle]bool{}

	wg := &sync.WaitGroup{}
	wg.Add(len(buffers) + 1)

	for idx := range buffers {
		go func(bufIdx int) {
			buffers[bufIdx] = make([]uint32, arena.hibernatedStorageLen)
			errs[bufIdx] = DecompressUInt32Slice(arena.hibernatedData[bufIdx], buffers[bufIdx])

			wg.Done()
		}(idx)
	}

	go func() {
		if arena.hibernatedGapsLen > 0 {
			buffer := make([]uint32, arena.hibernatedGapsLen)
			errs[columnGaps] = DecompressUInt32Slice(arena.hibernatedData[columnGaps], buffer)
			DeltaDecodeUInt32Slice(buffer)

			for _, key := range buffer {
				gaps[Handle(key)] = true
			}
		}

		wg.Done()
	}()

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			// The blocks were produced by Hibernate in this process.
			panic(err)
		}
	}

	capSize := (arena.hibernatedStorageLen * growCapacityNumerator) / growCapacityDenominator
	storage := make([]slot[T], arena.hibernatedStorageLen, capSize)

	for idx := range storage {
		nd := &storage[idx]
		nd.item = arena.hibernatedItems[idx]
		nd.parent = Handle(buffers[columnParent][idx])
		nd.left = Handle(buffers[columnLeft][idx])
		nd.right = Handle(buffers[columnRight][idx])
		nd.color = buffers[columnFlags][idx]&flagBlack != 0
		nd.attached = buffers[columnFlags][idx]&flagAttached != 0
	}

	arena.storage = storage
	arena.gaps = gaps
	arena.hibernatedData = [columnCount][]byte{}
	arena.hibernatedItems = nil
	arena.hibernatedStorageLen = 0
	arena.hibernatedGapsLen = 0
}

// HibernatedBytes returns the size of the compressed link columns.
func (arena *Arena[T]) HibernatedBytes() int {
	total := 0

	for _, block := range arena.hibernatedData {
		total += len(block)
	}

	return total
}
