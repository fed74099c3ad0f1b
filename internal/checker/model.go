package checker

import (
	"slices"

	"github.com/Sumatoshi-tech/vmspace/pkg/orderedtree"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

// Item is the payload of the checked tree. Seq records insertion order so
// duplicates can be told apart.
type Item struct {
	Key int
	Seq int
}

func lessItem(a, b *Item) bool {
	return a.Key < b.Key
}

func compareKey(key int, item *Item) int {
	switch {
	case key < item.Key:
		return -1
	case key > item.Key:
		return 1
	default:
		return 0
	}
}

type modelEntry struct {
	item   Item
	handle orderedtree.Handle
}

// multisetModel is a slice kept sorted by key, then by insertion order.
type multisetModel struct {
	entries []modelEntry
}

func (model *multisetModel) insert(item Item, handle orderedtree.Handle) {
	// Equal keys go after the ones already present.
	idx, _ := slices.BinarySearchFunc(model.entries, item.Key+1, func(entry modelEntry, key int) int {
		return entry.item.Key - key
	})
	model.entries = slices.Insert(model.entries, idx, modelEntry{item: item, handle: handle})
}

func (model *multisetModel) remove(idx int) modelEntry {
	entry := model.entries[idx]
	model.entries = slices.Delete(model.entries, idx, idx+1)

	return entry
}

// first returns the earliest inserted item with key.
func (model *multisetModel) first(key int) (Item, bool) {
	idx, found := slices.BinarySearchFunc(model.entries, key, func(entry modelEntry, key int) int {
		return entry.item.Key - key
	})
	if !found {
		return Item{}, false
	}

	return model.entries[idx].item, true
}

func (model *multisetModel) items() []Item {
	items := make([]Item, 0, len(model.entries))
	for _, entry := range model.entries {
		items = append(items, entry.item)
	}

	return items
}

// linearModel is an allocator that keeps used ranges in a sorted slice and
// searches it front to back.
type linearModel struct {
	window   vmspace.Window
	pageSize vmspace.Addr
	used     []vmspace.Range
}

func (model *linearModel) roundUp(size vmspace.Addr) vmspace.Addr {
	return (size + model.pageSize - 1) / model.pageSize * model.pageSize
}

func (model *linearModel) firstFit(size vmspace.Addr) (vmspace.Addr, bool) {
	low := model.window.Base

	for _, record := range model.used {
		if record.Start-low >= size {
			return low, true
		}

		low = record.End()
	}

	if model.window.End()-low >= size {
		return low, true
	}

	return 0, false
}

// free gives the count and byte total of the ranges inside query, or the
// sentinel error AddressSpace.Free reports.
func (model *linearModel) free(query vmspace.Range) (int, vmspace.Addr, error) {
	kept := make([]vmspace.Range, 0, len(model.used))
	released := vmspace.Addr(0)

	for _, record := range model.used {
		switch {
		case !record.Overlaps(query):
			kept = append(kept, record)
		case !query.Covers(record):
			return 0, 0, vmspace.ErrPartialRelease
		default:
			released += record.Len
		}
	}

	removed := len(model.used) - len(kept)
	if removed == 0 {
		return 0, 0, vmspace.ErrNotAllocated
	}

	model.used = kept

	return removed, released, nil
}

func (model *linearModel) insert(record vmspace.Range) {
	idx, _ := slices.BinarySearchFunc(model.used, record.Start, func(item vmspace.Range, start vmspace.Addr) int {
		switch {
		case item.Start < start:
			return -1
		case item.Start > start:
			return 1
		default:
			return 0
		}
	})

	model.used = slices.Insert(model.used, idx, record)
}

func (model *linearModel) overlapsAny(record vmspace.Range) bool {
	for _, used := range model.used {
		if used.Overlaps(record) {
			return true
		}
	}

	return false
}
