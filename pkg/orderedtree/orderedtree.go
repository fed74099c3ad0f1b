// Package orderedtree couples a red-black tree with a doubly linked list
// threaded through the same arena slots, so in-order neighbours are one
// link away.
package orderedtree

import (
	"errors"
	"fmt"
	"iter"

	"github.com/Sumatoshi-tech/vmspace/pkg/rbtree"
)

// ErrListMismatch is returned by Validate when the list and the tree disagree.
var ErrListMismatch = errors.New("orderedtree: list and tree disagree")

// Handle addresses an element slot.
type Handle = rbtree.Handle

// Nil is the reserved "no element" handle.
const Nil = rbtree.Nil

// LessFunc reports whether a sorts before b.
type LessFunc[T any] func(a, b *T) bool

// CompareFunc compares a search key against a stored value and returns the
// sign of key minus value.
type CompareFunc[K, T any] func(key K, value *T) int

type entry[T any] struct {
	prev, next Handle
	value      T
}

// Tree is an ordered container. Slots are obtained with Alloc and given back
// with Release; Insert and Erase only link and unlink them.
type Tree[T any] struct {
	tree       *rbtree.Tree[entry[T]]
	head, tail Handle
}

// New creates an empty container with its own arena.
func New[T any]() *Tree[T] {
	return &Tree[T]{tree: rbtree.New(rbtree.NewArena[entry[T]]())}
}

func (tree *Tree[T]) arena() *rbtree.Arena[entry[T]] {
	return tree.tree.Arena()
}

func (tree *Tree[T]) entry(handle Handle) *entry[T] {
	return tree.arena().Item(handle)
}

// Alloc stores value in a detached slot.
func (tree *Tree[T]) Alloc(value T) Handle {
	return tree.arena().Alloc(entry[T]{value: value})
}

// Release returns a detached slot to the arena.
func (tree *Tree[T]) Release(handle Handle) {
	tree.arena().Free(handle)
}

// Value returns the stored value. The pointer is invalidated by the next Alloc.
func (tree *Tree[T]) Value(handle Handle) *T {
	return &tree.entry(handle).value
}

// Len returns the number of linked elements.
func (tree *Tree[T]) Len() int {
	return tree.tree.Len()
}

// Contains reports whether handle is linked into this container.
func (tree *Tree[T]) Contains(handle Handle) bool {
	return tree.tree.Contains(handle)
}

// SetHibernationThreshold sets the arena size below which Hibernate is a no-op.
func (tree *Tree[T]) SetHibernationThreshold(threshold int) {
	tree.arena().HibernationThreshold = threshold
}

// Hibernate compresses the arena; see rbtree.Arena.Hibernate.
func (tree *Tree[T]) Hibernate() {
	tree.arena().Hibernate()
}

// Boot restores a hibernated arena.
func (tree *Tree[T]) Boot() {
	tree.arena().Boot()
}

// Hibernated reports whether the arena is compressed.
func (tree *Tree[T]) Hibernated() bool {
	return tree.arena().Hibernated()
}

// Clone returns an independent copy; handles stay valid in the copy.
func (tree *Tree[T]) Clone() *Tree[T] {
	return &Tree[T]{
		tree: tree.tree.CloneShallow(tree.arena().Clone()),
		head: tree.head,
		tail: tree.tail,
	}
}

func wrapLess[T any](less LessFunc[T]) rbtree.LessFunc[entry[T]] {
	return func(a, b *entry[T]) bool {
		return less(&a.value, &b.value)
	}
}

func wrapCompare[K, T any](key K, cmp CompareFunc[K, T]) rbtree.KeyFunc[entry[T]] {
	return func(item *entry[T]) int {
		return cmp(key, &item.value)
	}
}

// Insert links a detached slot in sort order. Equal values keep insertion order.
func (tree *Tree[T]) Insert(handle Handle, less LessFunc[T]) {
	pos := tree.tree.Locate(handle, wrapLess(less))
	tree.tree.InsertAt(handle, pos)

	switch {
	case pos.Parent == Nil:
		// The tree was empty.
		nd := tree.entry(handle)
		nd.prev, nd.next = Nil, Nil
		tree.head, tree.tail = handle, handle
	case pos.Left:
		tree.insertBefore(pos.Parent, handle)
	default:
		tree.insertAfter(pos.Parent, handle)
	}
}

// Erase unlinks an element; the slot stays allocated.
func (tree *Tree[T]) Erase(handle Handle) {
	tree.tree.Erase(handle)

	nd := tree.entry(handle)
	prev, next := nd.prev, nd.next

	if prev != Nil {
		tree.entry(prev).next = next
	} else {
		tree.head = next
	}

	if next != Nil {
		tree.entry(next).prev = prev
	} else {
		tree.tail = prev
	}

	nd.prev, nd.next = Nil, Nil
}

// ReplaceNode puts a detached slot where a linked one is, in both the tree and
// the list. The caller keeps the order intact.
func (tree *Tree[T]) ReplaceNode(oldHandle, newHandle Handle) {
	tree.tree.ReplaceNode(oldHandle, newHandle)

	oldNode := tree.entry(oldHandle)
	newNode := tree.entry(newHandle)
	newNode.prev, newNode.next = oldNode.prev, oldNode.next
	oldNode.prev, oldNode.next = Nil, Nil

	if newNode.prev != Nil {
		tree.entry(newNode.prev).next = newHandle
	} else {
		tree.head = newHandle
	}

	if newNode.next != Nil {
		tree.entry(newNode.next).prev = newHandle
	} else {
		tree.tail = newHandle
	}
}

// First returns the minimum element, or Nil.
func (tree *Tree[T]) First() Handle {
	return tree.head
}

// Last returns the maximum element, or Nil.
func (tree *Tree[T]) Last() Handle {
	return tree.tail
}

// Next returns the in-order successor, or Nil.
func (tree *Tree[T]) Next(handle Handle) Handle {
	return tree.entry(handle).next
}

// Prev returns the in-order predecessor, or Nil.
func (tree *Tree[T]) Prev(handle Handle) Handle {
	return tree.entry(handle).prev
}

// All iterates the elements in order. The current element may be erased
// during iteration.
func (tree *Tree[T]) All() iter.Seq2[Handle, *T] {
	return func(yield func(Handle, *T) bool) {
		for cursor := tree.head; cursor != Nil; {
			nd := tree.entry(cursor)
			next := nd.next

			if !yield(cursor, &nd.value) {
				return
			}

			cursor = next
		}
	}
}

// Backward iterates the elements in reverse order.
func (tree *Tree[T]) Backward() iter.Seq2[Handle, *T] {
	return func(yield func(Handle, *T) bool) {
		for cursor := tree.tail; cursor != Nil; {
			nd := tree.entry(cursor)
			prev := nd.prev

			if !yield(cursor, &nd.value) {
				return
			}

			cursor = prev
		}
	}
}

// Search returns an element comparing equal to key, or Nil.
func Search[K, T any](tree *Tree[T], key K, cmp CompareFunc[K, T]) Handle {
	return tree.tree.Search(wrapCompare(key, cmp))
}

// SearchFirst returns the first element in order comparing equal to key, or Nil.
func SearchFirst[K, T any](tree *Tree[T], key K, cmp CompareFunc[K, T]) Handle {
	return tree.tree.SearchFirst(wrapCompare(key, cmp))
}

// SearchNearest returns an element comparing equal to key or a neighbour of
// the position key would take. Nil only for an empty container.
func SearchNearest[K, T any](tree *Tree[T], key K, cmp CompareFunc[K, T]) Handle {
	return tree.tree.SearchNearest(wrapCompare(key, cmp))
}

// NextMatch returns the successor of handle if it also compares equal to key.
func NextMatch[K, T any](tree *Tree[T], handle Handle, key K, cmp CompareFunc[K, T]) Handle {
	next := tree.Next(handle)
	if next != Nil && cmp(key, tree.Value(next)) == 0 {
		return next
	}

	return Nil
}

// Validate checks the tree invariants and that the list visits exactly the
// tree members in order.
func (tree *Tree[T]) Validate(less LessFunc[T]) error {
	err := tree.tree.Validate(wrapLess(less))
	if err != nil {
		return fmt.Errorf("validate tree: %w", err)
	}

	listCursor := tree.head
	prev := Nil
	count := 0

	for treeCursor := tree.tree.First(); treeCursor != Nil; treeCursor = tree.tree.Next(treeCursor) {
		if listCursor != treeCursor {
			return fmt.Errorf("%w: position %d holds %d in the list, %d in the tree",
				ErrListMismatch, count, listCursor, treeCursor)
		}

		if tree.entry(listCursor).prev != prev {
			return fmt.Errorf("%w: element %d links back to %d, want %d",
				ErrListMismatch, listCursor, tree.entry(listCursor).prev, prev)
		}

		prev = listCursor
		listCursor = tree.entry(listCursor).next
		count++
	}

	if listCursor != Nil {
		return fmt.Errorf("%w: list continues past the tree at %d", ErrListMismatch, listCursor)
	}

	if tree.tail != prev {
		return fmt.Errorf("%w: tail is %d, want %d", ErrListMismatch, tree.tail, prev)
	}

	return nil
}

func (tree *Tree[T]) insertBefore(anchor, handle Handle) {
	anchorNode := tree.entry(anchor)
	nd := tree.entry(handle)
	prev := anchorNode.prev

	nd.prev, nd.next = prev, anchor
	anchorNode.prev = handle

	if prev != Nil {
		tree.entry(prev).next = handle
	} else {
		tree.head = handle
	}
}

func (tree *Tree[T]) insertAfter(anchor, handle Handle) {
	anchorNode := tree.entry(anchor)
	nd := tree.entry(handle)
	next := anchorNode.next

	nd.prev, nd.next = anchor, next
	anchorNode.next = handle

	if next != Nil {
		tree.entry(next).prev = handle
	} else {
		tree.tail = handle
	}
}
