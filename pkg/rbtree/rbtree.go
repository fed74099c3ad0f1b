// Package rbtree provides a red-black tree whose nodes live in an Arena and
// are addressed by integer handles, plus LZ4 hibernation of the arena.
package rbtree

import (
	"errors"
	"fmt"
)

// ErrCorrupt is returned by Validate when the tree breaks a red-black or ordering invariant.
var ErrCorrupt = errors.New("rbtree: corrupt tree")

const (
	red   = false
	black = true
)

// LessFunc reports whether a sorts before b.
type LessFunc[T any] func(a, b *T) bool

// KeyFunc compares a search key against item and returns its sign:
// negative when the key sorts before item, zero on a match, positive after.
type KeyFunc[T any] func(item *T) int

// Position is the attach point of a new node: the parent and the side.
// A zero Parent means the node becomes the root.
type Position struct {
	Parent Handle
	Left   bool
}

// Tree is a red-black tree threaded through the slots of an Arena.
//
// The tree never allocates or releases slots; it links and unlinks the slots
// handed to it. Equal items are kept in insertion order.
type Tree[T any] struct {
	// Slot storage.
	arena *Arena[T]

	// Root of the tree.
	root Handle

	// Number of nodes under root, including the root.
	count int
}

// New creates an empty tree over arena.
func New[T any](arena *Arena[T]) *Tree[T] {
	return &Tree[T]{arena: arena}
}

func (tree *Tree[T]) slots() []slot[T] {
	if tree.arena.storage == nil {
		panic("hibernated arenas cannot be used")
	}

	return tree.arena.storage
}

// Arena returns the bound slot arena.
func (tree *Tree[T]) Arena() *Arena[T] {
	return tree.arena
}

// CloneShallow copies the tree header onto arena, which must be a clone of
// the original arena.
func (tree *Tree[T]) CloneShallow(arena *Arena[T]) *Tree[T] {
	clone := *tree
	clone.arena = arena

	return &clone
}

// Len returns the number of elements in the tree.
func (tree *Tree[T]) Len() int {
	return tree.count
}

// Root returns the root handle, Nil for an empty tree.
func (tree *Tree[T]) Root() Handle {
	return tree.root
}

// Item returns the payload of a slot.
func (tree *Tree[T]) Item(handle Handle) *T {
	return tree.arena.Item(handle)
}

// Contains reports whether handle is a member of this tree.
func (tree *Tree[T]) Contains(handle Handle) bool {
	alloc := tree.slots()

	if handle == Nil || int(handle) >= len(alloc) || !alloc[handle].attached {
		return false
	}

	for alloc[handle].parent != Nil {
		handle = alloc[handle].parent
	}

	return handle == tree.root
}

// Locate finds where handle would be attached. Ties go right.
func (tree *Tree[T]) Locate(handle Handle, less LessFunc[T]) Position {
	alloc := tree.slots()
	item := &alloc[handle].item
	pos := Position{}

	for cursor := tree.root; cursor != Nil; {
		pos.Parent = cursor
		pos.Left = less(item, &alloc[cursor].item)

		if pos.Left {
			cursor = alloc[cursor].left
		} else {
			cursor = alloc[cursor].right
		}
	}

	return pos
}

// Insert links a detached slot into the tree according to less.
func (tree *Tree[T]) Insert(handle Handle, less LessFunc[T]) Position {
	pos := tree.Locate(handle, less)
	tree.InsertAt(handle, pos)

	return pos
}

// InsertAt links a detached slot at pos, usually obtained from Locate, and
// rebalances.
func (tree *Tree[T]) InsertAt(handle Handle, pos Position) {
	alloc := tree.slots()
	doAssert(handle != Nil && !alloc[handle].attached)

	nd := &alloc[handle]
	nd.parent, nd.left, nd.right = pos.Parent, Nil, Nil
	nd.color = red
	nd.attached = true

	switch {
	case pos.Parent == Nil:
		doAssert(tree.root == Nil)
		tree.root = handle
	case pos.Left:
		doAssert(alloc[pos.Parent].left == Nil)
		alloc[pos.Parent].left = handle
	default:
		doAssert(alloc[pos.Parent].right == Nil)
		alloc[pos.Parent].right = handle
	}

	tree.count++
	tree.insertFixup(handle)
}

// Erase unlinks a member and rebalances. The slot stays allocated.
func (tree *Tree[T]) Erase(handle Handle) {
	doAssert(tree.Contains(handle))

	parent, isLeft, deficient := tree.unlink(handle)
	if deficient {
		tree.eraseFixup(parent, isLeft)
	}
}

// ReplaceNode puts a detached slot at the exact position and color of a
// member, which becomes detached. The caller keeps the order intact.
func (tree *Tree[T]) ReplaceNode(oldHandle, newHandle Handle) {
	doAssert(tree.Contains(oldHandle))

	alloc := tree.slots()
	doAssert(newHandle != Nil && !alloc[newHandle].attached)

	oldNode := &alloc[oldHandle]
	newNode := &alloc[newHandle]
	newNode.left, newNode.right = oldNode.left, oldNode.right
	newNode.color = oldNode.color
	newNode.attached = true

	setParent(alloc, newNode.left, newHandle)
	setParent(alloc, newNode.right, newHandle)
	tree.changeChild(oldNode.parent, oldHandle, newHandle)
	detach(alloc, oldHandle)
}

// Search returns a member matching key, or Nil.
func (tree *Tree[T]) Search(key KeyFunc[T]) Handle {
	alloc := tree.slots()
	cursor := tree.root

	for cursor != Nil {
		comp := key(&alloc[cursor].item)

		switch {
		case comp == 0:
			return cursor
		case comp < 0:
			cursor = alloc[cursor].left
		default:
			cursor = alloc[cursor].right
		}
	}

	return Nil
}

// SearchFirst returns the left-most member matching key, or Nil.
func (tree *Tree[T]) SearchFirst(key KeyFunc[T]) Handle {
	alloc := tree.slots()
	found := Nil
	cursor := tree.root

	for cursor != Nil {
		comp := key(&alloc[cursor].item)
		if comp == 0 {
			found = cursor
		}

		if comp <= 0 {
			cursor = alloc[cursor].left
		} else {
			cursor = alloc[cursor].right
		}
	}

	return found
}

// SearchNearest returns a member matching key or, failing that, the last
// node visited: a neighbour of the key's insertion point. Nil only for an
// empty tree.
func (tree *Tree[T]) SearchNearest(key KeyFunc[T]) Handle {
	alloc := tree.slots()
	last := Nil
	cursor := tree.root

	for cursor != Nil {
		last = cursor
		comp := key(&alloc[cursor].item)

		switch {
		case comp == 0:
			return cursor
		case comp < 0:
			cursor = alloc[cursor].left
		default:
			cursor = alloc[cursor].right
		}
	}

	return last
}

// NextMatch returns the in-order successor of handle if it also matches key.
func (tree *Tree[T]) NextMatch(handle Handle, key KeyFunc[T]) Handle {
	next := tree.Next(handle)
	if next != Nil && key(&tree.slots()[next].item) == 0 {
		return next
	}

	return Nil
}

// First returns the minimum member, or Nil.
func (tree *Tree[T]) First() Handle {
	if tree.root == Nil {
		return Nil
	}

	return leftmost(tree.slots(), tree.root)
}

// Last returns the maximum member, or Nil.
func (tree *Tree[T]) Last() Handle {
	if tree.root == Nil {
		return Nil
	}

	return rightmost(tree.slots(), tree.root)
}

// Next returns the in-order successor of a member, or Nil.
func (tree *Tree[T]) Next(handle Handle) Handle {
	alloc := tree.slots()
	doAssert(handle != Nil && alloc[handle].attached)

	if alloc[handle].right != Nil {
		return leftmost(alloc, alloc[handle].right)
	}

	for alloc[handle].parent != Nil {
		parent := alloc[handle].parent
		if alloc[parent].left == handle {
			return parent
		}

		handle = parent
	}

	return Nil
}

// Prev returns the in-order predecessor of a member, or Nil.
func (tree *Tree[T]) Prev(handle Handle) Handle {
	alloc := tree.slots()
	doAssert(handle != Nil && alloc[handle].attached)

	if alloc[handle].left != Nil {
		return rightmost(alloc, alloc[handle].left)
	}

	for alloc[handle].parent != Nil {
		parent := alloc[handle].parent
		if alloc[parent].right == handle {
			return parent
		}

		handle = parent
	}

	return Nil
}

// Validate checks the parent links, the red rule, equal black height on every
// path, in-order sortedness under less and the node count.
func (tree *Tree[T]) Validate(less LessFunc[T]) error {
	alloc := tree.slots()

	if tree.root == Nil {
		if tree.count != 0 {
			return fmt.Errorf("%w: empty tree counts %d nodes", ErrCorrupt, tree.count)
		}

		return nil
	}

	if alloc[tree.root].parent != Nil {
		return fmt.Errorf("%w: root %d has parent %d", ErrCorrupt, tree.root, alloc[tree.root].parent)
	}

	if alloc[tree.root].color != black {
		return fmt.Errorf("%w: root %d is red", ErrCorrupt, tree.root)
	}

	count, _, err := validateSubtree(alloc, tree.root)
	if err != nil {
		return err
	}

	if count != tree.count {
		return fmt.Errorf("%w: counted %d nodes, header says %d", ErrCorrupt, count, tree.count)
	}

	prev := Nil

	for cursor := tree.First(); cursor != Nil; cursor = tree.Next(cursor) {
		if prev != Nil && less(&alloc[cursor].item, &alloc[prev].item) {
			return fmt.Errorf("%w: node %d sorts before its predecessor %d", ErrCorrupt, cursor, prev)
		}

		prev = cursor
	}

	return nil
}

func validateSubtree[T any](alloc []slot[T], handle Handle) (count, blackHeight int, err error) {
	if handle == Nil {
		return 0, 1, nil
	}

	nd := &alloc[handle]
	if !nd.attached {
		return 0, 0, fmt.Errorf("%w: node %d is linked but detached", ErrCorrupt, handle)
	}

	for _, child := range [2]Handle{nd.left, nd.right} {
		if child == Nil {
			continue
		}

		if alloc[child].parent != handle {
			return 0, 0, fmt.Errorf("%w: node %d points to parent %d, want %d",
				ErrCorrupt, child, alloc[child].parent, handle)
		}

		if nd.color == red && alloc[child].color == red {
			return 0, 0, fmt.Errorf("%w: red node %d has red child %d", ErrCorrupt, handle, child)
		}
	}

	leftCount, leftHeight, err := validateSubtree(alloc, nd.left)
	if err != nil {
		return 0, 0, err
	}

	rightCount, rightHeight, err := validateSubtree(alloc, nd.right)
	if err != nil {
		return 0, 0, err
	}

	if leftHeight != rightHeight {
		return 0, 0, fmt.Errorf("%w: node %d has black heights %d and %d",
			ErrCorrupt, handle, leftHeight, rightHeight)
	}

	if nd.color == black {
		leftHeight++
	}

	return leftCount + rightCount + 1, leftHeight, nil
}

func doAssert(condition bool) {
	if !condition {
		panic("rbtree internal assertion failed")
	}
}

// Internal node attribute accessors.
func getColor[T any](handle Handle, alloc []slot[T]) bool {
	if handle == Nil {
		return black
	}

	return alloc[handle].color
}

func childOf[T any](alloc []slot[T], handle Handle, left bool) Handle {
	if left {
		return alloc[handle].left
	}

	return alloc[handle].right
}

func setChild[T any](alloc []slot[T], handle Handle, left bool, child Handle) {
	if left {
		alloc[handle].left = child
	} else {
		alloc[handle].right = child
	}
}

func setParent[T any](alloc []slot[T], handle, parent Handle) {
	if handle != Nil {
		alloc[handle].parent = parent
	}
}

func leftmost[T any](alloc []slot[T], handle Handle) Handle {
	for alloc[handle].left != Nil {
		handle = alloc[handle].left
	}

	return handle
}

func rightmost[T any](alloc []slot[T], handle Handle) Handle {
	for alloc[handle].right != Nil {
		handle = alloc[handle].right
	}

	return handle
}

func detach[T any](alloc []slot[T], handle Handle) {
	nd := &alloc[handle]
	nd.parent, nd.left, nd.right = Nil, Nil, Nil
	nd.color = red
	nd.attached = false
}

// Private methods.

// changeChild makes newChild take oldChild's place under parent.
func (tree *Tree[T]) changeChild(parent, oldChild, newChild Handle) {
	alloc := tree.arena.storage

	switch {
	case parent == Nil:
		tree.root = newChild
	case alloc[parent].left == oldChild:
		alloc[parent].left = newChild
	default:
		alloc[parent].right = newChild
	}

	setParent(alloc, newChild, parent)
}

// connect34 rebuilds three nodes a < b < c and their four subtrees into
// b(a(t0, t1), c(t2, t3)). The caller reattaches b to the old local parent.
func (tree *Tree[T]) connect34(nodeA, nodeB, nodeC, tree0, tree1, tree2, tree3 Handle) Handle {
	alloc := tree.arena.storage

	alloc[nodeA].left, alloc[nodeA].right = tree0, tree1
	setParent(alloc, tree0, nodeA)
	setParent(alloc, tree1, nodeA)

	alloc[nodeC].left, alloc[nodeC].right = tree2, tree3
	setParent(alloc, tree2, nodeC)
	setParent(alloc, tree3, nodeC)

	alloc[nodeB].left, alloc[nodeB].right = nodeA, nodeC
	alloc[nodeA].parent, alloc[nodeC].parent = nodeB, nodeB

	return nodeB
}

// rotate lifts the child of pivot opposite to the left side above pivot.
func (tree *Tree[T]) rotate(pivot Handle, left bool) {
	alloc := tree.arena.storage
	up := childOf(alloc, pivot, !left)
	inner := childOf(alloc, up, left)

	setChild(alloc, pivot, !left, inner)
	setParent(alloc, inner, pivot)
	tree.changeChild(alloc[pivot].parent, pivot, up)
	setChild(alloc, up, left, pivot)
	alloc[pivot].parent = up
}

func (tree *Tree[T]) insertFixup(handle Handle) {
	alloc := tree.arena.storage

	for {
		parent := alloc[handle].parent

		// The node is the root.
		if parent == Nil {
			alloc[handle].color = black

			return
		}

		// A black parent already satisfies the RB properties.
		if alloc[parent].color == black {
			return
		}

		// A red parent is never the root.
		grandparent := alloc[parent].parent
		parentIsLeft := alloc[grandparent].left == parent
		uncle := childOf(alloc, grandparent, !parentIsLeft)

		// Red uncle: push the blackness down from the grandparent.
		if getColor(uncle, alloc) == red {
			alloc[parent].color = black
			alloc[uncle].color = black
			alloc[grandparent].color = red
			handle = grandparent

			continue
		}

		greatGrandparent := alloc[grandparent].parent
		nodeIsLeft := alloc[parent].left == handle

		var top Handle

		switch {
		case parentIsLeft && nodeIsLeft:
			top = tree.connect34(handle, parent, grandparent,
				alloc[handle].left, alloc[handle].right, alloc[parent].right, uncle)
		case parentIsLeft:
			top = tree.connect34(parent, handle, grandparent,
				alloc[parent].left, alloc[handle].left, alloc[handle].right, uncle)
		case !nodeIsLeft:
			top = tree.connect34(grandparent, parent, handle,
				uncle, alloc[parent].left, alloc[handle].left, alloc[handle].right)
		default:
			top = tree.connect34(grandparent, handle, parent,
				uncle, alloc[handle].left, alloc[handle].right, alloc[parent].right)
		}

		tree.changeChild(greatGrandparent, grandparent, top)
		alloc[top].color = black
		alloc[grandparent].color = red

		return
	}
}

// unlink removes handle from the tree and reports where a black node went
// missing: the parent of the short subtree and its side.
func (tree *Tree[T]) unlink(handle Handle) (parent Handle, isLeft, deficient bool) {
	alloc := tree.arena.storage
	nd := &alloc[handle]

	var (
		child        Handle
		removedColor bool
	)

	if nd.left != Nil && nd.right != Nil {
		// The successor takes the node's place and color; the hole is where the successor was.
		succ := leftmost(alloc, nd.right)
		removedColor = alloc[succ].color
		child = alloc[succ].right

		if alloc[succ].parent == handle {
			parent, isLeft = succ, false
		} else {
			parent, isLeft = alloc[succ].parent, true
			alloc[parent].left = child
			setParent(alloc, child, parent)
			alloc[succ].right = nd.right
			alloc[nd.right].parent = succ
		}

		alloc[succ].left = nd.left
		alloc[nd.left].parent = succ
		alloc[succ].color = nd.color
		tree.changeChild(nd.parent, handle, succ)
	} else {
		child = nd.left
		if child == Nil {
			child = nd.right
		}

		removedColor = nd.color
		parent = nd.parent
		isLeft = parent != Nil && alloc[parent].left == handle
		tree.changeChild(parent, handle, child)
	}

	detach(alloc, handle)
	tree.count--

	if removedColor == red {
		return parent, isLeft, false
	}

	if getColor(child, alloc) == red {
		alloc[child].color = black

		return parent, isLeft, false
	}

	return parent, isLeft, parent != Nil
}

// eraseFixup restores the black height when the isLeft subtree of parent is one black node short.
func (tree *Tree[T]) eraseFixup(parent Handle, isLeft bool) {
	alloc := tree.arena.storage

	for parent != Nil {
		sibling := childOf(alloc, parent, !isLeft)
		doAssert(sibling != Nil)

		// Red sibling: rotate it above the parent and retry with a black sibling.
		if alloc[sibling].color == red {
			alloc[sibling].color = black
			alloc[parent].color = red
			tree.rotate(parent, isLeft)

			continue
		}

		near := childOf(alloc, sibling, isLeft)
		far := childOf(alloc, sibling, !isLeft)

		if getColor(far, alloc) == red || getColor(near, alloc) == red {
			short := childOf(alloc, parent, isLeft)
			grandparent := alloc[parent].parent
			parentColor := alloc[parent].color

			var top Handle

			switch {
			case isLeft && getColor(far, alloc) == red:
				top = tree.connect34(parent, sibling, far,
					short, near, alloc[far].left, alloc[far].right)
			case isLeft:
				top = tree.connect34(parent, near, sibling,
					short, alloc[near].left, alloc[near].right, far)
			case getColor(far, alloc) == red:
				top = tree.connect34(far, sibling, parent,
					alloc[far].left, alloc[far].right, near, short)
			default:
				top = tree.connect34(sibling, near, parent,
					far, alloc[near].left, alloc[near].right, short)
			}

			tree.changeChild(grandparent, parent, top)
			alloc[top].color = parentColor
			alloc[alloc[top].left].color = black
			alloc[alloc[top].right].color = black

			return
		}

		// Both nephews are black.
		alloc[sibling].color = red

		if alloc[parent].color == red {
			alloc[parent].color = black

			return
		}

		grandparent := alloc[parent].parent
		if grandparent != Nil {
			isLeft = alloc[grandparent].left == parent
		}

		parent = grandparent
	}
}
