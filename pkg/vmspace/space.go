// Package vmspace hands out non-overlapping virtual address ranges from a
// per-process window, keeping the used ranges in an ordered tree.
package vmspace

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/Sumatoshi-tech/vmspace/pkg/orderedtree"
)

// Option configures an AddressSpace.
type Option func(*AddressSpace)

// WithPolicy selects the placement policy.
func WithPolicy(policy Policy) Option {
	return func(space *AddressSpace) {
		space.policy = policy
	}
}

// WithPageSize sets the allocation granule. It must be a power of two.
func WithPageSize(pageSize Addr) Option {
	return func(space *AddressSpace) {
		space.pageSize = pageSize
	}
}

// WithLogger sets the logger for allocation events. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(space *AddressSpace) {
		if logger != nil {
			space.logger = logger
		}
	}
}

// WithHibernationThreshold sets the arena size below which Hibernate is a no-op.
func WithHibernationThreshold(threshold int) Option {
	return func(space *AddressSpace) {
		space.hibernationThreshold = threshold
	}
}

// AddressSpace tracks the used ranges of one window. Free space is the
// complement of the used ranges. It is not safe for concurrent use; see Registry.
type AddressSpace struct {
	window               Window
	pageSize             Addr
	policy               Policy
	logger               *slog.Logger
	hibernationThreshold int

	used *orderedtree.Tree[Range]

	// Next-fit search origin: the end of the last allocation or the start
	// of the last released range.
	cursor Addr
	inUse  Addr
}

// New creates an empty address space over window.
func New(window Window, opts ...Option) (*AddressSpace, error) {
	space := &AddressSpace{
		window:   window,
		pageSize: DefaultPageSize,
		policy:   FirstFit,
		logger:   slog.New(slog.DiscardHandler),
		used:     orderedtree.New[Range](),
		cursor:   window.Base,
	}

	for _, opt := range opts {
		opt(space)
	}

	if space.pageSize == 0 || space.pageSize&(space.pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %#x is not a power of two", ErrInvalidWindow, uint64(space.pageSize))
	}

	err := window.Validate(space.pageSize)
	if err != nil {
		return nil, err
	}

	if space.policy != FirstFit && space.policy != NextFit {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, space.policy)
	}

	space.used.SetHibernationThreshold(space.hibernationThreshold)

	return space, nil
}

// Window returns the managed window.
func (space *AddressSpace) Window() Window {
	return space.window
}

// PageSize returns the allocation granule.
func (space *AddressSpace) PageSize() Addr {
	return space.pageSize
}

// Policy returns the placement policy.
func (space *AddressSpace) Policy() Policy {
	return space.policy
}

// Len returns the number of allocated ranges.
func (space *AddressSpace) Len() int {
	return space.used.Len()
}

// InUse returns the number of allocated bytes.
func (space *AddressSpace) InUse() Addr {
	return space.inUse
}

// Alloc reserves size bytes, rounded up to the page size, and returns the
// start address. It returns 0 when size is 0, when size exceeds the window
// or when no gap is wide enough.
func (space *AddressSpace) Alloc(size Addr) Addr {
	if size == 0 || size > space.window.Size {
		return 0
	}

	// The window size is page aligned, so this cannot overflow past it.
	size, _ = alignUp(size, space.pageSize)

	var (
		start Addr
		found bool
	)

	if space.policy == NextFit {
		start, found = space.nextFit(size)
	} else {
		start, found = space.firstFit(size, space.window.End())
	}

	if !found {
		space.logger.Debug("vmspace: alloc exhausted",
			"size", uint64(size), "in_use", uint64(space.inUse), "ranges", space.used.Len())

		return 0
	}

	space.insert(Range{Start: start, Len: size})
	space.cursor = start + size

	space.logger.Debug("vmspace: alloc", "start", uint64(start), "size", uint64(size))

	return start
}

// Free releases every allocated range lying entirely inside
// [start, start+length) and returns the number of bytes released. The length
// is rounded up to the page size. Nothing is released when the interval cuts
// through an allocated range.
func (space *AddressSpace) Free(start, length Addr) (Addr, error) {
	if length == 0 {
		return 0, fmt.Errorf("%w: zero length at %#x", ErrInvalidRange, uint64(start))
	}

	length, ok := alignUp(length, space.pageSize)
	query := Range{Start: start, Len: length}

	if !ok || !space.window.Contains(query) {
		return 0, fmt.Errorf("%w: %s is outside %s", ErrInvalidRange, query, space.window)
	}

	victims := []orderedtree.Handle{}
	cursor := orderedtree.SearchFirst(space.used, query, compareRange)

	for cursor != orderedtree.Nil {
		record := *space.used.Value(cursor)
		if !query.Covers(record) {
			return 0, fmt.Errorf("%w: %s cuts %s", ErrPartialRelease, query, record)
		}

		victims = append(victims, cursor)
		cursor = orderedtree.NextMatch(space.used, cursor, query, compareRange)
	}

	if len(victims) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotAllocated, query)
	}

	space.cursor = space.used.Value(victims[0]).Start

	released := Addr(0)

	for _, victim := range victims {
		released += space.used.Value(victim).Len
		space.used.Erase(victim)
		space.used.Release(victim)
	}

	space.inUse -= released

	space.logger.Debug("vmspace: free",
		"start", uint64(start), "length", uint64(length), "released", uint64(released), "ranges", len(victims))

	return released, nil
}

// Reserve records a fixed, page-aligned range that must not overlap any
// allocated range.
func (space *AddressSpace) Reserve(start, length Addr) error {
	query := Range{Start: start, Len: length}

	if length == 0 || !space.window.Contains(query) {
		return fmt.Errorf("%w: %s is outside %s", ErrInvalidRange, query, space.window)
	}

	if start%space.pageSize != 0 || length%space.pageSize != 0 {
		return fmt.Errorf("%w: %s", ErrMisaligned, query)
	}

	if hit := orderedtree.Search(space.used, query, compareRange); hit != orderedtree.Nil {
		return fmt.Errorf("%w: %s meets %s", ErrOverlap, query, *space.used.Value(hit))
	}

	space.insert(query)

	space.logger.Debug("vmspace: reserve", "start", uint64(start), "length", uint64(length))

	return nil
}

// Lookup returns the allocated range holding addr.
func (space *AddressSpace) Lookup(addr Addr) (Range, bool) {
	hit := orderedtree.Search(space.used, Range{Start: addr, Len: 1}, compareRange)
	if hit == orderedtree.Nil {
		return Range{}, false
	}

	return *space.used.Value(hit), true
}

// Ranges iterates the allocated ranges in address order.
func (space *AddressSpace) Ranges() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		for _, record := range space.used.All() {
			if !yield(*record) {
				return
			}
		}
	}
}

// Gaps iterates the free intervals of the window in address order.
func (space *AddressSpace) Gaps() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		low := space.window.Base

		for _, record := range space.used.All() {
			if record.Start > low && !yield(Range{Start: low, Len: record.Start - low}) {
				return
			}

			low = record.End()
		}

		if low < space.window.End() {
			yield(Range{Start: low, Len: space.window.End() - low})
		}
	}
}

// Clone returns an independent copy, as for a forked process.
func (space *AddressSpace) Clone() *AddressSpace {
	clone := *space
	clone.used = space.used.Clone()

	return &clone
}

// Hibernate compresses the range tree until Boot. Every other method panics
// while the space is hibernated.
func (space *AddressSpace) Hibernate() {
	space.used.Hibernate()
}

// Boot restores a hibernated space.
func (space *AddressSpace) Boot() {
	space.used.Boot()
}

// Hibernated reports whether the space is compressed.
func (space *AddressSpace) Hibernated() bool {
	return space.used.Hibernated()
}

// Validate checks the range tree and that the ranges are disjoint, page
// aligned and inside the window.
func (space *AddressSpace) Validate() error {
	err := space.used.Validate(lessRange)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	total := Addr(0)
	prevEnd := space.window.Base

	for record := range space.Ranges() {
		switch {
		case !space.window.Contains(record):
			return fmt.Errorf("%w: %s is outside %s", ErrCorrupt, record, space.window)
		case record.Start%space.pageSize != 0 || record.Len%space.pageSize != 0:
			return fmt.Errorf("%w: %s is not page aligned", ErrCorrupt, record)
		case record.Start < prevEnd:
			return fmt.Errorf("%w: %s overlaps its predecessor", ErrCorrupt, record)
		}

		total += record.Len
		prevEnd = record.End()
	}

	if total != space.inUse {
		return fmt.Errorf("%w: ranges hold %#x bytes, accounted %#x", ErrCorrupt, uint64(total), uint64(space.inUse))
	}

	return nil
}

func (space *AddressSpace) insert(record Range) {
	handle := space.used.Alloc(record)
	space.used.Insert(handle, lessRange)
	space.inUse += record.Len
}

// firstFit returns the start of the lowest gap of at least size bytes that
// begins below limit.
func (space *AddressSpace) firstFit(size, limit Addr) (Addr, bool) {
	for gap := range space.Gaps() {
		if gap.Start >= limit {
			break
		}

		if gap.Len >= size {
			return gap.Start, true
		}
	}

	return 0, false
}

// nextFit scans forward from the cursor to the window end, then rewinds to
// the window base and scans up to the cursor.
func (space *AddressSpace) nextFit(size Addr) (Addr, bool) {
	cursor := space.cursor
	if cursor < space.window.Base || cursor >= space.window.End() {
		cursor = space.window.Base
	}

	// Step back to the last range starting at or before the cursor.
	prev := orderedtree.SearchNearest(space.used, Range{Start: cursor, Len: 1}, compareRange)
	if prev != orderedtree.Nil && space.used.Value(prev).Start > cursor {
		prev = space.used.Prev(prev)
	}

	low := cursor
	next := space.used.First()

	if prev != orderedtree.Nil {
		low = max(cursor, space.used.Value(prev).End())
		next = space.used.Next(prev)
	}

	for {
		limit := space.window.End()
		if next != orderedtree.Nil {
			limit = space.used.Value(next).Start
		}

		if limit > low && limit-low >= size {
			return low, true
		}

		if next == orderedtree.Nil {
			break
		}

		low = max(low, space.used.Value(next).End())
		next = space.used.Next(next)
	}

	return space.firstFit(size, cursor)
}
