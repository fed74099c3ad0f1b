package vmspace

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Addr is a virtual address or a byte length.
type Addr uint64

// Default layout of the per-process allocation window.
const (
	DefaultPageSize Addr = 0x1000
	DefaultBase     Addr = 0x7000 << 32
	DefaultSize     Addr = 0x1000 << 32
	DefaultSection  Addr = 0x1000 << 32
	maxUserAddr     Addr = math.MaxInt64
)

// Range is the closed-open interval [Start, Start+Len).
type Range struct {
	Start Addr
	Len   Addr
}

// End returns the first address past the range.
func (r Range) End() Addr {
	return r.Start + r.Len
}

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr Addr) bool {
	return addr >= r.Start && addr < r.End()
}

// Covers reports whether other lies entirely inside r.
func (r Range) Covers(other Range) bool {
	return r.Start <= other.Start && other.End() <= r.End()
}

// Overlaps reports whether the two ranges share an address.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End() && other.Start < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End()))
}

// lessRange orders records by start address.
func lessRange(a, b *Range) bool {
	return a.Start < b.Start
}

// compareRange treats any overlap as equality, so a lookup finds the record it
// intersects.
func compareRange(key Range, value *Range) int {
	switch {
	case key.End() <= value.Start:
		return -1
	case key.Start >= value.End():
		return 1
	default:
		return 0
	}
}

// Window is the address interval an AddressSpace hands out.
type Window struct {
	Base Addr
	Size Addr
}

// DefaultWindow returns the standard allocation window without randomization.
func DefaultWindow() Window {
	return Window{Base: DefaultBase, Size: DefaultSize}
}

// End returns the first address past the window.
func (w Window) End() Addr {
	return w.Base + w.Size
}

// Contains reports whether r lies inside the window.
func (w Window) Contains(r Range) bool {
	return r.Len > 0 && r.End() > r.Start && r.Start >= w.Base && r.End() <= w.End()
}

func (w Window) String() string {
	return Range{Start: w.Base, Len: w.Size}.String()
}

// Validate rejects empty, overflowing and unaligned windows.
func (w Window) Validate(pageSize Addr) error {
	switch {
	case w.Base == 0:
		return fmt.Errorf("%w: zero base", ErrInvalidWindow)
	case w.Size == 0:
		return fmt.Errorf("%w: zero size", ErrInvalidWindow)
	case w.End() < w.Base:
		return fmt.Errorf("%w: %#x + %#x overflows", ErrInvalidWindow, uint64(w.Base), uint64(w.Size))
	case w.Base%pageSize != 0 || w.Size%pageSize != 0:
		return fmt.Errorf("%w: %s is not aligned to %#x", ErrInvalidWindow, w, uint64(pageSize))
	}

	return nil
}

// Randomize shifts the base by a random page-aligned offset below maxOffset
// and trims the end down to a section boundary, capped at the top of the
// user half of the address space. A window that would be left empty is
// returned unchanged.
func (w Window) Randomize(rng *rand.Rand, maxOffset, pageSize, section Addr) Window {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	if section == 0 {
		section = pageSize
	}

	offset := Addr(0)
	if pages := maxOffset / pageSize; pages > 0 {
		offset = Addr(rng.Int63n(int64(min(pages, maxUserAddr)))) * pageSize
	}

	base := w.Base + offset
	if base < w.Base || base >= maxUserAddr {
		return w
	}

	end := maxUserAddr
	if top := w.End(); offset <= maxUserAddr-min(top, maxUserAddr) {
		end = top + offset
	}

	end = alignDown(min(end, maxUserAddr), section)
	if end <= base {
		return w
	}

	return Window{Base: base, Size: alignDown(end-base, pageSize)}
}

// Policy selects how Alloc places a new range.
type Policy int

// Placement policies.
const (
	// FirstFit takes the lowest gap that fits.
	FirstFit Policy = iota
	// NextFit resumes from where the last alloc or free left off and rewinds
	// to the window base when it runs out of room.
	NextFit
)

func (p Policy) String() string {
	switch p {
	case FirstFit:
		return "first-fit"
	case NextFit:
		return "next-fit"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "first-fit" or "next-fit".
func ParsePolicy(text string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "first-fit", "firstfit", "first":
		return FirstFit, nil
	case "next-fit", "nextfit", "next":
		return NextFit, nil
	default:
		return FirstFit, fmt.Errorf("%w: %q", ErrUnknownPolicy, text)
	}
}

func alignDown(addr, align Addr) Addr {
	return addr - addr%align
}

// alignUp rounds addr up to align and reports false on overflow.
func alignUp(addr, align Addr) (Addr, bool) {
	rem := addr % align
	if rem == 0 {
		return addr, true
	}

	rounded := addr + (align - rem)

	return rounded, rounded > addr
}
