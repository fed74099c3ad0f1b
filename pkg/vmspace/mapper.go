package vmspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
)

// Perm is a set of access rights for a mapping.
type Perm uint8

// Access rights.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// ErrInvalidPerm is returned when a permission string cannot be parsed.
var ErrInvalidPerm = errors.New("vmspace: invalid permission")

func (p Perm) String() string {
	var sb strings.Builder

	for _, flag := range []struct {
		bit  Perm
		char byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&flag.bit != 0 {
			sb.WriteByte(flag.char)
		} else {
			sb.WriteByte('-')
		}
	}

	return sb.String()
}

// ParsePerm accepts strings such as "rw", "r-x" or "rwx".
func ParsePerm(text string) (Perm, error) {
	var perm Perm

	for _, char := range strings.ToLower(text) {
		switch char {
		case 'r':
			perm |= PermRead
		case 'w':
			perm |= PermWrite
		case 'x':
			perm |= PermExec
		case '-':
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidPerm, text)
		}
	}

	return perm, nil
}

// Mapper installs and removes the backing of an address range. The allocator
// only decides where ranges go; a Mapper makes them usable.
type Mapper interface {
	Map(ctx context.Context, r Range, perm Perm) error
	Unmap(ctx context.Context, r Range) error
}

// NopMapper accepts every request.
type NopMapper struct{}

// Map implements Mapper.
func (NopMapper) Map(context.Context, Range, Perm) error { return nil }

// Unmap implements Mapper.
func (NopMapper) Unmap(context.Context, Range) error { return nil }

// Mapping errors reported by TableMapper.
var (
	ErrAlreadyMapped = errors.New("vmspace: range already mapped")
	ErrNotMapped     = errors.New("vmspace: range not mapped")
)

// Mapping is one entry of a TableMapper.
type Mapping struct {
	Range Range
	Perm  Perm
}

const mappingTreeDegree = 16

// TableMapper is an in-memory Mapper that keeps a table of live mappings and
// rejects overlapping maps and unmaps of unknown ranges. It is safe for
// concurrent use.
type TableMapper struct {
	mu       sync.Mutex
	mappings *btree.BTreeG[Mapping]

	// FailMap, when set, is consulted before every Map and can veto it.
	FailMap func(r Range) error
}

// NewTableMapper creates an empty mapping table.
func NewTableMapper() *TableMapper {
	return &TableMapper{
		mappings: btree.NewG(mappingTreeDegree, func(a, b Mapping) bool {
			return a.Range.Start < b.Range.Start
		}),
	}
}

// Map implements Mapper.
func (mapper *TableMapper) Map(ctx context.Context, r Range, perm Perm) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	if r.Len == 0 || r.End() < r.Start {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}

	if mapper.FailMap != nil {
		err = mapper.FailMap(r)
		if err != nil {
			return err
		}
	}

	mapper.mu.Lock()
	defer mapper.mu.Unlock()

	var clash *Mapping

	// The closest mapping at or below r.End()-1 is the only one that can overlap.
	mapper.mappings.DescendLessOrEqual(Mapping{Range: Range{Start: r.End() - 1}}, func(item Mapping) bool {
		if item.Range.Overlaps(r) {
			clash = &item
		}

		return false
	})

	if clash != nil {
		return fmt.Errorf("%w: %s meets %s", ErrAlreadyMapped, r, clash.Range)
	}

	mapper.mappings.ReplaceOrInsert(Mapping{Range: r, Perm: perm})

	return nil
}

// Unmap implements Mapper. The range must match a mapping exactly.
func (mapper *TableMapper) Unmap(ctx context.Context, r Range) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	mapper.mu.Lock()
	defer mapper.mu.Unlock()

	item, found := mapper.mappings.Get(Mapping{Range: r})
	if !found || item.Range != r {
		return fmt.Errorf("%w: %s", ErrNotMapped, r)
	}

	mapper.mappings.Delete(item)

	return nil
}

// Lookup returns the mapping holding addr.
func (mapper *TableMapper) Lookup(addr Addr) (Mapping, bool) {
	mapper.mu.Lock()
	defer mapper.mu.Unlock()

	var (
		result Mapping
		found  bool
	)

	mapper.mappings.DescendLessOrEqual(Mapping{Range: Range{Start: addr}}, func(item Mapping) bool {
		if item.Range.Contains(addr) {
			result, found = item, true
		}

		return false
	})

	return result, found
}

// Clone returns a copy of the table for a forked process. The FailMap hook is
// not copied.
func (mapper *TableMapper) Clone() *TableMapper {
	mapper.mu.Lock()
	defer mapper.mu.Unlock()

	return &TableMapper{mappings: mapper.mappings.Clone()}
}

// Len returns the number of live mappings.
func (mapper *TableMapper) Len() int {
	mapper.mu.Lock()
	defer mapper.mu.Unlock()

	return mapper.mappings.Len()
}

// AutoMap allocates a range of size bytes and maps it. The range is released
// again when mapping fails.
func AutoMap(ctx context.Context, space *AddressSpace, mapper Mapper, size Addr, perm Perm) (Range, error) {
	start := space.Alloc(size)
	if start == 0 {
		return Range{}, fmt.Errorf("%w: %#x bytes", ErrExhausted, uint64(size))
	}

	record, _ := space.Lookup(start)

	err := mapper.Map(ctx, record, perm)
	if err != nil {
		_, freeErr := space.Free(record.Start, record.Len)

		return Range{}, errors.Join(fmt.Errorf("%w: %s: %w", ErrMapFailed, record, err), freeErr)
	}

	return record, nil
}

// AutoUnmap unmaps [start, start+length) and releases it. The range is
// released even when unmapping fails.
func AutoUnmap(ctx context.Context, space *AddressSpace, mapper Mapper, start, length Addr) error {
	length, _ = alignUp(length, space.PageSize())
	unmapErr := mapper.Unmap(ctx, Range{Start: start, Len: length})

	_, freeErr := space.Free(start, length)
	if unmapErr != nil {
		unmapErr = fmt.Errorf("unmap %s: %w", Range{Start: start, Len: length}, unmapErr)
	}

	return errors.Join(unmapErr, freeErr)
}
