package vmspace

import "errors"

// Sentinel errors.
var (
	ErrInvalidWindow  = errors.New("vmspace: invalid window")
	ErrInvalidRange   = errors.New("vmspace: invalid range")
	ErrMisaligned     = errors.New("vmspace: range is not page aligned")
	ErrOverlap        = errors.New("vmspace: range overlaps an allocated range")
	ErrNotAllocated   = errors.New("vmspace: no allocated range inside the interval")
	ErrPartialRelease = errors.New("vmspace: interval cuts through an allocated range")
	ErrExhausted      = errors.New("vmspace: address space exhausted")
	ErrUnknownPolicy  = errors.New("vmspace: unknown placement policy")
	ErrCorrupt        = errors.New("vmspace: corrupt address space")
	ErrMapFailed      = errors.New("vmspace: map failed")
)
