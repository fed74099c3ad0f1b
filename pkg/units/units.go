// Package units provides binary size unit multipliers (1024-based) and size parsing.
package units

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Binary size multipliers.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

// PageSize is the default allocation granule.
const PageSize = 4 * KiB

// ErrInvalidSize is returned when a size string cannot be parsed.
var ErrInvalidSize = errors.New("invalid size")

// ParseSize parses "0x1000", "4096" or a human size such as "16TiB" or "4 KiB".
func ParseSize(text string) (uint64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}

	value, err := strconv.ParseUint(text, 0, 64)
	if err == nil {
		return value, nil
	}

	value, err = humanize.ParseBytes(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSize, text, err)
	}

	return value, nil
}

// FormatSize renders a byte count with IEC units.
func FormatSize(size uint64) string {
	return humanize.IBytes(size)
}
