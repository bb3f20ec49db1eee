package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Block identifies a point in chain history. Height 0 is the zero block: it is used for
// computations that read no state at all.
type Block struct {
	Height     uint64 `json:"height"`
	TimeUnixMs int64  `json:"timeUnixMs"`
}

var ErrInvalidBlock = errors.New("invalid block")

// IsZero reports whether b is the zero block.
func (b Block) IsZero() bool { return b.Height == 0 }

// String renders the block as "height:timeUnixMs".
func (b Block) String() string {
	return fmt.Sprintf("%d:%d", b.Height, b.TimeUnixMs)
}

// ParseBlock parses "height:timeUnixMs". Heights start at 1.
func ParseBlock(s string) (Block, error) {
	heightStr, timeStr, ok := strings.Cut(s, ":")
	if !ok {
		return Block{}, fmt.Errorf("%w: expected height:timeUnixMs, got %q", ErrInvalidBlock, s)
	}
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil || height < 1 {
		return Block{}, fmt.Errorf("%w: height must be a positive integer", ErrInvalidBlock)
	}
	t, err := strconv.ParseInt(timeStr, 10, 64)
	if err != nil || t < 0 {
		return Block{}, fmt.Errorf("%w: time must be a non-negative integer", ErrInvalidBlock)
	}
	return Block{Height: height, TimeUnixMs: t}, nil
}
