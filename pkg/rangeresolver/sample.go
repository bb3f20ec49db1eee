package rangeresolver

import (
	"context"
	"fmt"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

// Sample down-samples ascending points to one value every step blocks from start to end: the
// value in effect at each sample height. Samples before the first point are skipped. A step
// of 0 or 1 returns points unchanged.
func Sample(points []Point, start, end, step uint64) []Point {
	if step <= 1 {
		return points
	}
	var out []Point
	cursor := -1
	for at := start; at <= end; at += step {
		for cursor+1 < len(points) && points[cursor+1].BlockHeight <= at {
			cursor++
		}
		if cursor >= 0 {
			out = append(out, sampled(points[cursor], int64(at)))
		}
		if end-at < step {
			break
		}
	}
	return out
}

// SampleByTime is Sample over block times in unix milliseconds.
func SampleByTime(points []Point, startMs, endMs, stepMs int64) []Point {
	if stepMs <= 1 {
		return points
	}
	var out []Point
	cursor := -1
	for at := startMs; at <= endMs; at += stepMs {
		for cursor+1 < len(points) && points[cursor+1].BlockTimeUnixMs <= at {
			cursor++
		}
		if cursor >= 0 {
			out = append(out, sampled(points[cursor], at))
		}
		if endMs-at < stepMs {
			break
		}
	}
	return out
}

func sampled(p Point, at int64) Point {
	p.At = &at
	return p
}

// BlockForTime resolves a unix millisecond time to the last block at or before it. Negative
// times are relative to the latest block.
func BlockForTime(ctx context.Context, store db.Reader, timeMs int64) (models.Block, error) {
	latest, err := latestBlock(ctx, store)
	if err != nil {
		return models.Block{}, err
	}
	if timeMs < 0 {
		timeMs += latest.TimeUnixMs
	}
	b, err := store.BlockAtOrBeforeTime(ctx, timeMs)
	if err != nil {
		return models.Block{}, err
	}
	if b == nil {
		return models.Block{}, fmt.Errorf("%w: no block at or before time %d", ErrInvalidRange, timeMs)
	}
	return *b, nil
}

// BlocksForTimes resolves a time range to blocks. Negative times are relative to the latest
// block. A start before the first block falls back to the first block and a nil end means
// the latest block.
func BlocksForTimes(ctx context.Context, store db.Reader, startMs int64, endMs *int64) (models.Block, models.Block, error) {
	latest, err := latestBlock(ctx, store)
	if err != nil {
		return models.Block{}, models.Block{}, err
	}
	if startMs < 0 {
		startMs += latest.TimeUnixMs
	}
	start, err := store.BlockAtOrBeforeTime(ctx, startMs)
	if err != nil {
		return models.Block{}, models.Block{}, err
	}
	if start == nil {
		if start, err = store.FirstBlock(ctx); err != nil {
			return models.Block{}, models.Block{}, err
		}
	}

	end := latest
	if endMs != nil {
		t := *endMs
		if t < 0 {
			t += latest.TimeUnixMs
		}
		if end, err = store.BlockAtOrBeforeTime(ctx, t); err != nil {
			return models.Block{}, models.Block{}, err
		}
		if end == nil {
			return models.Block{}, models.Block{}, fmt.Errorf("%w: no block at or before end time %d", ErrInvalidRange, t)
		}
	}
	if start == nil || start.Height > end.Height {
		return models.Block{}, models.Block{}, fmt.Errorf("%w: start time is after end time", ErrInvalidRange)
	}
	return *start, *end, nil
}

func latestBlock(ctx context.Context, store db.Reader) (*models.Block, error) {
	latest, err := store.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest block: %w", err)
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no blocks indexed", ErrInvalidRange)
	}
	return latest, nil
}
