package controller

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/formula"
)

// reserved query parameters select blocks. Every other parameter is a formula argument.
var reserved = map[string]bool{
	"block": true, "blocks": true, "blockStep": true,
	"time": true, "times": true, "timeStep": true,
}

// computeParams are the parsed selectors of a computation request. At most one of Block,
// Blocks, Time and Times is set.
type computeParams struct {
	Block     *models.Block
	Blocks    *[2]models.Block
	BlockStep uint64
	Time      *int64
	Times     *[2]*int64
	TimeStep  int64
	Args      map[string]string
}

func (p computeParams) isRange() bool {
	return p.Blocks != nil || p.Times != nil
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", formula.ErrInvalidArgument, fmt.Sprintf(format, a...))
}

func parseComputeParams(q url.Values) (computeParams, error) {
	p := computeParams{Args: map[string]string{}}
	for name, values := range q {
		if !reserved[name] && len(values) > 0 {
			p.Args[name] = values[0]
		}
	}

	if v := q.Get("block"); v != "" {
		b, err := parseBlock(v, "block")
		if err != nil {
			return p, err
		}
		p.Block = &b
	}

	if v := q.Get("blocks"); v != "" {
		from, to, ok := strings.Cut(v, "..")
		if !ok || from == "" || to == "" {
			return p, invalid("blocks must be a range of two blocks")
		}
		start, err := parseBlock(from, "the start block")
		if err != nil {
			return p, err
		}
		end, err := parseBlock(to, "the end block")
		if err != nil {
			return p, err
		}
		if start.Height > end.Height {
			return p, invalid("the start block must not be after the end block")
		}
		p.Blocks = &[2]models.Block{start, end}
		if p.BlockStep, err = parseStep(q.Get("blockStep")); err != nil {
			return p, err
		}
	}

	if v := q.Get("time"); v != "" {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, invalid("time must be an integer")
		}
		p.Time = &t
	}

	if v := q.Get("times"); v != "" {
		from, to, _ := strings.Cut(v, "..")
		start, err := strconv.ParseInt(from, 10, 64)
		if err != nil {
			return p, invalid("times must be just a start time or both a start and end time")
		}
		var end *int64
		if to != "" {
			e, err := strconv.ParseInt(to, 10, 64)
			if err != nil {
				return p, invalid("times must be just a start time or both a start and end time")
			}
			if start >= e {
				return p, invalid("the start time must be less than the end time")
			}
			end = &e
		}
		p.Times = &[2]*int64{&start, end}
		step, err := parseStep(q.Get("timeStep"))
		if err != nil {
			return p, err
		}
		p.TimeStep = int64(step)
	}

	selectors := 0
	for _, set := range []bool{p.Block != nil, p.Blocks != nil, p.Time != nil, p.Times != nil} {
		if set {
			selectors++
		}
	}
	if selectors > 1 {
		return p, invalid("only one of block, blocks, time and times may be passed")
	}
	return p, nil
}

// parseBlock accepts "height" or "height:timeUnixMs". The height must be at least 1.
func parseBlock(s, subject string) (models.Block, error) {
	heightPart, timePart, hasTime := strings.Cut(s, ":")
	height, err := strconv.ParseUint(heightPart, 10, 64)
	if err != nil {
		return models.Block{}, invalid("%s's values must be integers", subject)
	}
	if height < 1 {
		return models.Block{}, invalid("%s's height must be at least 1", subject)
	}
	b := models.Block{Height: height}
	if hasTime {
		t, err := strconv.ParseInt(timePart, 10, 64)
		if err != nil {
			return models.Block{}, invalid("%s's values must be integers", subject)
		}
		if t < 0 {
			return models.Block{}, invalid("%s's timeUnixMs must be at least 0", subject)
		}
		b.TimeUnixMs = t
	}
	return b, nil
}

func parseStep(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	step, err := strconv.ParseUint(s, 10, 64)
	if err != nil || step < 1 {
		return 0, invalid("step must be a positive integer")
	}
	return step, nil
}
