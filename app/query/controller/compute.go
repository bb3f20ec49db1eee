package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/rangeresolver"
)

// HandleCompute serves /{type}/{address}/{formula...}.
//
// Without block selectors the formula is computed at the latest block. block and time select a
// single block; blocks and times select a range, optionally down-sampled with blockStep or
// timeStep. A single result is the formula's JSON value. A range is a list of points.
// X-Credits carries the cost of the request.
func (c *Controller) HandleCompute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	address := vars["address"]

	f, err := c.App.Engine.GetFormula(vars["type"], vars["formula"])
	if err != nil {
		c.fail(w, r, err)
		return
	}
	p, err := parseComputeParams(r.URL.Query())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if f.Dynamic && p.isRange() {
		c.fail(w, r, rangeresolver.ErrDynamicRange)
		return
	}

	if p.isRange() {
		c.computeRange(ctx, w, r, f, address, p)
		return
	}

	var block models.Block
	switch {
	case p.Block != nil:
		block = *p.Block
	case p.Time != nil:
		if block, err = c.App.Engine.BlockForTime(ctx, *p.Time); err != nil {
			c.fail(w, r, err)
			return
		}
	}

	res, err := c.App.Engine.Compute(ctx, f, address, p.Args, block)
	if err != nil {
		c.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Credits", "1")
	w.WriteHeader(http.StatusOK)
	if len(res.Output) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(res.Output)
}

func (c *Controller) computeRange(ctx context.Context, w http.ResponseWriter, r *http.Request, f *formula.Formula, address string, p computeParams) {
	var start, end models.Block
	var err error
	if p.Times != nil {
		if start, end, err = c.App.Engine.BlocksForTimes(ctx, *p.Times[0], p.Times[1]); err != nil {
			c.fail(w, r, err)
			return
		}
	} else {
		start, end = p.Blocks[0], p.Blocks[1]
	}

	latest, err := c.App.Engine.Latest(ctx)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if latest.Height > 0 && end.Height > latest.Height {
		end = latest
	}
	if start, err = c.App.Engine.ResolveBlock(ctx, start); err != nil {
		c.fail(w, r, err)
		return
	}
	if end, err = c.App.Engine.ResolveBlock(ctx, end); err != nil {
		c.fail(w, r, err)
		return
	}

	points, err := c.App.Engine.ComputeRange(ctx, f, address, p.Args, start, end)
	if err != nil {
		c.fail(w, r, err)
		return
	}

	switch {
	case p.BlockStep > 1:
		points = rangeresolver.Sample(points, start.Height, end.Height, p.BlockStep)
	case p.Times != nil && p.TimeStep > 1:
		points = rangeresolver.SampleByTime(points, start.TimeUnixMs, end.TimeUnixMs, p.TimeStep)
	}
	if points == nil {
		points = []rangeresolver.Point{}
	}

	w.Header().Set("X-Credits", strconv.FormatUint(c.App.Engine.Credits(start.Height, end.Height), 10))
	c.writeJSON(w, http.StatusOK, points)
}

// fail writes err with its mapped status. Server errors are logged.
func (c *Controller) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.App.Logger.Error("Computation failed",
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Error(err))
	}
	c.writeError(w, status, err.Error())
}
