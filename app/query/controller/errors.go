package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/rangeresolver"
)

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, formula.ErrInvalidArgument),
		errors.Is(err, rangeresolver.ErrDynamicRange),
		errors.Is(err, rangeresolver.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, formula.ErrNotFound), errors.Is(err, formula.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, formula.ErrFilterMismatch):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
