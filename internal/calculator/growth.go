package calculator

import (
	"errors"
	"math"
)

// ErrNonPositive is returned when a growth rate is asked of a non-positive value.
var ErrNonPositive = errors.New("non-positive value")

// CAGR returns (end/start)^(1/years) - 1. Both values must be positive.
func CAGR(start, end, years float64) (float64, error) {
	if years <= 0 {
		return 0, errors.New("years must be positive")
	}
	if start <= 0 || end <= 0 {
		return 0, ErrNonPositive
	}
	return math.Pow(end/start, 1/years) - 1, nil
}

// Growth returns (current - prior)/|prior|.
func Growth(prior, current float64) (float64, error) {
	if prior == 0 {
		return 0, errors.New("zero prior value")
	}
	return (current - prior) / math.Abs(prior), nil
}
