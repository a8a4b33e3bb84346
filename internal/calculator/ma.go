package calculator

import (
	"errors"
	"math"
)

// ErrInsufficientHistory is returned when a series is shorter than the metric's window.
var ErrInsufficientHistory = errors.New("insufficient history")

// SMA computes the simple moving average of the last `period` values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(values) < period {
		return 0, ErrInsufficientHistory
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period), nil
}

// MeanSkipNaN averages the last `period` values, ignoring NaN entries.
// Fails when the window is short or holds no finite value.
func MeanSkipNaN(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(values) < period {
		return 0, ErrInsufficientHistory
	}
	sum, n := 0.0, 0
	for i := len(values) - period; i < len(values); i++ {
		if math.IsNaN(values[i]) {
			continue
		}
		sum += values[i]
		n++
	}
	if n == 0 {
		return 0, ErrInsufficientHistory
	}
	return sum / float64(n), nil
}

// Distance returns price/reference - 1.
func Distance(price, reference float64) (float64, error) {
	if reference == 0 {
		return 0, errors.New("reference must be non-zero")
	}
	return price/reference - 1, nil
}
