package calculator

import (
	"errors"
	"math"
)

// TradingDaysPerYear is the bar count of one trading year.
const TradingDaysPerYear = 252

// RangeHighLow returns the max and min of the last `period` values.
func RangeHighLow(values []float64, period int) (high, low float64, err error) {
	if period <= 0 {
		return 0, 0, errors.New("period must be positive")
	}
	if len(values) < period {
		return 0, 0, ErrInsufficientHistory
	}
	high = math.Inf(-1)
	low = math.Inf(1)
	for i := len(values) - period; i < len(values); i++ {
		if values[i] > high {
			high = values[i]
		}
		if values[i] < low {
			low = values[i]
		}
	}
	return high, low, nil
}

// RangePosition returns where current sits within [low, high] (0.0~1.0, unclamped).
func RangePosition(current, high, low float64) (float64, error) {
	if high < low {
		return 0, errors.New("high must be >= low")
	}
	if high == low {
		return 0, errors.New("flat range")
	}
	return (current - low) / (high - low), nil
}

// HighRatio returns current/high.
func HighRatio(current, high float64) (float64, error) {
	if high <= 0 {
		return 0, errors.New("high must be positive")
	}
	return current / high, nil
}
