package calculator

import (
	"errors"
	"math"
)

// Return computes the simple return over the last n bars: last/values[len-1-n] - 1.
func Return(values []float64, n int) (float64, error) {
	if n <= 0 {
		return 0, errors.New("n must be positive")
	}
	if len(values) < n+1 {
		return 0, ErrInsufficientHistory
	}
	base := values[len(values)-1-n]
	if base == 0 {
		return 0, errors.New("zero base price")
	}
	return values[len(values)-1]/base - 1, nil
}

// DailyReturns converts a close series into simple daily returns (len-1 values).
// A zero previous close yields NaN for that day.
func DailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out[i-1] = math.NaN()
			continue
		}
		out[i-1] = closes[i]/closes[i-1] - 1
	}
	return out
}

// Volatility returns the sample standard deviation (n-1) of the last `period`
// daily returns multiplied by annualization. Pass 1 for daily units.
func Volatility(returns []float64, period int, annualization float64) (float64, error) {
	if period < 2 {
		return 0, errors.New("period must be at least 2")
	}
	if len(returns) < period {
		return 0, ErrInsufficientHistory
	}
	window := returns[len(returns)-period:]
	mean := 0.0
	for _, r := range window {
		if math.IsNaN(r) {
			return 0, errors.New("undefined return in window")
		}
		mean += r
	}
	mean /= float64(period)
	ss := 0.0
	for _, r := range window {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss/float64(period-1)) * annualization, nil
}
