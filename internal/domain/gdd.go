package domain

import "fmt"

// AccumulateGDD returns the cumulative growing degree days for aligned daily
// minimum and maximum temperatures. Each day contributes (tmin+tmax)/2 - base
// when that average reaches base, and nothing otherwise. Entries are rounded
// to two decimals; the running total itself is kept unrounded.
func AccumulateGDD(minTemps, maxTemps []float64, base float64) ([]float64, error) {
	if len(minTemps) != len(maxTemps) {
		return nil, fmt.Errorf("min temps %d, max temps %d: %w", len(minTemps), len(maxTemps), ErrLengthMismatch)
	}

	out := make([]float64, len(minTemps))
	var total float64
	for i := range minTemps {
		total += DailyGDD(minTemps[i], maxTemps[i], base)
		out[i] = round2(total)
	}
	return out, nil
}

// DailyGDD returns one day's contribution.
func DailyGDD(tmin, tmax, base float64) float64 {
	avg := (tmin + tmax) / 2
	if avg < base {
		return 0
	}
	return avg - base
}
