package domain

import (
	"fmt"
	"math"
)

// MinOpticalBands is the smallest band count accepted by OpticalIndex.
const MinOpticalBands = 8

// Default 0-based band positions for the optical index (bands 8 and 3).
const (
	DefaultNIRBand = 7
	DefaultRedBand = 2
)

// OpticalIndex computes the normalized (nir-red)/(nir+red) index from the
// bands at 0-based positions nir and red.
func OpticalIndex(r Raster, nir, red int) (Raster, error) {
	if r.BandCount() < MinOpticalBands {
		return Raster{}, fmt.Errorf("optical index needs at least %d bands, got %d: %w", MinOpticalBands, r.BandCount(), ErrBandCount)
	}
	if nir < 0 || red < 0 || nir >= r.BandCount() || red >= r.BandCount() {
		return Raster{}, fmt.Errorf("optical index bands %d/%d outside %d bands: %w", nir, red, r.BandCount(), ErrBandCount)
	}

	n, rd := r.Bands[nir], r.Bands[red]
	out := make([]float64, len(n))
	for i := range out {
		out[i] = finiteOrZero((n[i] - rd[i]) / (n[i] + rd[i]))
	}
	return r.singleBand(Normalize(out)), nil
}

// RadarIndex computes the normalized 4*b1/(b0+b1) index from the first two bands.
func RadarIndex(r Raster) (Raster, error) {
	if r.BandCount() < 2 {
		return Raster{}, fmt.Errorf("radar index needs 2 bands, got %d: %w", r.BandCount(), ErrBandCount)
	}

	b0, b1 := r.Bands[0], r.Bands[1]
	out := make([]float64, len(b0))
	for i := range out {
		out[i] = finiteOrZero(4 * b1[i] / (b0[i] + b1[i]))
	}
	return r.singleBand(Normalize(out)), nil
}

// Normalize min-max scales values into [0,1]. NaN and infinities are treated
// as 0. A constant input yields all zeros. The input slice is not modified.
func Normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range values {
		v = finiteOrZero(v)
		out[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	span := hi - lo
	if span == 0 {
		for i := range out {
			out[i] = 0
		}
		return out
	}
	for i, v := range out {
		out[i] = (v - lo) / span
	}
	return out
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
