package domain

import "math"

// NaNSentinel is the float value some coverage payloads use in place of NaN.
const NaNSentinel = 6.9055e-41

// Assessment summarizes pixel validity of the first band of a raster.
type Assessment struct {
	ZeroFraction    float64
	InvalidFraction float64
	Pixels          int
	Valid           int
}

// ValidFraction returns Valid/Pixels, or 0 for an empty band.
func (a Assessment) ValidFraction() float64 {
	if a.Pixels == 0 {
		return 0
	}
	return float64(a.Valid) / float64(a.Pixels)
}

// ValidPercent returns the valid fraction as a percentage rounded to two decimals.
func (a Assessment) ValidPercent() float64 {
	return round2(a.ValidFraction() * 100)
}

// Assess counts zero pixels and NaN/sentinel pixels in band. A pixel is valid
// when it is neither.
func Assess(band []float64, sentinel float64) Assessment {
	a := Assessment{Pixels: len(band)}
	if a.Pixels == 0 {
		return a
	}
	var zeros, invalid int
	for _, v := range band {
		switch {
		case v == 0:
			zeros++
		case math.IsNaN(v) || v == sentinel:
			invalid++
		}
	}
	a.Valid = a.Pixels - zeros - invalid
	a.ZeroFraction = float64(zeros) / float64(a.Pixels)
	a.InvalidFraction = float64(invalid) / float64(a.Pixels)
	return a
}

// AssessRaster assesses the first band of r against [NaNSentinel].
func AssessRaster(r Raster) Assessment {
	if len(r.Bands) == 0 {
		return Assessment{}
	}
	return Assess(r.Bands[0], NaNSentinel)
}

// QualityGate decides whether an assessed raster may be used.
//
// A raster with no valid pixels is always rejected. MaxZeroRatio rejects
// rasters whose zero fraction exceeds it; at 1.0 it never triggers.
// AdvisoryZeroRatio only flags rasters for a warning.
type QualityGate struct {
	AdvisoryZeroRatio float64
	MaxZeroRatio      float64
}

// DefaultQualityGate warns above 90% zeros and rejects only empty rasters.
func DefaultQualityGate() QualityGate {
	return QualityGate{AdvisoryZeroRatio: 0.9, MaxZeroRatio: 1.0}
}

// Check returns ("", true) when a passes, or the rejection reason.
func (g QualityGate) Check(a Assessment) (Reason, bool) {
	if a.ValidFraction() == 0 {
		return ReasonNoValidPixels, false
	}
	if a.ZeroFraction > g.MaxZeroRatio {
		return ReasonTooManyZeros, false
	}
	return "", true
}

// Advisory reports whether a deserves a warning even though it passes.
func (g QualityGate) Advisory(a Assessment) bool {
	return a.ZeroFraction > g.AdvisoryZeroRatio
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
