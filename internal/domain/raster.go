package domain

import "errors"

var (
	// ErrNoData means the coverage service had nothing for the request.
	ErrNoData = errors.New("no data")
	// ErrBandCount means a raster has too few bands for the requested index.
	ErrBandCount = errors.New("insufficient band count")
	// ErrLengthMismatch means two series that must be aligned differ in length.
	ErrLengthMismatch = errors.New("series length mismatch")
	// ErrNotPolygon means a polygon was required but another geometry was supplied.
	ErrNotPolygon = errors.New("geometry is not a polygon")
	// ErrPointNeedsBBox means a point field was supplied without point mode enabled.
	ErrPointNeedsBBox = errors.New("point geometry requires point mode")
	// ErrNotPoint means point mode is enabled but the field is not a point.
	ErrNotPoint = errors.New("point mode requires a point geometry")
	// ErrGridMismatch means two rasters cannot be placed on a common grid.
	ErrGridMismatch = errors.New("incompatible raster grids")
)

// Raster data types as reported by the codec.
const (
	TypeFloat64 = "Float64"
	TypeInt32   = "Int32"
)

// Raster is a decoded multi-band array plus georeferencing.
type Raster struct {
	Width        int
	Height       int
	Bands        [][]float64
	GeoTransform [6]float64
	Projection   string
	DataType     string
	NoData       float64
}

// BandCount returns the number of bands.
func (r Raster) BandCount() int { return len(r.Bands) }

// Pixels returns the pixel count of one band.
func (r Raster) Pixels() int { return r.Width * r.Height }

// singleBand returns a one-band Float64 raster sharing r's georeferencing.
func (r Raster) singleBand(values []float64) Raster {
	return Raster{
		Width:        r.Width,
		Height:       r.Height,
		Bands:        [][]float64{values},
		GeoTransform: r.GeoTransform,
		Projection:   r.Projection,
		DataType:     TypeFloat64,
		NoData:       0,
	}
}

// Reason explains why a Result is absent.
type Reason string

const (
	ReasonNoData        Reason = "no_data"
	ReasonNoValidPixels Reason = "no_valid_pixels"
	ReasonTooManyZeros  Reason = "too_many_zeros"
	ReasonDecodeError   Reason = "decode_error"
	ReasonNoOrbit       Reason = "no_orbit"
	ReasonCancelled     Reason = "cancelled"
)

// Result is either Present (a raster with its assessment and the date that
// produced it) or Absent (a reason). The zero value is Absent with no reason.
type Result struct {
	raster     *Raster
	assessment Assessment
	date       string
	reason     Reason
}

// Present wraps a usable raster acquired for date.
func Present(r Raster, a Assessment, date string) Result {
	return Result{raster: &r, assessment: a, date: date}
}

// Absent records that no usable raster exists.
func Absent(reason Reason) Result {
	return Result{reason: reason}
}

// OK reports whether the result carries a raster.
func (r Result) OK() bool { return r.raster != nil }

// Raster returns the raster. It is the zero Raster when the result is absent.
func (r Result) Raster() Raster {
	if r.raster == nil {
		return Raster{}
	}
	return *r.raster
}

// Assessment returns the quality assessment of the raster.
func (r Result) Assessment() Assessment { return r.assessment }

// Date returns the effective acquisition date, which may differ from the
// nominal date after a fallback.
func (r Result) Date() string { return r.date }

// Reason returns why the result is absent, or "" when present.
func (r Result) Reason() Reason { return r.reason }
