package domain

import (
	"fmt"
	"math"
)

// MergeOrbits combines ascending and descending results for one date.
// A single present side passes through unchanged. Both present yields a
// mosaic (see Mosaic) dated by the ascending side. Neither present yields
// Absent(ReasonNoOrbit).
func MergeOrbits(asc, desc Result) (Result, error) {
	switch {
	case asc.OK() && !desc.OK():
		return asc, nil
	case desc.OK() && !asc.OK():
		return desc, nil
	case !asc.OK() && !desc.OK():
		return Absent(ReasonNoOrbit), nil
	}

	merged, err := Mosaic(asc.Raster(), desc.Raster())
	if err != nil {
		return Absent(ReasonNoOrbit), err
	}
	return Present(merged, AssessRaster(merged), asc.Date()), nil
}

// Mosaic places first and second on the union of their extents using first's
// pixel size. Where both cover a pixel, first wins; a zero pixel counts as
// nodata and does not occlude. Only north-up rasters with equal projection
// and pixel size are supported.
func Mosaic(first, second Raster) (Raster, error) {
	if err := checkGrid(first, second); err != nil {
		return Raster{}, err
	}

	resX, resY := first.GeoTransform[1], first.GeoTransform[5]
	fx0, fy0, fx1, fy1 := extent(first)
	sx0, sy0, sx1, sy1 := extent(second)
	minX, maxY := math.Min(fx0, sx0), math.Max(fy0, sy0)
	maxX, minY := math.Max(fx1, sx1), math.Min(fy1, sy1)

	width := int(math.Round((maxX - minX) / resX))
	height := int(math.Round((maxY - minY) / -resY))
	bands := min(first.BandCount(), second.BandCount())

	out := Raster{
		Width:        width,
		Height:       height,
		Bands:        make([][]float64, bands),
		GeoTransform: [6]float64{minX, resX, 0, maxY, 0, resY},
		Projection:   first.Projection,
		DataType:     first.DataType,
	}
	for b := range out.Bands {
		out.Bands[b] = make([]float64, width*height)
	}

	for _, src := range []Raster{first, second} {
		colOff := int(math.Round((src.GeoTransform[0] - minX) / resX))
		rowOff := int(math.Round((src.GeoTransform[3] - maxY) / resY))
		for b := 0; b < bands; b++ {
			dst := out.Bands[b]
			for y := 0; y < src.Height; y++ {
				dy := y + rowOff
				if dy < 0 || dy >= height {
					continue
				}
				for x := 0; x < src.Width; x++ {
					dx := x + colOff
					if dx < 0 || dx >= width {
						continue
					}
					v := src.Bands[b][y*src.Width+x]
					if v == 0 || dst[dy*width+dx] != 0 {
						continue
					}
					dst[dy*width+dx] = v
				}
			}
		}
	}
	return out, nil
}

func checkGrid(a, b Raster) error {
	for _, r := range []Raster{a, b} {
		if r.GeoTransform[2] != 0 || r.GeoTransform[4] != 0 {
			return fmt.Errorf("rotated geotransform: %w", ErrGridMismatch)
		}
		if r.GeoTransform[1] <= 0 || r.GeoTransform[5] >= 0 {
			return fmt.Errorf("geotransform is not north-up: %w", ErrGridMismatch)
		}
	}
	if a.GeoTransform[1] != b.GeoTransform[1] || a.GeoTransform[5] != b.GeoTransform[5] {
		return fmt.Errorf("pixel size %v/%v vs %v/%v: %w",
			a.GeoTransform[1], a.GeoTransform[5], b.GeoTransform[1], b.GeoTransform[5], ErrGridMismatch)
	}
	if a.Projection != "" && b.Projection != "" && a.Projection != b.Projection {
		return fmt.Errorf("projection differs: %w", ErrGridMismatch)
	}
	return nil
}

// extent returns minX, maxY, maxX, minY of a north-up raster.
func extent(r Raster) (x0, y0, x1, y1 float64) {
	gt := r.GeoTransform
	return gt[0], gt[3], gt[0] + float64(r.Width)*gt[1], gt[3] + float64(r.Height)*gt[5]
}
