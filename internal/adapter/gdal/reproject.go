package gdal

import (
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Reprojector implements geo.Reprojector with OSR coordinate transforms.
type Reprojector struct{}

// NewReprojector registers the GDAL drivers and returns a reprojector.
func NewReprojector() Reprojector {
	registerOnce.Do(godal.RegisterAll)
	return Reprojector{}
}

// Reproject maps every vertex of g from srcEPSG to dstEPSG. godal spatial
// references use the traditional GIS axis order, so coordinates are
// x=easting/longitude and y=northing/latitude on both sides even when the
// EPSG definition of a geographic CRS lists latitude first.
func (Reprojector) Reproject(g orb.Geometry, srcEPSG, dstEPSG int) (orb.Geometry, error) {
	src, err := godal.NewSpatialRefFromEPSG(srcEPSG)
	if err != nil {
		return nil, fmt.Errorf("EPSG:%d: %w", srcEPSG, err)
	}
	defer src.Close()
	dst, err := godal.NewSpatialRefFromEPSG(dstEPSG)
	if err != nil {
		return nil, fmt.Errorf("EPSG:%d: %w", dstEPSG, err)
	}
	defer dst.Close()

	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return nil, fmt.Errorf("transform EPSG:%d to EPSG:%d: %w", srcEPSG, dstEPSG, err)
	}
	defer trn.Close()

	var firstErr error
	projected := project.Geometry(g, func(p orb.Point) orb.Point {
		if firstErr != nil {
			return p
		}
		xs, ys, zs := []float64{p[0]}, []float64{p[1]}, []float64{0}
		ok := []bool{false}
		if err := trn.TransformEx(xs, ys, zs, ok); err != nil || !ok[0] {
			firstErr = fmt.Errorf("transform point %v: %w", p, pointError(err))
			return p
		}
		return orb.Point{xs[0], ys[0]}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return projected, nil
}

func pointError(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("point outside transform domain")
}
