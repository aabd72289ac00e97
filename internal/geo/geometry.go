package geo

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

// Reprojector transforms a geometry between two EPSG coordinate systems.
type Reprojector interface {
	Reproject(g orb.Geometry, srcEPSG, dstEPSG int) (orb.Geometry, error)
}

// Identity is a Reprojector for setups where source and coverage CRS match.
type Identity struct{}

// Reproject returns g unchanged when the codes match.
func (Identity) Reproject(g orb.Geometry, srcEPSG, dstEPSG int) (orb.Geometry, error) {
	if srcEPSG != dstEPSG {
		return nil, fmt.Errorf("identity reprojector cannot map EPSG:%d to EPSG:%d", srcEPSG, dstEPSG)
	}
	return g, nil
}

// ToCRS reprojects g, skipping the reprojector when the codes already match.
func ToCRS(r Reprojector, g orb.Geometry, srcEPSG, dstEPSG int) (orb.Geometry, error) {
	if srcEPSG == dstEPSG {
		return g, nil
	}
	return r.Reproject(orb.Clone(g), srcEPSG, dstEPSG)
}

// AcquisitionArea turns a field geometry into the polygon sent to the
// coverage service. In point mode the field must be a point and becomes a
// square of side bbox; otherwise it must be a polygon or multipolygon.
func AcquisitionArea(g orb.Geometry, pointMode bool, bbox float64) (orb.Geometry, error) {
	switch v := g.(type) {
	case orb.Point:
		if !pointMode {
			return nil, domain.ErrPointNeedsBBox
		}
		return BoundingBox(v, bbox, bbox), nil
	case orb.Polygon, orb.MultiPolygon:
		if pointMode {
			return nil, fmt.Errorf("got %s: %w", g.GeoJSONType(), domain.ErrNotPoint)
		}
		return g, nil
	case nil:
		return nil, fmt.Errorf("missing geometry: %w", domain.ErrNotPolygon)
	default:
		return nil, fmt.Errorf("got %s: %w", g.GeoJSONType(), domain.ErrNotPolygon)
	}
}

// BoundingBox returns the axis-aligned rectangle of the given size centred on p.
func BoundingBox(p orb.Point, width, height float64) orb.Polygon {
	hw, hh := width/2, height/2
	return orb.Polygon{orb.Ring{
		{p[0] - hw, p[1] - hh},
		{p[0] + hw, p[1] - hh},
		{p[0] + hw, p[1] + hh},
		{p[0] - hw, p[1] + hh},
		{p[0] - hw, p[1] - hh},
	}}
}

// WKT renders g for a coverage query, with no space before "(".
func WKT(g orb.Geometry) string {
	return strings.ReplaceAll(wkt.MarshalString(g), " (", "(")
}

// Centroid returns the area centroid of g (the point itself for points).
func Centroid(g orb.Geometry) orb.Point {
	c, _ := planar.CentroidArea(g)
	return c
}

// Area returns the planar area of g in squared CRS units.
func Area(g orb.Geometry) float64 {
	return planar.Area(g)
}
