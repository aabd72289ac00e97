package domain

import "context"

// CoverageClient fetches raster payloads from the coverage service.
type CoverageClient interface {
	// Fetch returns the encoded raster for req, or an error wrapping ErrNoData
	// when the service has nothing for that date and polygon.
	Fetch(ctx context.Context, req AcquisitionRequest) ([]byte, error)
}

// PointSeriesSource returns daily values at a point.
type PointSeriesSource interface {
	PointSeries(ctx context.Context, req PointSeriesRequest) ([]float64, error)
}

// RasterCodec converts between encoded raster payloads and Raster values.
type RasterCodec interface {
	// Decode opens an encoded payload. Nodata is forced to 0.
	Decode(payload []byte) (Raster, error)
	// WriteFile writes r as a GeoTIFF at path with nodata 0.
	WriteFile(path string, r Raster) error
	// Encode returns r as GeoTIFF bytes.
	Encode(r Raster) ([]byte, error)
}
