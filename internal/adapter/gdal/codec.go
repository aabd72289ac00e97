// Package gdal adapts the GDAL bindings to the domain raster codec and
// geometry reprojection interfaces.
package gdal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

var registerOnce sync.Once

// Codec implements domain.RasterCodec with GeoTIFF as the encoded form.
type Codec struct {
	tmpDir string
}

// NewCodec registers the GDAL drivers and returns a codec that stages
// payloads in tmpDir ("" means os.TempDir()).
func NewCodec(tmpDir string) *Codec {
	registerOnce.Do(godal.RegisterAll)
	return &Codec{tmpDir: tmpDir}
}

// Decode reads every band of a GeoTIFF payload as float64. The nodata value
// of the result is always 0.
func (c *Codec) Decode(payload []byte) (domain.Raster, error) {
	f, err := os.CreateTemp(c.tmpDir, "coverage-*.tif")
	if err != nil {
		return domain.Raster{}, fmt.Errorf("stage payload: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)

	if _, err := f.Write(payload); err != nil {
		f.Close()
		return domain.Raster{}, fmt.Errorf("stage payload: %w", err)
	}
	if err := f.Close(); err != nil {
		return domain.Raster{}, fmt.Errorf("stage payload: %w", err)
	}

	ds, err := godal.Open(name)
	if err != nil {
		return domain.Raster{}, fmt.Errorf("open raster: %w", err)
	}
	defer ds.Close()

	return readDataset(ds)
}

func readDataset(ds *godal.Dataset) (domain.Raster, error) {
	st := ds.Structure()
	if st.SizeX <= 0 || st.SizeY <= 0 || st.NBands == 0 {
		return domain.Raster{}, fmt.Errorf("raster %dx%d with %d bands", st.SizeX, st.SizeY, st.NBands)
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		return domain.Raster{}, fmt.Errorf("read geotransform: %w", err)
	}

	r := domain.Raster{
		Width:        st.SizeX,
		Height:       st.SizeY,
		GeoTransform: gt,
		Projection:   ds.Projection(),
		DataType:     dataTypeName(st.DataType),
	}
	for i, band := range ds.Bands() {
		buf := make([]float64, st.SizeX*st.SizeY)
		if err := band.Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
			return domain.Raster{}, fmt.Errorf("read band %d: %w", i+1, err)
		}
		r.Bands = append(r.Bands, buf)
	}
	return r, nil
}

// WriteFile writes r to path as a GeoTIFF with nodata 0 on every band.
func (c *Codec) WriteFile(path string, r domain.Raster) error {
	if r.BandCount() == 0 || r.Pixels() == 0 {
		return errors.New("write raster: empty raster")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	ds, err := godal.Create(godal.GTiff, path, r.BandCount(), gdalType(r.DataType), r.Width, r.Height)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := fillDataset(ds, r); err != nil {
		ds.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := ds.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func fillDataset(ds *godal.Dataset, r domain.Raster) error {
	if err := ds.SetGeoTransform(r.GeoTransform); err != nil {
		return fmt.Errorf("set geotransform: %w", err)
	}
	if r.Projection != "" {
		if err := ds.SetProjection(r.Projection); err != nil {
			return fmt.Errorf("set projection: %w", err)
		}
	}
	for i, band := range ds.Bands() {
		if err := band.SetNoData(0); err != nil {
			return fmt.Errorf("set nodata on band %d: %w", i+1, err)
		}
		if len(r.Bands[i]) != r.Pixels() {
			return fmt.Errorf("band %d: %d values for %d pixels: %w", i+1, len(r.Bands[i]), r.Pixels(), domain.ErrLengthMismatch)
		}
		if err := band.Write(0, 0, r.Bands[i], r.Width, r.Height); err != nil {
			return fmt.Errorf("write band %d: %w", i+1, err)
		}
	}
	return nil
}

// Encode returns r as GeoTIFF bytes.
func (c *Codec) Encode(r domain.Raster) ([]byte, error) {
	dir, err := os.MkdirTemp(c.tmpDir, "encode-*")
	if err != nil {
		return nil, fmt.Errorf("stage raster: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "raster.tif")
	if err := c.WriteFile(path, r); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func dataTypeName(dt godal.DataType) string {
	switch dt {
	case godal.Int32, godal.Int16, godal.UInt16, godal.Byte:
		return domain.TypeInt32
	default:
		return domain.TypeFloat64
	}
}

func gdalType(name string) godal.DataType {
	if name == domain.TypeInt32 {
		return godal.Int32
	}
	return godal.Float64
}
