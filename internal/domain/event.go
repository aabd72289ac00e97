package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// Observation is one recorded phenological stage of a field.
type Observation struct {
	Date  string // ISO date from the BDate property
	Stage string // BBCH code from the BBCH property
}

// Field is one processing unit loaded from a GeoJSON boundary file.
type Field struct {
	Name      string       // file name stem
	Path      string       // source file
	Geometry  orb.Geometry // in the configured source CRS
	Phenology []Observation
	// GeometryJSON is the raw geometry member of the source file, hashed by FieldID.
	GeometryJSON []byte
}

// ProductKind distinguishes the products materialized per (field, date).
type ProductKind string

const (
	KindOptical     ProductKind = "optical"
	KindRadarAsc    ProductKind = "radar_asc"
	KindRadarDesc   ProductKind = "radar_desc"
	KindRadarMerged ProductKind = "radar_merged"
	KindWeather     ProductKind = "weather"
)

// Sensor returns the file name sensor tag for the kind.
func (k ProductKind) Sensor() string {
	switch k {
	case KindOptical:
		return "S2"
	case KindWeather:
		return "DWD"
	default:
		return "S1"
	}
}

// AcquisitionRequest describes one clipped raster query.
type AcquisitionRequest struct {
	Polygon    string // WKT, no space before "("
	Layer      string
	Date       string // ISO date
	EPSG       int
	BandSubset bool
}

// WithDate returns a copy of the request for another date.
func (r AcquisitionRequest) WithDate(date string) AcquisitionRequest {
	r.Date = date
	return r
}

// PointSeriesRequest describes a daily time series query at one coordinate.
type PointSeriesRequest struct {
	Layer    string
	Start    string
	End      string
	Easting  float64
	Northing float64
	// DayBegin is appended to both dates, e.g. "T12:00:00.000Z". Empty means midnight.
	DayBegin string
}

// WeatherDay is one row of the weather series.
type WeatherDay struct {
	Date          string
	Precipitation float64
	TempMean      float64
	TempMin       float64
	TempMax       float64
	GDD           float64
}

// SeriesEvent announces a materialized product to downstream consumers.
type SeriesEvent struct {
	ID            string      `json:"id"`
	RunID         string      `json:"run_id"`
	Field         string      `json:"field"`
	Date          string      `json:"date"`
	EffectiveDate string      `json:"effective_date"`
	Kind          ProductKind `json:"kind"`
	Path          string      `json:"path,omitempty"`
	ValidPixels   int         `json:"valid_pixels"`
	TotalPixels   int         `json:"total_pixels"`
	ValidPercent  float64     `json:"valid_percent"`
	ProducedAt    time.Time   `json:"produced_at"`
}

// NewSeriesEvent builds the event for a product of res stored at path,
// stamped with producedAt in UTC.
func NewSeriesEvent(runID, field, date string, kind ProductKind, path string, res Result, producedAt time.Time) SeriesEvent {
	a := res.Assessment()
	return SeriesEvent{
		ID:            ProductID(field, date, kind),
		RunID:         runID,
		Field:         field,
		Date:          date,
		EffectiveDate: res.Date(),
		Kind:          kind,
		Path:          path,
		ValidPixels:   a.Valid,
		TotalPixels:   a.Pixels,
		ValidPercent:  a.ValidPercent(),
		ProducedAt:    producedAt.UTC(),
	}
}

// ProductID is a deterministic ID for one (field, date, kind) product.
func ProductID(field, date string, kind ProductKind) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", field, date, kind)))
	return "fsp-" + hex.EncodeToString(hash[:8])
}

// FieldID hashes the field geometry together with the crop type so the same
// boundary used for two crops gets two rows.
func FieldID(geometryJSON []byte, cropType string) string {
	h := sha256.New()
	h.Write(geometryJSON)
	h.Write([]byte("|" + cropType))
	return hex.EncodeToString(h.Sum(nil))
}

// FieldDay is a partial row of the field-day table: one index raster for one
// phenology observation.
type FieldDay struct {
	FieldID string
	Date    string
	Stage   string
	Kind    ProductKind // KindOptical or KindRadarMerged
	Payload []byte      // GeoTIFF bytes
}
