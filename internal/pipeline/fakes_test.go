package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"

	"github.com/couchcryptid/field-series-etl/internal/config"
	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/geo"
	"github.com/couchcryptid/field-series-etl/internal/observability"
	"github.com/couchcryptid/field-series-etl/internal/pipeline"
)

// --- fakes ---

// fakeCoverage serves payloads keyed by "layer|date"; anything else is no data.
type fakeCoverage struct {
	payloads map[string]string
	errs     map[string]error
	calls    []string
}

func newFakeCoverage() *fakeCoverage {
	return &fakeCoverage{payloads: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeCoverage) set(layer, date, payload string) { f.payloads[layer+"|"+date] = payload }

func (f *fakeCoverage) Fetch(_ context.Context, req domain.AcquisitionRequest) ([]byte, error) {
	key := req.Layer + "|" + req.Date
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if p, ok := f.payloads[key]; ok {
		return []byte(p), nil
	}
	return nil, fmt.Errorf("%s: %w", key, domain.ErrNoData)
}

// fakeCodec decodes payload names to registered rasters and writes small
// marker files so existence checks see real files.
type fakeCodec struct {
	rasters map[string]domain.Raster
	writes  []string
	// failAfterCreate makes that many writes fail after the file exists.
	failAfterCreate int
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{rasters: map[string]domain.Raster{}}
}

func (c *fakeCodec) Decode(payload []byte) (domain.Raster, error) {
	r, ok := c.rasters[string(payload)]
	if !ok {
		return domain.Raster{}, errors.New("not a GeoTIFF")
	}
	return r, nil
}

func (c *fakeCodec) WriteFile(path string, r domain.Raster) error {
	c.writes = append(c.writes, path)
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%dx%d/%d", r.Width, r.Height, r.BandCount())), 0o644); err != nil {
		return err
	}
	if c.failAfterCreate > 0 {
		c.failAfterCreate--
		return errors.New("close GTiff: no space left on device")
	}
	return nil
}

func (c *fakeCodec) Encode(r domain.Raster) ([]byte, error) {
	return []byte(fmt.Sprintf("tif:%dx%d/%d", r.Width, r.Height, r.BandCount())), nil
}

type fakeRunLog struct {
	procs  int
	failed bool
}

func (l *fakeRunLog) AppendProcTime(string, time.Duration) { l.procs++ }
func (l *fakeRunLog) SetError()                            { l.failed = true }

type fakePublisher struct {
	events []domain.SeriesEvent
}

func (p *fakePublisher) Publish(_ context.Context, e domain.SeriesEvent) error {
	p.events = append(p.events, e)
	return nil
}

type fakeStore struct {
	rows      []domain.FieldDay
	completed map[domain.ProductKind][]string
	err       error
}

func (s *fakeStore) Upsert(_ context.Context, row domain.FieldDay) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *fakeStore) CompletedDates(_ context.Context, _ string, kind domain.ProductKind) ([]string, error) {
	return s.completed[kind], nil
}

type fakePoints struct {
	series   map[string][]float64
	requests []domain.PointSeriesRequest
}

func (p *fakePoints) PointSeries(_ context.Context, req domain.PointSeriesRequest) ([]float64, error) {
	p.requests = append(p.requests, req)
	v, ok := p.series[req.Layer]
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.Layer, domain.ErrNoData)
	}
	return v, nil
}

// --- fixtures ---

var testGeoTransform = [6]float64{500000, 10, 0, 5800000, 0, -10}

// opticalRaster is a 2x2, 8-band raster whose first band is filled with v.
func opticalRaster(v float64) domain.Raster {
	bands := make([][]float64, domain.MinOpticalBands)
	for i := range bands {
		bands[i] = []float64{v, v + float64(i), v, v + 2*float64(i)}
	}
	return domain.Raster{Width: 2, Height: 2, Bands: bands, GeoTransform: testGeoTransform, DataType: domain.TypeInt32}
}

// radarRaster is a 2x2, 2-band raster with its origin shifted by dx metres.
func radarRaster(dx, v float64) domain.Raster {
	gt := testGeoTransform
	gt[0] += dx
	return domain.Raster{
		Width:        2,
		Height:       2,
		Bands:        [][]float64{{v, v, v, v}, {v / 2, v / 4, v / 2, v / 4}},
		GeoTransform: gt,
		DataType:     domain.TypeInt32,
	}
}

func fieldA() domain.Field {
	return domain.Field{
		Name:         "A",
		Geometry:     orb.Polygon{{{500000, 5799980}, {500020, 5799980}, {500020, 5800000}, {500000, 5800000}, {500000, 5799980}}},
		GeometryJSON: []byte(`{"type":"Polygon"}`),
	}
}

func testOptions(dir string) pipeline.Options {
	return pipeline.Options{
		RunID:          "run-1",
		SeriesName:     "fields",
		StartDate:      "2023-06-01",
		EndDate:        "2023-06-02",
		OpticalDir:     filepath.Join(dir, "s2"),
		RadarDir:       filepath.Join(dir, "s1"),
		LogDir:         filepath.Join(dir, "log"),
		SourceEPSG:     25832,
		CoverageEPSG:   25832,
		OpticalLayer:   "s2",
		RadarAscLayer:  "asc",
		RadarDescLayer: "desc",
		NIRBand:        domain.DefaultNIRBand,
		RedBand:        domain.DefaultRedBand,
		WeatherLayers: config.WeatherLayers{
			Precipitation: "precip",
			TempMean:      "mean",
			TempMin:       "min",
			TempMax:       "max",
		},
		WeatherMeanDayBegin: "T12:00:00.000Z",
		GDDBase:             5,
		CropType:            "W-Weizen",
	}
}

type harness struct {
	coverage  *fakeCoverage
	codec     *fakeCodec
	runlog    *fakeRunLog
	publisher *fakePublisher
	store     *fakeStore
	points    *fakePoints
	metrics   *observability.Metrics
	deps      pipeline.Deps
}

func newHarness() *harness {
	h := &harness{
		coverage:  newFakeCoverage(),
		codec:     newFakeCodec(),
		runlog:    &fakeRunLog{},
		publisher: &fakePublisher{},
		store:     &fakeStore{completed: map[domain.ProductKind][]string{}},
		points:    &fakePoints{series: map[string][]float64{}},
		metrics:   observability.NewMetricsForTesting(),
	}
	h.deps = pipeline.Deps{
		Coverage:    h.coverage,
		Points:      h.points,
		Codec:       h.codec,
		Reprojector: geo.Identity{},
		Gate:        domain.DefaultQualityGate(),
		RunLog:      h.runlog,
		Publisher:   h.publisher,
		Store:       h.store,
		Clock:       clockwork.NewFakeClock(),
		Logger:      discardLogger(),
		Metrics:     h.metrics,
	}
	return h
}

// serve registers raster r under a payload name and serves it for layer/date.
func (h *harness) serve(layer, date string, r domain.Raster) {
	name := "payload-" + layer + "-" + date
	h.codec.rasters[name] = r
	h.coverage.set(layer, date, name)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
