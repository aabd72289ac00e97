package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"

	"github.com/couchcryptid/field-series-etl/internal/config"
	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/geo"
	"github.com/couchcryptid/field-series-etl/internal/observability"
	"github.com/couchcryptid/field-series-etl/internal/runlog"
)

// Publisher announces materialized products.
type Publisher interface {
	Publish(ctx context.Context, event domain.SeriesEvent) error
}

// FieldDayStore persists index rasters for phenology observations.
type FieldDayStore interface {
	Upsert(ctx context.Context, row domain.FieldDay) error
	CompletedDates(ctx context.Context, fieldID string, kind domain.ProductKind) ([]string, error)
}

// Options are the per-run settings of a Driver.
type Options struct {
	RunID      string
	SeriesName string // names the coverage CSV logs
	StartDate  string
	EndDate    string
	OpticalDir string
	RadarDir   string
	LogDir     string

	SourceEPSG   int
	CoverageEPSG int
	FromPoint    bool
	PointBBox    float64

	OpticalLayer   string
	RadarAscLayer  string
	RadarDescLayer string
	BandSubset     bool
	NIRBand        int
	RedBand        int
	MergeOrbits    bool

	WeatherLayers       config.WeatherLayers
	WeatherMeanDayBegin string
	GDDBase             float64
	CropType            string
}

// OptionsFromConfig maps the job configuration onto driver options.
func OptionsFromConfig(cfg *config.Config, runID string) Options {
	name := strings.TrimSuffix(filepath.Base(cfg.FieldSource), geo.Extension)
	return Options{
		RunID:               runID,
		SeriesName:          name,
		StartDate:           cfg.StartDate,
		EndDate:             cfg.EndDate,
		OpticalDir:          cfg.OpticalDir,
		RadarDir:            cfg.RadarDir,
		LogDir:              cfg.LogDir,
		SourceEPSG:          cfg.SourceEPSG,
		CoverageEPSG:        cfg.CoverageEPSG,
		FromPoint:           cfg.FromPoint,
		PointBBox:           cfg.PointBBox,
		OpticalLayer:        cfg.OpticalLayer,
		RadarAscLayer:       cfg.RadarAscLayer,
		RadarDescLayer:      cfg.RadarDescLayer,
		BandSubset:          cfg.CoverageBandSubset,
		NIRBand:             cfg.NIRBand,
		RedBand:             cfg.RedBand,
		MergeOrbits:         cfg.RadarMergeOrbits,
		WeatherLayers:       cfg.WeatherLayers,
		WeatherMeanDayBegin: cfg.WeatherMeanDayBegin,
		GDDBase:             cfg.GDDBase,
		CropType:            cfg.CropType,
	}
}

// Deps are the collaborators of a Driver. Publisher and Store may be nil.
type Deps struct {
	Coverage    domain.CoverageClient
	Points      domain.PointSeriesSource
	Codec       domain.RasterCodec
	Reprojector geo.Reprojector
	Gate        domain.QualityGate
	RunLog      RunLog
	Publisher   Publisher
	Store       FieldDayStore
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Driver walks fields and dates strictly in sequence, resolving, deriving
// and materializing one product at a time.
type Driver struct {
	opts     Options
	deps     Deps
	resolver *Resolver
	ledger   *Ledger
	logger   *slog.Logger
	metrics  *observability.Metrics

	ready    atomic.Bool
	running  atomic.Bool
	mode     atomic.Value // string
	produced atomic.Int64
}

// Status is a point-in-time view of the run for the status endpoint.
type Status struct {
	RunID    string `json:"run_id"`
	Mode     string `json:"mode,omitempty"`
	Running  bool   `json:"running"`
	Produced int64  `json:"produced"`
}

// New creates a Driver.
func New(opts Options, deps Deps) *Driver {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Driver{
		opts:     opts,
		deps:     deps,
		resolver: NewResolver(deps.Coverage, deps.Codec, deps.Gate, deps.RunLog, deps.Clock, deps.Logger, deps.Metrics),
		ledger:   NewLedger(),
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

// CheckReadiness returns nil once a run has started.
func (d *Driver) CheckReadiness(_ context.Context) error {
	if !d.ready.Load() {
		return errors.New("series run has not started yet")
	}
	return nil
}

// Status reports the current mode and how many products this run created.
func (d *Driver) Status() Status {
	mode, _ := d.mode.Load().(string)
	return Status{
		RunID:    d.opts.RunID,
		Mode:     mode,
		Running:  d.running.Load(),
		Produced: d.produced.Load(),
	}
}

// Ledger exposes the completed-product set.
func (d *Driver) Ledger() *Ledger { return d.ledger }

func (d *Driver) begin(mode string) func() {
	d.ready.Store(true)
	d.running.Store(true)
	d.mode.Store(mode)
	d.metrics.PipelineRunning.Set(1)
	d.logger.Info("series run started", "mode", mode, "run_id", d.opts.RunID,
		"start", d.opts.StartDate, "end", d.opts.EndDate)
	return func() {
		d.running.Store(false)
		d.metrics.PipelineRunning.Set(0)
		d.logger.Info("series run finished", "mode", mode, "ledger", d.ledger.Len())
	}
}

// area converts a field geometry into the WKT polygon sent to the coverage
// service, plus the geometry in the coverage CRS.
func (d *Driver) area(f domain.Field) (string, orb.Geometry, error) {
	g, err := geo.ToCRS(d.deps.Reprojector, f.Geometry, d.opts.SourceEPSG, d.opts.CoverageEPSG)
	if err != nil {
		return "", nil, fmt.Errorf("reproject: %w", err)
	}
	poly, err := geo.AcquisitionArea(g, d.opts.FromPoint, d.opts.PointBBox)
	if err != nil {
		return "", nil, err
	}
	d.logger.Debug("field geometry prepared", "field", f.Name, "area_m2", geo.Area(g), "point_mode", d.opts.FromPoint)
	return geo.WKT(poly), g, nil
}

func (d *Driver) request(polygon, layer, date string) domain.AcquisitionRequest {
	return domain.AcquisitionRequest{
		Polygon:    polygon,
		Layer:      layer,
		Date:       date,
		EPSG:       d.opts.CoverageEPSG,
		BandSubset: d.opts.BandSubset,
	}
}

func (d *Driver) coverageLogPath(sensor string) string {
	return filepath.Join(d.opts.LogDir, fmt.Sprintf("%s_series_%s_%s_%s.csv",
		strings.ToLower(sensor), d.opts.SeriesName, d.opts.StartDate, d.opts.EndDate))
}

// RunOptical builds the optical raw and index series of every field.
func (d *Driver) RunOptical(ctx context.Context, fields []domain.Field) error {
	defer d.begin("optical")()

	dates, err := domain.DateRange(d.opts.StartDate, d.opts.EndDate)
	if err != nil {
		return err
	}
	csvLog, err := runlog.OpenCoverageLog(d.coverageLogPath("S2"), runlog.OpticalHeader)
	if err != nil {
		return err
	}
	defer csvLog.Close()
	d.logger.Info("optical coverage metrics file", "path", csvLog.Path)

	layout := Layout{Root: d.opts.OpticalDir, IndexDir: OpticalIndexDir}
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.runOpticalField(ctx, f, dates, layout, csvLog)
		d.metrics.FieldsProcessed.Inc()
	}
	return ctx.Err()
}

func (d *Driver) runOpticalField(ctx context.Context, f domain.Field, dates []string, layout Layout, csvLog *runlog.CoverageLog) {
	log := d.logger.With("field", f.Name)
	if err := csvLog.FieldSeparator(f.Name); err != nil {
		log.Error("write coverage log", "error", err)
	}

	polygon, _, err := d.area(f)
	if err != nil {
		log.Warn("field skipped", "error", err)
		d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindOptical), "precondition").Inc()
		return
	}
	layout.Seed(d.ledger, f.Name, dates, domain.KindOptical)

	for _, date := range dates {
		if ctx.Err() != nil {
			return
		}
		if d.ledger.Done(f.Name, date, domain.KindOptical) {
			log.Info("item already created, skipping", "date", date)
			d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindOptical), "exists").Inc()
			continue
		}

		res := d.resolver.Resolve(ctx, f.Name, domain.KindOptical, d.request(polygon, d.opts.OpticalLayer, date))
		if !res.OK() {
			d.skipAbsent(log, domain.KindOptical, date, res)
			continue
		}
		if d.resolvedToDone(log, f.Name, domain.KindOptical, date, res) {
			continue
		}
		if err := csvLog.Row(res.Date(), res.Assessment()); err != nil {
			log.Error("write coverage log", "error", err)
		}

		index, err := domain.OpticalIndex(res.Raster(), d.opts.NIRBand, d.opts.RedBand)
		if err != nil {
			d.skipPrecondition(log, domain.KindOptical, date, err)
			continue
		}
		d.materialize(ctx, log, layout, f.Name, domain.KindOptical, date, res, index)
	}
}

// RunRadar builds the radar series. By default each orbit gets its own
// files; with MergeOrbits the two orbits are mosaicked per date first.
func (d *Driver) RunRadar(ctx context.Context, fields []domain.Field) error {
	defer d.begin("radar")()

	dates, err := domain.DateRange(d.opts.StartDate, d.opts.EndDate)
	if err != nil {
		return err
	}
	csvLog, err := runlog.OpenCoverageLog(d.coverageLogPath("S1"), runlog.RadarHeader)
	if err != nil {
		return err
	}
	defer csvLog.Close()
	d.logger.Info("radar coverage metrics file", "path", csvLog.Path)

	layout := Layout{Root: d.opts.RadarDir, IndexDir: RadarIndexDir}
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.runRadarField(ctx, f, dates, layout, csvLog)
		d.metrics.FieldsProcessed.Inc()
	}
	return ctx.Err()
}

func (d *Driver) radarKinds() []domain.ProductKind {
	if d.opts.MergeOrbits {
		return []domain.ProductKind{domain.KindRadarMerged}
	}
	return []domain.ProductKind{domain.KindRadarAsc, domain.KindRadarDesc}
}

func (d *Driver) runRadarField(ctx context.Context, f domain.Field, dates []string, layout Layout, csvLog *runlog.CoverageLog) {
	log := d.logger.With("field", f.Name)
	if err := csvLog.FieldSeparator(f.Name); err != nil {
		log.Error("write coverage log", "error", err)
	}

	kinds := d.radarKinds()
	polygon, _, err := d.area(f)
	if err != nil {
		log.Warn("field skipped", "error", err)
		for _, kind := range kinds {
			d.metrics.ProductsSkipped.WithLabelValues(string(kind), "precondition").Inc()
		}
		return
	}
	layout.Seed(d.ledger, f.Name, dates, kinds...)

	asc := d.request(polygon, d.opts.RadarAscLayer, "")
	desc := d.request(polygon, d.opts.RadarDescLayer, "")

	for _, date := range dates {
		for _, kind := range kinds {
			if ctx.Err() != nil {
				return
			}
			if d.ledger.Done(f.Name, date, kind) {
				log.Info("item already created, skipping", "date", date, "kind", kind)
				d.metrics.ProductsSkipped.WithLabelValues(string(kind), "exists").Inc()
				continue
			}

			var res domain.Result
			switch kind {
			case domain.KindRadarAsc:
				res = d.resolver.Resolve(ctx, f.Name, kind, asc.WithDate(date))
			case domain.KindRadarDesc:
				res = d.resolver.Resolve(ctx, f.Name, kind, desc.WithDate(date))
			default:
				res = d.resolver.ResolvePair(ctx, f.Name, asc.WithDate(date), desc.WithDate(date))
			}
			if !res.OK() {
				d.skipAbsent(log, kind, date, res)
				continue
			}
			if d.resolvedToDone(log, f.Name, kind, date, res) {
				continue
			}
			if err := csvLog.Row(res.Date(), res.Assessment()); err != nil {
				log.Error("write coverage log", "error", err)
			}

			index, err := domain.RadarIndex(res.Raster())
			if err != nil {
				d.skipPrecondition(log, kind, date, err)
				continue
			}
			d.materialize(ctx, log, layout, f.Name, kind, date, res, index)
		}
	}
}

func (d *Driver) skipAbsent(log *slog.Logger, kind domain.ProductKind, date string, res domain.Result) {
	if res.Reason() == domain.ReasonCancelled {
		log.Info("acquisition cancelled", "date", date, "kind", kind)
		return
	}
	log.Info("no usable raster, skipping date", "date", date, "kind", kind, "reason", res.Reason())
	d.metrics.ProductsSkipped.WithLabelValues(string(kind), "absent").Inc()
}

// resolvedToDone reports whether a fallback landed on a date whose product
// is already materialized.
func (d *Driver) resolvedToDone(log *slog.Logger, field string, kind domain.ProductKind, date string, res domain.Result) bool {
	if res.Date() == date || !d.ledger.Done(field, res.Date(), kind) {
		return false
	}
	log.Info("item already created, skipping", "date", date, "effective_date", res.Date(), "kind", kind)
	d.metrics.ProductsSkipped.WithLabelValues(string(kind), "exists").Inc()
	return true
}

func (d *Driver) skipPrecondition(log *slog.Logger, kind domain.ProductKind, date string, err error) {
	log.Warn("index calculation skipped", "date", date, "kind", kind, "error", err)
	d.metrics.IndexErrors.Inc()
	d.metrics.ProductsSkipped.WithLabelValues(string(kind), "precondition").Inc()
}

// materialize writes the raw and index rasters of res under its effective
// date. Existing files are never overwritten.
func (d *Driver) materialize(ctx context.Context, log *slog.Logger, layout Layout, field string,
	kind domain.ProductKind, nominal string, res domain.Result, index domain.Raster) {
	date := res.Date()
	rawPath := layout.RawPath(field, date, kind)
	indexPath := layout.IndexPath(field, date, kind)

	wroteRaw, err := writeOnce(d.deps.Codec, rawPath, res.Raster())
	if err != nil {
		d.deps.RunLog.SetError()
		log.Error("write raw raster", "path", rawPath, "error", err)
		return
	}
	wroteIndex, err := writeOnce(d.deps.Codec, indexPath, index)
	if err != nil {
		d.deps.RunLog.SetError()
		log.Error("write index raster", "path", indexPath, "error", err)
		return
	}
	d.ledger.Mark(field, date, kind)

	if !wroteRaw && !wroteIndex {
		log.Info("item already created, skipping", "date", nominal, "effective_date", date, "path", indexPath)
		d.metrics.ProductsSkipped.WithLabelValues(string(kind), "exists").Inc()
		return
	}
	log.Info("product written", "date", nominal, "effective_date", date, "kind", kind, "path", indexPath)
	d.metrics.ProductsWritten.WithLabelValues(string(kind)).Inc()
	d.produced.Add(1)
	d.publish(ctx, log, domain.NewSeriesEvent(d.opts.RunID, field, date, kind, indexPath, res, d.deps.Clock.Now()))
}

func (d *Driver) publish(ctx context.Context, log *slog.Logger, event domain.SeriesEvent) {
	if d.deps.Publisher == nil {
		return
	}
	if err := d.deps.Publisher.Publish(ctx, event); err != nil {
		log.Warn("publish series event failed", "id", event.ID, "error", err)
	}
}
