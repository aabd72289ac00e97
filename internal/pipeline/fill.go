package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/runlog"
)

// Coverage CSV names used by FillTable.
const (
	FillOpticalLog = "s2_series_to_sql_from_bbch_geojsons.csv"
	FillRadarLog   = "s1_series_to_sql_from_bbch_geojsons.csv"
)

// FillTable resolves the optical and merged radar index for every
// phenology observation of every field and upserts them into the store,
// keyed by field ID and observation date.
func (d *Driver) FillTable(ctx context.Context, fields []domain.Field) error {
	if d.deps.Store == nil {
		return errors.New("fill table: no field-day store configured")
	}
	defer d.begin("fill-table")()

	opticalLog, err := runlog.OpenCoverageLog(filepath.Join(d.opts.LogDir, FillOpticalLog), runlog.OpticalHeader)
	if err != nil {
		return err
	}
	defer opticalLog.Close()
	radarLog, err := runlog.OpenCoverageLog(filepath.Join(d.opts.LogDir, FillRadarLog), runlog.RadarHeader)
	if err != nil {
		return err
	}
	defer radarLog.Close()

	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.fillField(ctx, f, opticalLog, radarLog)
		d.metrics.FieldsProcessed.Inc()
	}
	return ctx.Err()
}

func (d *Driver) fillField(ctx context.Context, f domain.Field, opticalLog, radarLog *runlog.CoverageLog) {
	fieldID := domain.FieldID(f.GeometryJSON, d.opts.CropType)
	log := d.logger.With("field", f.Name, "field_id", fieldID)

	for _, l := range []*runlog.CoverageLog{opticalLog, radarLog} {
		if err := l.FieldSeparator(f.Name); err != nil {
			log.Error("write coverage log", "error", err)
		}
	}
	if len(f.Phenology) == 0 {
		log.Warn("field has no phenology observations, skipping")
		return
	}

	polygon, _, err := d.area(f)
	if err != nil {
		log.Warn("field skipped", "error", err)
		d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindOptical), "precondition").Inc()
		d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindRadarMerged), "precondition").Inc()
		return
	}
	d.seedFromStore(ctx, log, f.Name, fieldID)

	asc := d.request(polygon, d.opts.RadarAscLayer, "")
	desc := d.request(polygon, d.opts.RadarDescLayer, "")

	for _, obs := range f.Phenology {
		if ctx.Err() != nil {
			return
		}
		row := domain.FieldDay{FieldID: fieldID, Date: obs.Date, Stage: obs.Stage}

		if !d.skipDone(log, f.Name, obs.Date, domain.KindOptical) {
			res := d.resolver.Resolve(ctx, f.Name, domain.KindOptical, d.request(polygon, d.opts.OpticalLayer, obs.Date))
			d.store(ctx, log, f.Name, row, domain.KindOptical, res, opticalLog)
		}

		if ctx.Err() != nil {
			return
		}
		if !d.skipDone(log, f.Name, obs.Date, domain.KindRadarMerged) {
			res := d.resolver.ResolvePair(ctx, f.Name, asc.WithDate(obs.Date), desc.WithDate(obs.Date))
			d.store(ctx, log, f.Name, row, domain.KindRadarMerged, res, radarLog)
		}
	}
}

func (d *Driver) seedFromStore(ctx context.Context, log *slog.Logger, field, fieldID string) {
	for _, kind := range []domain.ProductKind{domain.KindOptical, domain.KindRadarMerged} {
		dates, err := d.deps.Store.CompletedDates(ctx, fieldID, kind)
		if err != nil {
			log.Warn("read completed dates", "kind", kind, "error", err)
			continue
		}
		for _, date := range dates {
			d.ledger.Mark(field, date, kind)
		}
	}
}

func (d *Driver) skipDone(log *slog.Logger, field, date string, kind domain.ProductKind) bool {
	if !d.ledger.Done(field, date, kind) {
		return false
	}
	log.Info("row already filled, skipping", "date", date, "kind", kind)
	d.metrics.ProductsSkipped.WithLabelValues(string(kind), "exists").Inc()
	return true
}

// store derives the index raster of res and upserts it for the nominal
// observation date.
func (d *Driver) store(ctx context.Context, log *slog.Logger, field string, row domain.FieldDay,
	kind domain.ProductKind, res domain.Result, csvLog *runlog.CoverageLog) {
	if !res.OK() {
		d.skipAbsent(log, kind, row.Date, res)
		return
	}
	if err := csvLog.Row(res.Date(), res.Assessment()); err != nil {
		log.Error("write coverage log", "error", err)
	}

	var (
		index domain.Raster
		err   error
	)
	if kind == domain.KindOptical {
		index, err = domain.OpticalIndex(res.Raster(), d.opts.NIRBand, d.opts.RedBand)
	} else {
		index, err = domain.RadarIndex(res.Raster())
	}
	if err != nil {
		d.skipPrecondition(log, kind, row.Date, err)
		return
	}

	payload, err := d.deps.Codec.Encode(index)
	if err != nil {
		d.deps.RunLog.SetError()
		log.Error("encode index raster", "date", row.Date, "kind", kind, "error", err)
		return
	}

	row.Kind = kind
	row.Payload = payload
	if err := d.deps.Store.Upsert(ctx, row); err != nil {
		d.metrics.DBUpserts.WithLabelValues(string(kind), "error").Inc()
		d.deps.RunLog.SetError()
		log.Error("upsert field day", "date", row.Date, "kind", kind, "error", err)
		return
	}
	d.metrics.DBUpserts.WithLabelValues(string(kind), "success").Inc()
	d.produced.Add(1)
	d.ledger.Mark(field, row.Date, kind)
	log.Info("field day stored", "date", row.Date, "effective_date", res.Date(), "kind", kind, "stage", row.Stage)
	d.publish(ctx, log, domain.NewSeriesEvent(d.opts.RunID, field, row.Date, kind, "", res, d.deps.Clock.Now()))
}
