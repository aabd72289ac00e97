package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/geo"
	"github.com/couchcryptid/field-series-etl/internal/runlog"
)

// WeatherFileName returns <start>_<end>_DWD_GDD_<base>_<field>.csv.
func WeatherFileName(start, end string, base float64, field string) string {
	return fmt.Sprintf("%s_%s_DWD_GDD_%s_%s.csv", start, end, strconv.FormatFloat(base, 'f', -1, 64), field)
}

// RunWeather writes one daily weather CSV with cumulative GDD per field.
func (d *Driver) RunWeather(ctx context.Context, fields []domain.Field) error {
	defer d.begin("weather")()

	dates, err := domain.DateRange(d.opts.StartDate, d.opts.EndDate)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.runWeatherField(ctx, f, dates)
		d.metrics.FieldsProcessed.Inc()
	}
	return ctx.Err()
}

func (d *Driver) runWeatherField(ctx context.Context, f domain.Field, dates []string) {
	log := d.logger.With("field", f.Name)
	path := filepath.Join(d.opts.LogDir, WeatherFileName(d.opts.StartDate, d.opts.EndDate, d.opts.GDDBase, f.Name))

	if d.ledger.Done(f.Name, d.opts.StartDate, domain.KindWeather) || exists(path) {
		log.Info("item already created, skipping", "path", path)
		d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindWeather), "exists").Inc()
		return
	}

	g, err := geo.ToCRS(d.deps.Reprojector, f.Geometry, d.opts.SourceEPSG, d.opts.CoverageEPSG)
	if err != nil {
		log.Warn("field skipped", "error", err)
		d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindWeather), "precondition").Inc()
		return
	}
	centroid := geo.Centroid(g)
	log.Info("requesting weather series", "easting", centroid[0], "northing", centroid[1])

	rows, err := d.weatherRows(ctx, f.Name, centroid[0], centroid[1], dates)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.deps.RunLog.SetError()
		log.Error("weather series failed", "error", err)
		d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindWeather), "absent").Inc()
		return
	}

	written, err := runlog.WriteWeather(path, rows)
	switch {
	case err != nil:
		d.deps.RunLog.SetError()
		log.Error("write weather csv", "path", path, "error", err)
		return
	case !written:
		log.Info("item already created, skipping", "path", path)
		d.metrics.ProductsSkipped.WithLabelValues(string(domain.KindWeather), "exists").Inc()
	default:
		log.Info("weather series written", "path", path, "days", len(rows))
		d.metrics.ProductsWritten.WithLabelValues(string(domain.KindWeather)).Inc()
		d.produced.Add(1)
	}
	d.ledger.Mark(f.Name, d.opts.StartDate, domain.KindWeather)
}

// weatherRows fetches the four daily series and aligns them by date. The
// mean temperature slices start at noon, so the first calendar day is
// dropped from every series; GDD still accumulates from the first day.
func (d *Driver) weatherRows(ctx context.Context, field string, easting, northing float64, dates []string) ([]domain.WeatherDay, error) {
	layers := d.opts.WeatherLayers
	fetch := func(layer, dayBegin string) ([]float64, error) {
		start := d.deps.Clock.Now()
		values, err := d.deps.Points.PointSeries(ctx, domain.PointSeriesRequest{
			Layer:    layer,
			Start:    d.opts.StartDate,
			End:      d.opts.EndDate,
			Easting:  easting,
			Northing: northing,
			DayBegin: dayBegin,
		})
		d.deps.RunLog.AppendProcTime(field, d.deps.Clock.Since(start))
		if err != nil {
			return nil, err
		}
		if len(values) != len(dates) {
			return nil, fmt.Errorf("%s: %d values for %d days: %w", layer, len(values), len(dates), domain.ErrLengthMismatch)
		}
		return values, nil
	}

	precip, err := fetch(layers.Precipitation, "")
	if err != nil {
		return nil, err
	}
	mean, err := fetch(layers.TempMean, d.opts.WeatherMeanDayBegin)
	if err != nil {
		return nil, err
	}
	tmin, err := fetch(layers.TempMin, "")
	if err != nil {
		return nil, err
	}
	tmax, err := fetch(layers.TempMax, "")
	if err != nil {
		return nil, err
	}

	precip = whole(precip)
	mean, tmin, tmax = tenths(mean), tenths(tmin), tenths(tmax)
	gdd, err := domain.AccumulateGDD(tmin, tmax, d.opts.GDDBase)
	if err != nil {
		return nil, err
	}

	rows := make([]domain.WeatherDay, 0, len(dates))
	for i := 1; i < len(dates); i++ {
		rows = append(rows, domain.WeatherDay{
			Date:          dates[i],
			Precipitation: precip[i],
			TempMean:      mean[i],
			TempMin:       tmin[i],
			TempMax:       tmax[i],
			GDD:           gdd[i],
		})
	}
	return rows, nil
}

// whole truncates the integer-coded precipitation values.
func whole(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(int64(v))
	}
	return out
}

// tenths converts integer tenths of a degree to degrees.
func tenths(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(int64(v)) / 10
	}
	return out
}
