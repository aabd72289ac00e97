package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/observability"
)

// fallbackOffsets are the day offsets tried for a nominal date, in order.
var fallbackOffsets = []int{0, 1, -1}

// RunLog receives acquisition timings and the run-wide error flag.
type RunLog interface {
	AppendProcTime(field string, d time.Duration)
	SetError()
}

// Resolver acquires a usable raster for a nominal date, falling back to the
// following and then the preceding day.
type Resolver struct {
	coverage domain.CoverageClient
	codec    domain.RasterCodec
	gate     domain.QualityGate
	runlog   RunLog
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewResolver creates a Resolver.
func NewResolver(coverage domain.CoverageClient, codec domain.RasterCodec, gate domain.QualityGate,
	runlog RunLog, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		coverage: coverage,
		codec:    codec,
		gate:     gate,
		runlog:   runlog,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// attemptFunc acquires one product for exactly one date.
type attemptFunc func(ctx context.Context, date string) domain.Result

// Resolve returns the first usable raster for req.Date, req.Date+1 or
// req.Date-1. The result is Absent when none of the three qualifies.
func (r *Resolver) Resolve(ctx context.Context, field string, kind domain.ProductKind, req domain.AcquisitionRequest) domain.Result {
	return r.fallback(ctx, field, kind, req.Date, func(ctx context.Context, date string) domain.Result {
		return r.acquire(ctx, field, kind, req.WithDate(date))
	})
}

// ResolvePair acquires both orbits per attempted date and merges them.
// The fallback moves on only when neither orbit yields a usable raster.
func (r *Resolver) ResolvePair(ctx context.Context, field string, asc, desc domain.AcquisitionRequest) domain.Result {
	return r.fallback(ctx, field, domain.KindRadarMerged, asc.Date, func(ctx context.Context, date string) domain.Result {
		a := r.acquire(ctx, field, domain.KindRadarAsc, asc.WithDate(date))
		if a.Reason() == domain.ReasonCancelled {
			return a
		}
		d := r.acquire(ctx, field, domain.KindRadarDesc, desc.WithDate(date))
		if d.Reason() == domain.ReasonCancelled {
			return d
		}

		merged, err := domain.MergeOrbits(a, d)
		if err != nil {
			r.logger.Warn("orbit merge failed", "field", field, "date", date, "error", err)
			r.metrics.IndexErrors.Inc()
			return domain.Absent(domain.ReasonNoOrbit)
		}
		return merged
	})
}

func (r *Resolver) fallback(ctx context.Context, field string, kind domain.ProductKind, nominal string, attempt attemptFunc) domain.Result {
	last := domain.Absent(domain.ReasonNoData)
	for _, offset := range fallbackOffsets {
		if ctx.Err() != nil {
			return domain.Absent(domain.ReasonCancelled)
		}

		date, err := domain.AdjustDate(nominal, offset)
		if err != nil {
			r.logger.Warn("invalid acquisition date", "field", field, "date", nominal, "error", err)
			return domain.Absent(domain.ReasonNoData)
		}

		res := attempt(ctx, date)
		if res.OK() {
			r.metrics.FallbackOffsets.WithLabelValues(string(kind), offsetLabel(offset)).Inc()
			if offset != 0 {
				r.logger.Info("resolved by fallback", "field", field, "kind", kind,
					"date", nominal, "effective_date", date, "offset", offset)
			}
			return res
		}
		if res.Reason() == domain.ReasonCancelled {
			return res
		}
		last = res
	}
	return last
}

// acquire fetches, decodes and quality-gates one raster.
func (r *Resolver) acquire(ctx context.Context, field string, kind domain.ProductKind, req domain.AcquisitionRequest) domain.Result {
	log := r.logger.With("field", field, "kind", kind, "date", req.Date, "layer", req.Layer)

	start := r.clock.Now()
	payload, err := r.coverage.Fetch(ctx, req)
	elapsed := r.clock.Since(start)
	r.runlog.AppendProcTime(field, elapsed)
	r.metrics.AcquisitionDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	log.Debug("coverage request finished", "elapsed_us", elapsed.Microseconds())

	switch {
	case ctx.Err() != nil:
		return domain.Absent(domain.ReasonCancelled)
	case errors.Is(err, domain.ErrNoData):
		r.metrics.Acquisitions.WithLabelValues(string(kind), "absent").Inc()
		log.Info("no valid coverage return value, skipping")
		return domain.Absent(domain.ReasonNoData)
	case err != nil:
		r.metrics.Acquisitions.WithLabelValues(string(kind), "error").Inc()
		r.runlog.SetError()
		log.Error("coverage request failed", "error", err)
		return domain.Absent(domain.ReasonDecodeError)
	}

	raster, err := r.codec.Decode(payload)
	if err != nil {
		r.metrics.Acquisitions.WithLabelValues(string(kind), "error").Inc()
		r.runlog.SetError()
		log.Error("error opening raster, date could not be opened", "error", err)
		return domain.Absent(domain.ReasonDecodeError)
	}

	a := domain.AssessRaster(raster)
	if reason, ok := r.gate.Check(a); !ok {
		r.metrics.Acquisitions.WithLabelValues(string(kind), "absent").Inc()
		log.Info("raster rejected by quality gate", "reason", reason,
			"zero_fraction", a.ZeroFraction, "valid", a.Valid, "pixels", a.Pixels)
		return domain.Absent(reason)
	}
	if r.gate.Advisory(a) {
		log.Warn("raster mostly empty", "zero_fraction", a.ZeroFraction, "valid_percent", a.ValidPercent())
	}

	r.metrics.Acquisitions.WithLabelValues(string(kind), "present").Inc()
	return domain.Present(raster, a, req.Date)
}

func offsetLabel(offset int) string {
	if offset > 0 {
		return "+" + strconv.Itoa(offset)
	}
	return strconv.Itoa(offset)
}
