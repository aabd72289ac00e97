package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/field-series-etl/internal/adapter/gdal"
	httpadapter "github.com/couchcryptid/field-series-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/field-series-etl/internal/adapter/kafka"
	"github.com/couchcryptid/field-series-etl/internal/adapter/postgres"
	"github.com/couchcryptid/field-series-etl/internal/adapter/wcs"
	"github.com/couchcryptid/field-series-etl/internal/config"
	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/geo"
	"github.com/couchcryptid/field-series-etl/internal/observability"
	"github.com/couchcryptid/field-series-etl/internal/pipeline"
	"github.com/couchcryptid/field-series-etl/internal/runlog"
)

type jobOption func(*jobSettings)

type jobSettings struct {
	store bool
}

// withStore connects the field-day repository.
func withStore() jobOption {
	return func(s *jobSettings) { s.store = true }
}

// job holds everything one run needs, in teardown order.
type job struct {
	cfg       *config.Config
	logger    *slog.Logger
	sink      *runlog.Sink
	fields    []domain.Field
	driver    *pipeline.Driver
	server    *httpadapter.Server
	publisher *kafkaadapter.Publisher
	repo      *postgres.Repository
}

func newJob(ctx context.Context, cfg *config.Config, prefix string, opts ...jobOption) (*job, error) {
	var settings jobSettings
	for _, opt := range opts {
		opt(&settings)
	}

	clock := clockwork.NewRealClock()
	runID := uuid.NewString()
	metrics := observability.NewMetrics()

	sink, err := runlog.Open(cfg.LogDir, prefix, clock, observability.NewHandler(cfg))
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	j := &job{cfg: cfg, sink: sink, logger: sink.Logger().With("run_id", runID)}
	j.logger.Info("run log opened", "log", sink.LogPath, "proc_times", sink.ProcPath)

	var loadOpts []geo.LoadOption
	if cfg.FieldPolygonDir != "" {
		loadOpts = append(loadOpts, geo.WithCompanionPolygons(cfg.FieldPolygonDir))
	}
	fields, warnings, err := geo.LoadFields(cfg.FieldSource, loadOpts...)
	if err != nil {
		j.sink.SetError()
		j.logger.Error("load fields", "source", cfg.FieldSource, "error", err)
		j.close()
		return nil, fmt.Errorf("load fields: %w", err)
	}
	for _, w := range warnings {
		j.logger.Warn("field source warning", "error", w)
	}
	j.fields = fields
	j.logger.Info("fields loaded", "count", len(fields), "source", cfg.FieldSource)

	client := wcs.NewClient(cfg.CoverageURL, cfg.CoverageUser, cfg.CoveragePassword, cfg.CoverageBands, cfg.CoverageTimeout, j.logger)
	deps := pipeline.Deps{
		Coverage:    wcs.NewCachedCoverage(client, cfg.CoverageCacheSize, int64(cfg.CoverageCacheMB)<<20, metrics),
		Points:      client,
		Codec:       gdal.NewCodec(""),
		Reprojector: gdal.NewReprojector(),
		Gate:        domain.QualityGate{AdvisoryZeroRatio: cfg.AdvisoryZeroRatio, MaxZeroRatio: cfg.MaxZeroRatio},
		RunLog:      sink,
		Clock:       clock,
		Logger:      j.logger,
		Metrics:     metrics,
	}

	if cfg.KafkaEnabled {
		j.publisher = kafkaadapter.NewPublisher(cfg, j.logger)
		deps.Publisher = j.publisher
		j.logger.Info("series events enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	if settings.store {
		repo, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.TableName, clock)
		if err != nil {
			j.sink.SetError()
			j.logger.Error("connect database", "error", err)
			j.close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		j.repo = repo
		deps.Store = repo
		j.logger.Info("field-day table connected", "table", cfg.TableName)
	}

	j.driver = pipeline.New(pipeline.OptionsFromConfig(cfg, runID), deps)

	if cfg.HTTPAddr != "" {
		j.server = httpadapter.NewServer(cfg.HTTPAddr, j.driver, j.logger)
		go func() {
			if err := j.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				j.logger.Error("http server error", "error", err)
			}
		}()
	}
	return j, nil
}

// close shuts the job down. The run log is closed last so its closing line
// reflects every error raised during teardown.
func (j *job) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), j.cfg.ShutdownTimeout)
	defer cancel()

	if j.server != nil {
		if err := j.server.Shutdown(shutdownCtx); err != nil {
			j.logger.Error("http server shutdown error", "error", err)
		}
	}
	if j.publisher != nil {
		if err := j.publisher.Close(); err != nil {
			j.logger.Error("kafka publisher close error", "error", err)
		}
	}
	if j.repo != nil {
		if err := j.repo.Close(); err != nil {
			j.logger.Error("database close error", "error", err)
		}
	}

	if err := j.sink.SetTotalTime(); err != nil {
		j.logger.Error("write total time", "error", err)
	}
	failed, scenes := j.sink.Failed(), j.sink.Scenes()
	if err := j.sink.Close(); err != nil {
		slog.Error("close run log", "error", err)
	}
	j.logger.Info("shutdown complete", "failed", failed, "scenes", scenes)
}
