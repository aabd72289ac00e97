package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/field-series-etl/internal/config"
	"github.com/couchcryptid/field-series-etl/internal/geo"
	"github.com/couchcryptid/field-series-etl/internal/observability"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("etl failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "etl",
		Short:         "Build per-field optical, radar and weather time series",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// Credentials usually live in .env; a missing file is fine.
			_ = godotenv.Load()
		},
	}
	root.AddCommand(newSeriesCommand(), newFillTableCommand())
	return root
}

func newSeriesCommand() *cobra.Command {
	var optical, radar, weather bool

	cmd := &cobra.Command{
		Use:   "series",
		Short: "Write raw and index rasters plus weather CSVs per field and date",
		Long: `Walks every field and every date between START_DATE and END_DATE and
writes the selected products into the output folders. Products that already
exist on disk are skipped, so an interrupted run can simply be restarted.`,
		Example: "  etl series --optical --radar\n  etl series --weather",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateSeries(optical, radar, weather); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			var tags []string
			for _, m := range []struct {
				on  bool
				tag string
			}{{optical, "s2"}, {radar, "s1"}, {weather, "dwd"}} {
				if m.on {
					tags = append(tags, m.tag)
				}
			}

			return runJob(cmd.Context(), cfg, strings.Join(tags, "_")+"_"+seriesName(cfg), func(ctx context.Context, j *job) error {
				if optical {
					if err := j.driver.RunOptical(ctx, j.fields); err != nil {
						return err
					}
				}
				if radar {
					if err := j.driver.RunRadar(ctx, j.fields); err != nil {
						return err
					}
				}
				if weather {
					return j.driver.RunWeather(ctx, j.fields)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&optical, "optical", false, "build the optical (S2) index series")
	cmd.Flags().BoolVar(&radar, "radar", false, "build the radar (S1) index series")
	cmd.Flags().BoolVar(&weather, "weather", false, "build the weather series with cumulative GDD")
	return cmd
}

func newFillTableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fill-table",
		Short: "Upsert index rasters for every phenology observation into the field-day table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateFillTable(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runJob(cmd.Context(), cfg, "to_sql_"+seriesName(cfg), func(ctx context.Context, j *job) error {
				return j.driver.FillTable(ctx, j.fields)
			}, withStore())
		},
	}
}

func seriesName(cfg *config.Config) string {
	return strings.TrimSuffix(filepath.Base(cfg.FieldSource), geo.Extension)
}

// runJob wires a job, runs fn until it returns or a signal arrives, and
// tears everything down. Only setup failures are returned; a run with
// per-item errors is reported in the run log and still succeeds.
func runJob(parent context.Context, cfg *config.Config, prefix string, fn func(context.Context, *job) error, opts ...jobOption) error {
	if parent == nil {
		parent = context.Background()
	}
	slog.SetDefault(observability.NewLogger(cfg))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, err := newJob(ctx, cfg, prefix, opts...)
	if err != nil {
		return err
	}
	defer j.close()

	err = fn(ctx, j)
	switch {
	case errors.Is(err, context.Canceled):
		j.logger.Warn("run interrupted")
		return nil
	case err != nil:
		j.sink.SetError()
		return err
	}
	return nil
}
