package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/field-series-etl/internal/config"
	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/pipeline"
	"github.com/couchcryptid/field-series-etl/internal/runlog"
)

func opticalLayout(dir string) pipeline.Layout {
	return pipeline.Layout{Root: filepath.Join(dir, "s2"), IndexDir: pipeline.OpticalIndexDir}
}

func radarLayout(dir string) pipeline.Layout {
	return pipeline.Layout{Root: filepath.Join(dir, "s1"), IndexDir: pipeline.RadarIndexDir}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestRunOptical_FallbackToNextDay(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	h.serve("s2", "2023-06-02", opticalRaster(100))

	d := pipeline.New(testOptions(dir), h.deps)
	require.NoError(t, d.RunOptical(context.Background(), []domain.Field{fieldA()}))

	layout := opticalLayout(dir)
	assert.FileExists(t, layout.RawPath("A", "2023-06-02", domain.KindOptical))
	assert.FileExists(t, layout.IndexPath("A", "2023-06-02", domain.KindOptical))
	assert.NoFileExists(t, layout.RawPath("A", "2023-06-01", domain.KindOptical))
	assert.NoFileExists(t, layout.IndexPath("A", "2023-06-01", domain.KindOptical))
	assert.Len(t, h.codec.writes, 2)

	// 06-01 falls forward onto 06-02; 06-02 is then already done.
	assert.Equal(t, []string{"s2|2023-06-01", "s2|2023-06-02"}, h.coverage.calls)

	lines := readLines(t, filepath.Join(dir, "log", "s2_series_fields_2023-06-01_2023-06-02.csv"))
	assert.Equal(t, []string{
		"Multi Polygon Source,Date,Cnt Valid S2 Pixel,Valid Percent,Cnt All Pixel",
		"A,,,,",
		",2023-06-02,4,100,4",
	}, lines)

	require.Len(t, h.publisher.events, 1)
	ev := h.publisher.events[0]
	assert.Equal(t, "2023-06-02", ev.Date)
	assert.Equal(t, domain.KindOptical, ev.Kind)
	assert.Equal(t, layout.IndexPath("A", "2023-06-02", domain.KindOptical), ev.Path)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, h.deps.Clock.Now().UTC(), ev.ProducedAt)

	assert.False(t, h.runlog.failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProductsWritten.WithLabelValues("optical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FieldsProcessed))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.PipelineRunning))
}

func TestRunOptical_RerunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first := newHarness()
	first.serve("s2", "2023-06-01", opticalRaster(100))
	first.serve("s2", "2023-06-02", opticalRaster(200))
	require.NoError(t, pipeline.New(testOptions(dir), first.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))
	require.Len(t, first.codec.writes, 4)

	layout := opticalLayout(dir)
	before, err := os.Stat(layout.IndexPath("A", "2023-06-01", domain.KindOptical))
	require.NoError(t, err)

	second := newHarness()
	second.serve("s2", "2023-06-01", opticalRaster(300))
	second.serve("s2", "2023-06-02", opticalRaster(300))
	require.NoError(t, pipeline.New(testOptions(dir), second.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	assert.Empty(t, second.coverage.calls, "completed products must not hit the network")
	assert.Empty(t, second.codec.writes)
	assert.Empty(t, second.publisher.events)
	assert.Equal(t, 2.0, testutil.ToFloat64(second.metrics.ProductsSkipped.WithLabelValues("optical", "exists")))

	after, err := os.Stat(layout.IndexPath("A", "2023-06-01", domain.KindOptical))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestRunOptical_FailedWriteIsRedoneOnRerun(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.EndDate = "2023-06-01"
	layout := opticalLayout(dir)
	raw := layout.RawPath("A", "2023-06-01", domain.KindOptical)
	index := layout.IndexPath("A", "2023-06-01", domain.KindOptical)

	first := newHarness()
	first.serve("s2", "2023-06-01", opticalRaster(100))
	first.codec.failAfterCreate = 1
	require.NoError(t, pipeline.New(opts, first.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	assert.True(t, first.runlog.failed)
	assert.Len(t, first.codec.writes, 1)
	assert.NoFileExists(t, raw)
	assert.NoFileExists(t, index)
	assert.NoFileExists(t, runlog.StagingPath(raw))
	assert.Empty(t, first.publisher.events)

	second := newHarness()
	second.serve("s2", "2023-06-01", opticalRaster(100))
	require.NoError(t, pipeline.New(opts, second.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	assert.Equal(t, []string{"s2|2023-06-01"}, second.coverage.calls)
	assert.Len(t, second.codec.writes, 2)
	assert.FileExists(t, raw)
	assert.FileExists(t, index)
	assert.Len(t, second.publisher.events, 1)
	assert.False(t, second.runlog.failed)
}

func TestRunOptical_FallbackOntoCompletedDateIsSkipped(t *testing.T) {
	dir := t.TempDir()
	first := newHarness()
	first.serve("s2", "2023-06-02", opticalRaster(100))
	require.NoError(t, pipeline.New(testOptions(dir), first.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	second := newHarness()
	second.serve("s2", "2023-06-02", opticalRaster(100))
	require.NoError(t, pipeline.New(testOptions(dir), second.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	assert.Equal(t, []string{"s2|2023-06-01", "s2|2023-06-02"}, second.coverage.calls)
	assert.Empty(t, second.codec.writes)
	assert.Empty(t, second.publisher.events)
}

func TestRunOptical_DecodeErrorFlagsRun(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	for _, date := range []string{"2023-05-31", "2023-06-01", "2023-06-02", "2023-06-03"} {
		h.coverage.set("s2", date, "garbage")
	}

	require.NoError(t, pipeline.New(testOptions(dir), h.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	assert.True(t, h.runlog.failed)
	assert.Empty(t, h.codec.writes)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ProductsSkipped.WithLabelValues("optical", "absent")))
}

func TestRunOptical_ZeroRasterWritesNothing(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	for _, date := range []string{"2023-05-31", "2023-06-01", "2023-06-02", "2023-06-03"} {
		h.serve("s2", date, opticalRaster(0))
	}

	require.NoError(t, pipeline.New(testOptions(dir), h.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	assert.Empty(t, h.codec.writes)
	assert.False(t, h.runlog.failed)
	lines := readLines(t, filepath.Join(dir, "log", "s2_series_fields_2023-06-01_2023-06-02.csv"))
	assert.Len(t, lines, 2, "header and field separator only")
}

func TestRunOptical_BandCountPrecondition(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	h.serve("s2", "2023-06-01", radarRaster(0, 8))

	opts := testOptions(dir)
	opts.EndDate = "2023-06-01"
	require.NoError(t, pipeline.New(opts, h.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	assert.Empty(t, h.codec.writes)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IndexErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProductsSkipped.WithLabelValues("optical", "precondition")))
}

func TestRunOptical_FieldPreconditions(t *testing.T) {
	tests := []struct {
		name      string
		geometry  orb.Geometry
		fromPoint bool
	}{
		{name: "point without point mode", geometry: orb.Point{500010, 5799990}},
		{name: "polygon in point mode", geometry: fieldA().Geometry, fromPoint: true},
		{name: "line string", geometry: orb.LineString{{0, 0}, {1, 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			h := newHarness()
			h.serve("s2", "2023-06-01", opticalRaster(100))

			opts := testOptions(dir)
			opts.FromPoint = tt.fromPoint
			opts.PointBBox = 20
			f := fieldA()
			f.Geometry = tt.geometry

			require.NoError(t, pipeline.New(opts, h.deps).RunOptical(context.Background(), []domain.Field{f}))
			assert.Empty(t, h.coverage.calls)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProductsSkipped.WithLabelValues("optical", "precondition")))
		})
	}
}

func TestRunOptical_PointMode(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	h.serve("s2", "2023-06-01", opticalRaster(100))

	opts := testOptions(dir)
	opts.EndDate = "2023-06-01"
	opts.FromPoint = true
	opts.PointBBox = 20
	f := fieldA()
	f.Geometry = orb.Point{500010, 5799990}

	require.NoError(t, pipeline.New(opts, h.deps).RunOptical(context.Background(), []domain.Field{f}))
	assert.FileExists(t, opticalLayout(dir).IndexPath("A", "2023-06-01", domain.KindOptical))
}

func TestRunOptical_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	h.serve("s2", "2023-06-01", opticalRaster(100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pipeline.New(testOptions(dir), h.deps).RunOptical(ctx, []domain.Field{fieldA()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.coverage.calls)
	assert.Empty(t, h.codec.writes)
}

func TestRunOptical_InvalidDateRange(t *testing.T) {
	h := newHarness()
	opts := testOptions(t.TempDir())
	opts.StartDate, opts.EndDate = "2023-06-02", "2023-06-01"

	err := pipeline.New(opts, h.deps).RunOptical(context.Background(), []domain.Field{fieldA()})
	require.Error(t, err)
}

func TestRunRadar_PerOrbit(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	h.serve("asc", "2023-06-01", radarRaster(0, 8))
	h.serve("asc", "2023-06-02", radarRaster(0, 6))

	require.NoError(t, pipeline.New(testOptions(dir), h.deps).RunRadar(context.Background(), []domain.Field{fieldA()}))

	layout := radarLayout(dir)
	for _, date := range []string{"2023-06-01", "2023-06-02"} {
		assert.FileExists(t, layout.RawPath("A", date, domain.KindRadarAsc))
		assert.FileExists(t, layout.IndexPath("A", date, domain.KindRadarAsc))
		assert.NoFileExists(t, layout.RawPath("A", date, domain.KindRadarDesc))
	}
	assert.Equal(t, filepath.Join(dir, "s1", "rvi_ras", "A", "20230601_S1_asc_A.tif"),
		layout.IndexPath("A", "2023-06-01", domain.KindRadarAsc))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ProductsWritten.WithLabelValues("radar_asc")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ProductsSkipped.WithLabelValues("radar_desc", "absent")))

	lines := readLines(t, filepath.Join(dir, "log", "s1_series_fields_2023-06-01_2023-06-02.csv"))
	assert.Equal(t, "Polygon Name,Date,Valid S1 Pixel,Valid Percent,All Pixel", lines[0])
	assert.Len(t, lines, 4)
}

func TestRunRadar_MergedOrbits(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()
	h.serve("asc", "2023-06-01", radarRaster(0, 8))
	h.serve("desc", "2023-06-01", radarRaster(20, 4))

	opts := testOptions(dir)
	opts.EndDate = "2023-06-01"
	opts.MergeOrbits = true
	require.NoError(t, pipeline.New(opts, h.deps).RunRadar(context.Background(), []domain.Field{fieldA()}))

	layout := radarLayout(dir)
	assert.FileExists(t, layout.RawPath("A", "2023-06-01", domain.KindRadarMerged))
	assert.Equal(t, filepath.Join(dir, "s1", "raw", "A", "20230601_S1_A.tif"),
		layout.RawPath("A", "2023-06-01", domain.KindRadarMerged))
	assert.Equal(t, []string{"asc|2023-06-01", "desc|2023-06-01"}, h.coverage.calls)

	data, err := os.ReadFile(layout.RawPath("A", "2023-06-01", domain.KindRadarMerged))
	require.NoError(t, err)
	assert.Equal(t, "4x2/2", string(data))

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, domain.KindRadarMerged, h.publisher.events[0].Kind)
}

func TestDriver_CheckReadiness(t *testing.T) {
	h := newHarness()
	d := pipeline.New(testOptions(t.TempDir()), h.deps)

	require.Error(t, d.CheckReadiness(context.Background()))
	assert.Equal(t, pipeline.Status{RunID: "run-1"}, d.Status())

	require.NoError(t, d.RunOptical(context.Background(), nil))
	assert.NoError(t, d.CheckReadiness(context.Background()))
	assert.Equal(t, pipeline.Status{RunID: "run-1", Mode: "optical"}, d.Status())
}

func TestDriver_StatusCountsProducts(t *testing.T) {
	h := newHarness()
	h.serve("s2", "2023-06-01", opticalRaster(100))
	h.serve("s2", "2023-06-02", opticalRaster(100))
	d := pipeline.New(testOptions(t.TempDir()), h.deps)

	require.NoError(t, d.RunOptical(context.Background(), []domain.Field{fieldA()}))
	assert.Equal(t, int64(2), d.Status().Produced)
	assert.False(t, d.Status().Running)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		FieldSource:      "/data/fields/bavaria.geojson",
		StartDate:        "2023-04-01",
		EndDate:          "2023-09-30",
		OpticalDir:       "/out/s2",
		SourceEPSG:       4326,
		CoverageEPSG:     25832,
		OpticalLayer:     "s2_l2a",
		RadarMergeOrbits: true,
		GDDBase:          5,
		CropType:         "Mais",
	}

	opts := pipeline.OptionsFromConfig(cfg, "run-7")
	assert.Equal(t, "bavaria", opts.SeriesName)
	assert.Equal(t, "run-7", opts.RunID)
	assert.Equal(t, "s2_l2a", opts.OpticalLayer)
	assert.True(t, opts.MergeOrbits)
	assert.Equal(t, 25832, opts.CoverageEPSG)
	assert.Equal(t, "Mais", opts.CropType)
}

func TestFileName(t *testing.T) {
	tests := []struct {
		kind domain.ProductKind
		want string
	}{
		{domain.KindOptical, "20230601_S2_A.tif"},
		{domain.KindRadarAsc, "20230601_S1_asc_A.tif"},
		{domain.KindRadarDesc, "20230601_S1_desc_A.tif"},
		{domain.KindRadarMerged, "20230601_S1_A.tif"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, pipeline.FileName("A", "2023-06-01", tt.kind))
		})
	}
}

func TestLayout_Seed(t *testing.T) {
	dir := t.TempDir()
	layout := opticalLayout(dir)
	for _, p := range []string{
		layout.RawPath("A", "2023-06-01", domain.KindOptical),
		layout.IndexPath("A", "2023-06-01", domain.KindOptical),
		layout.RawPath("A", "2023-06-02", domain.KindOptical), // index twin missing
	} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	ledger := pipeline.NewLedger()
	layout.Seed(ledger, "A", []string{"2023-06-01", "2023-06-02"}, domain.KindOptical)

	assert.True(t, ledger.Done("A", "2023-06-01", domain.KindOptical))
	assert.False(t, ledger.Done("A", "2023-06-02", domain.KindOptical))
	assert.False(t, ledger.Done("A", "2023-06-01", domain.KindRadarAsc))
	assert.Equal(t, 1, ledger.Len())
}

func TestRunOptical_IncompletePairIsCompleted(t *testing.T) {
	dir := t.TempDir()
	layout := opticalLayout(dir)
	raw := layout.RawPath("A", "2023-06-01", domain.KindOptical)
	require.NoError(t, os.MkdirAll(filepath.Dir(raw), 0o755))
	require.NoError(t, os.WriteFile(raw, []byte("old"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(raw, old, old))

	h := newHarness()
	h.serve("s2", "2023-06-01", opticalRaster(100))
	opts := testOptions(dir)
	opts.EndDate = "2023-06-01"
	require.NoError(t, pipeline.New(opts, h.deps).RunOptical(context.Background(), []domain.Field{fieldA()}))

	index := layout.IndexPath("A", "2023-06-01", domain.KindOptical)
	assert.Equal(t, []string{runlog.StagingPath(index)}, h.codec.writes)
	assert.FileExists(t, index)
	assert.NoFileExists(t, runlog.StagingPath(index))
	data, err := os.ReadFile(raw)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data), "existing raw file is never overwritten")
}
