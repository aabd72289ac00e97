package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

// WeatherLayers names the DWD daily point-series coverages.
type WeatherLayers struct {
	Precipitation string
	TempMean      string
	TempMin       string
	TempMax       string
}

// Config holds all job settings, populated from environment variables.
type Config struct {
	FieldSource string
	StartDate   string
	EndDate     string
	OpticalDir  string
	RadarDir    string
	LogDir      string
	GDDBase     float64
	CropType    string
	FromPoint   bool
	PointBBox   float64
	SourceEPSG  int

	// FieldPolygonDir holds <name>-field.geojson polygons that replace
	// point fields of the same name.
	FieldPolygonDir string

	CoverageURL        string
	CoverageUser       string
	CoveragePassword   string
	CoverageEPSG       int
	CoverageTimeout    time.Duration
	CoverageCacheSize  int
	CoverageCacheMB    int
	CoverageBandSubset bool
	CoverageBands      []string
	OpticalLayer       string
	RadarAscLayer      string
	RadarDescLayer     string
	WeatherLayers      WeatherLayers
	// WeatherMeanDayBegin is the time-of-day suffix for the mean temperature
	// coverage, whose daily slices start at noon.
	WeatherMeanDayBegin string

	// Band positions are 0-based here; the environment takes 1-based numbers.
	NIRBand           int
	RedBand           int
	AdvisoryZeroRatio float64
	MaxZeroRatio      float64
	RadarMergeOrbits  bool

	DatabaseURL string
	TableName   string

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	coverageTimeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("COVERAGE_TIMEOUT", "120s"))
	if err != nil || coverageTimeout <= 0 {
		return nil, errors.New("invalid COVERAGE_TIMEOUT")
	}

	p := &parser{}
	outputDir := os.Getenv("OUTPUT_DIR")
	cfg := &Config{
		FieldSource: os.Getenv("FIELD_SOURCE"),
		StartDate:   os.Getenv("START_DATE"),
		EndDate:     os.Getenv("END_DATE"),
		OpticalDir:  sharedcfg.EnvOrDefault("OUTPUT_S2_DIR", outputDir),
		RadarDir:    sharedcfg.EnvOrDefault("OUTPUT_S1_DIR", outputDir),
		LogDir:      sharedcfg.EnvOrDefault("OUTPUT_LOG_DIR", outputDir),
		GDDBase:     p.float("GDD_BASE", 5),
		CropType:    sharedcfg.EnvOrDefault("CROP_TYPE", "W-Weizen"),
		FromPoint:   p.bool("FROM_POINT", false),
		PointBBox:   p.float("POINT_BBOX", 2000),
		SourceEPSG:  p.int("SOURCE_EPSG", 25832),

		CoverageURL:        sharedcfg.EnvOrDefault("COVERAGE_URL", "https://datacube.julius-kuehn.de/flf/ows"),
		CoverageUser:       os.Getenv("COVERAGE_USER"),
		CoveragePassword:   os.Getenv("COVERAGE_PASSWORD"),
		CoverageEPSG:       p.int("COVERAGE_EPSG", 25832),
		CoverageTimeout:    coverageTimeout,
		CoverageCacheSize:  p.int("COVERAGE_CACHE_SIZE", 64),
		CoverageCacheMB:    p.int("COVERAGE_CACHE_MB", 256),
		CoverageBandSubset: p.bool("COVERAGE_BAND_SUBSET", false),
		CoverageBands:      splitList(os.Getenv("COVERAGE_BANDS")),
		OpticalLayer:       sharedcfg.EnvOrDefault("OPTICAL_LAYER", "codede_reflectanceXboaXs2gg_irregular"),
		RadarAscLayer:      sharedcfg.EnvOrDefault("RADAR_ASC_LAYER", "codede_gamma0XascXs1gg_irregular"),
		RadarDescLayer:     sharedcfg.EnvOrDefault("RADAR_DESC_LAYER", "codede_gamma0XdescXs1gg_irregular"),
		WeatherLayers: WeatherLayers{
			Precipitation: sharedcfg.EnvOrDefault("DWD_PRECIPITATION_LAYER", "dwd_precipitation_daily"),
			TempMean:      sharedcfg.EnvOrDefault("DWD_TEMP_MEAN_LAYER", "dwd_temperatureXaverage_daily"),
			TempMin:       sharedcfg.EnvOrDefault("DWD_TEMP_MIN_LAYER", "dwd_temperatureXminimum_daily"),
			TempMax:       sharedcfg.EnvOrDefault("DWD_TEMP_MAX_LAYER", "dwd_temperatureXmaximum_daily"),
		},
		WeatherMeanDayBegin: sharedcfg.EnvOrDefault("DWD_TEMP_MEAN_DAY_BEGIN", "T12:00:00.000Z"),

		NIRBand:           p.int("OPTICAL_NIR_BAND", domain.DefaultNIRBand+1) - 1,
		RedBand:           p.int("OPTICAL_RED_BAND", domain.DefaultRedBand+1) - 1,
		AdvisoryZeroRatio: p.float("QUALITY_ADVISORY_ZERO_RATIO", 0.9),
		MaxZeroRatio:      p.float("QUALITY_MAX_ZERO_RATIO", 1.0),
		RadarMergeOrbits:  p.bool("RADAR_MERGE_ORBITS", false),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		TableName:   sharedcfg.EnvOrDefault("SQL_TABLE_NAME", "field_day_regular_size"),

		KafkaEnabled: p.bool("KAFKA_ENABLED", false),
		KafkaBrokers: sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "field-series-products"),

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}
	cfg.FieldPolygonDir = os.Getenv("FIELD_POLYGON_DIR")
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok && v == "" {
		cfg.HTTPAddr = ""
	}

	if p.err != nil {
		return nil, p.err
	}
	if cfg.FieldSource == "" {
		return nil, errors.New("FIELD_SOURCE is required")
	}
	if cfg.NIRBand < 0 || cfg.RedBand < 0 {
		return nil, errors.New("OPTICAL_NIR_BAND and OPTICAL_RED_BAND are 1-based band numbers")
	}
	if cfg.MaxZeroRatio < 0 || cfg.MaxZeroRatio > 1 || cfg.AdvisoryZeroRatio < 0 || cfg.AdvisoryZeroRatio > 1 {
		return nil, errors.New("QUALITY ratios must be within [0,1]")
	}
	if cfg.FromPoint && cfg.PointBBox <= 0 {
		return nil, errors.New("POINT_BBOX must be positive when FROM_POINT is true")
	}
	if cfg.FromPoint && cfg.FieldPolygonDir != "" {
		return nil, errors.New("FIELD_POLYGON_DIR replaces point fields and cannot be combined with FROM_POINT")
	}
	if cfg.CoverageCacheSize < 0 || cfg.CoverageCacheMB < 0 {
		return nil, errors.New("invalid COVERAGE_CACHE_SIZE or COVERAGE_CACHE_MB")
	}
	if !identifier.MatchString(cfg.TableName) {
		return nil, fmt.Errorf("SQL_TABLE_NAME %q is not a plain identifier", cfg.TableName)
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if cfg.KafkaTopic == "" {
			return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
		}
	}

	return cfg, nil
}

// ValidateSeries checks the settings only the file series modes need.
func (c *Config) ValidateSeries(optical, radar, weather bool) error {
	if !optical && !radar && !weather {
		return errors.New("select at least one of optical, radar, weather")
	}
	if c.StartDate == "" || c.EndDate == "" {
		return errors.New("START_DATE and END_DATE are required")
	}
	if _, err := domain.DateRange(c.StartDate, c.EndDate); err != nil {
		return err
	}
	if optical && c.OpticalDir == "" {
		return errors.New("OUTPUT_S2_DIR or OUTPUT_DIR is required for optical series")
	}
	if radar && c.RadarDir == "" {
		return errors.New("OUTPUT_S1_DIR or OUTPUT_DIR is required for radar series")
	}
	if c.LogDir == "" {
		return errors.New("OUTPUT_LOG_DIR or OUTPUT_DIR is required")
	}
	return nil
}

// ValidateFillTable checks the settings the database fill mode needs.
func (c *Config) ValidateFillTable() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for fill-table")
	}
	if c.LogDir == "" {
		return errors.New("OUTPUT_LOG_DIR or OUTPUT_DIR is required")
	}
	return nil
}

// parser collects the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) int(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
