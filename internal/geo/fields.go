// Package geo loads field boundaries and prepares their geometry for
// coverage requests.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

// Extension is the only file type treated as a field boundary.
const Extension = ".geojson"

// CompanionSuffix names the polygon file that stands in for a point field:
// field "town" is replaced by the first polygon of "town-field.geojson".
const CompanionSuffix = "-field"

// Property names carrying phenology observations.
const (
	PropObservationDates = "BDate"
	PropObservationStage = "BBCH"
)

// LoadOption configures LoadFields.
type LoadOption func(*loadOptions)

type loadOptions struct {
	companionDir string
}

// WithCompanionPolygons replaces every point field with the outer ring of
// the first polygon in dir/<name>-field.geojson. A point without a usable
// companion is kept and reported in the warnings.
func WithCompanionPolygons(dir string) LoadOption {
	return func(o *loadOptions) { o.companionDir = dir }
}

// LoadFields reads one .geojson file or every .geojson file in a folder,
// sorted by name. Files that cannot be parsed are reported in warnings and
// skipped. The error is non-nil only when source itself cannot be read.
func LoadFields(source string, opts ...LoadOption) ([]domain.Field, []error, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(source)
	if err != nil {
		return nil, nil, fmt.Errorf("field source: %w", err)
	}

	var paths []string
	if info.IsDir() {
		entries, err := os.ReadDir(source)
		if err != nil {
			return nil, nil, fmt.Errorf("read field folder: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				paths = append(paths, filepath.Join(source, e.Name()))
			}
		}
		sort.Strings(paths)
	} else {
		paths = []string{source}
	}

	var (
		fields   []domain.Field
		warnings []error
	)
	for _, p := range paths {
		if !strings.EqualFold(filepath.Ext(p), Extension) {
			warnings = append(warnings, fmt.Errorf("%s is not a geojson", p))
			continue
		}
		if o.companionDir != "" && isCompanion(p, o.companionDir) {
			continue
		}
		f, err := LoadField(p)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		if _, ok := f.Geometry.(orb.Point); ok && o.companionDir != "" {
			if err := replaceWithCompanion(&f, o.companionDir); err != nil {
				warnings = append(warnings, err)
			}
		}
		fields = append(fields, f)
	}
	return fields, warnings, nil
}

// LoadField parses a GeoJSON Feature, the first Feature of a
// FeatureCollection, or a bare geometry.
func LoadField(path string) (domain.Field, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Field{}, fmt.Errorf("read %s: %w", path, err)
	}

	feature, err := parseFeature(data)
	if err != nil {
		return domain.Field{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if feature.Geometry == nil {
		return domain.Field{}, fmt.Errorf("parse %s: missing geometry", path)
	}

	geomJSON, err := geojson.NewGeometry(feature.Geometry).MarshalJSON()
	if err != nil {
		return domain.Field{}, fmt.Errorf("encode geometry of %s: %w", path, err)
	}

	obs, err := phenology(feature.Properties)
	if err != nil {
		return domain.Field{}, fmt.Errorf("%s: %w", path, err)
	}

	return domain.Field{
		Name:         strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:         path,
		Geometry:     feature.Geometry,
		Phenology:    obs,
		GeometryJSON: geomJSON,
	}, nil
}

func companionPath(dir, name string) string {
	return filepath.Join(dir, name+CompanionSuffix+Extension)
}

// isCompanion reports whether p is itself a companion polygon stored in dir.
func isCompanion(p, dir string) bool {
	name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	return strings.HasSuffix(name, CompanionSuffix) && filepath.Clean(filepath.Dir(p)) == filepath.Clean(dir)
}

// replaceWithCompanion swaps the point geometry of f for the outer ring of
// its companion polygon. f is left unchanged on error.
func replaceWithCompanion(f *domain.Field, dir string) error {
	path := companionPath(dir, f.Name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: no polygon file %s, keeping the point", f.Name, filepath.Base(path))
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	feature, err := parseFeature(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	var ring orb.Ring
	switch g := feature.Geometry.(type) {
	case orb.MultiPolygon:
		if len(g) > 0 && len(g[0]) > 0 {
			ring = g[0][0]
		}
	case orb.Polygon:
		if len(g) > 0 {
			ring = g[0]
		}
	default:
		return fmt.Errorf("%s: geometry is %T, expected a polygon, keeping the point", path, feature.Geometry)
	}
	if len(ring) == 0 {
		return fmt.Errorf("%s: empty polygon, keeping the point", path)
	}

	poly := orb.Polygon{ring}
	geomJSON, err := geojson.NewGeometry(poly).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode geometry of %s: %w", path, err)
	}
	f.Geometry = poly
	f.GeometryJSON = geomJSON
	return nil
}

func parseFeature(data []byte) (*geojson.Feature, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "Feature":
		return geojson.UnmarshalFeature(data)
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, err
		}
		if len(fc.Features) == 0 {
			return nil, errors.New("empty feature collection")
		}
		return fc.Features[0], nil
	case "":
		return nil, errors.New("missing type member")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		return geojson.NewFeature(g.Geometry()), nil
	}
}

// phenology pairs the BDate and BBCH property arrays by position.
func phenology(props geojson.Properties) ([]domain.Observation, error) {
	rawDates, ok := props[PropObservationDates].([]interface{})
	if !ok {
		return nil, nil
	}
	rawStages, _ := props[PropObservationStage].([]interface{})
	if len(rawStages) != len(rawDates) {
		return nil, fmt.Errorf("%s has %d entries, %s has %d: %w",
			PropObservationDates, len(rawDates), PropObservationStage, len(rawStages), domain.ErrLengthMismatch)
	}

	obs := make([]domain.Observation, 0, len(rawDates))
	for i := range rawDates {
		date, ok := rawDates[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not a string", PropObservationDates, i)
		}
		if _, err := domain.ParseDate(date); err != nil {
			return nil, err
		}
		obs = append(obs, domain.Observation{Date: date, Stage: fmt.Sprint(rawStages[i])})
	}
	return obs, nil
}
