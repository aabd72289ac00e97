package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/runlog"
)

// Output tree folder names.
const (
	RawDir          = "raw"
	OpticalIndexDir = "ndvi_ras"
	RadarIndexDir   = "rvi_ras"
)

// Ledger is the set of (field, date, kind) products already materialized.
// It is consulted before every acquisition so finished work costs no
// network call.
type Ledger struct {
	done map[string]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{done: make(map[string]struct{})}
}

func ledgerKey(field, date string, kind domain.ProductKind) string {
	return field + "|" + date + "|" + string(kind)
}

// Done reports whether the product is recorded.
func (l *Ledger) Done(field, date string, kind domain.ProductKind) bool {
	_, ok := l.done[ledgerKey(field, date, kind)]
	return ok
}

// Mark records the product as materialized.
func (l *Ledger) Mark(field, date string, kind domain.ProductKind) {
	l.done[ledgerKey(field, date, kind)] = struct{}{}
}

// Len returns the number of recorded products.
func (l *Ledger) Len() int { return len(l.done) }

// Layout resolves raster paths under one output root:
// <root>/raw/<field>/<YYYYMMDD>_<tag>_<field>.tif and the index twin under
// <root>/<indexDir>/<field>/.
type Layout struct {
	Root     string
	IndexDir string
}

// FileName returns the date-encoded raster file name.
func FileName(field, date string, kind domain.ProductKind) string {
	tag := kind.Sensor()
	switch kind {
	case domain.KindRadarAsc:
		tag += "_asc"
	case domain.KindRadarDesc:
		tag += "_desc"
	}
	return fmt.Sprintf("%s_%s_%s.tif", domain.CompactDate(date), tag, field)
}

// RawPath returns the raw raster path.
func (l Layout) RawPath(field, date string, kind domain.ProductKind) string {
	return filepath.Join(l.Root, RawDir, field, FileName(field, date, kind))
}

// IndexPath returns the index raster path.
func (l Layout) IndexPath(field, date string, kind domain.ProductKind) string {
	return filepath.Join(l.Root, l.IndexDir, field, FileName(field, date, kind))
}

// Complete reports whether both files of a product exist.
func (l Layout) Complete(field, date string, kind domain.ProductKind) bool {
	return exists(l.RawPath(field, date, kind)) && exists(l.IndexPath(field, date, kind))
}

// Seed marks every product in dates whose file pair is already on disk.
func (l Layout) Seed(ledger *Ledger, field string, dates []string, kinds ...domain.ProductKind) {
	for _, date := range dates {
		for _, kind := range kinds {
			if l.Complete(field, date, kind) {
				ledger.Mark(field, date, kind)
			}
		}
	}
}

// writeOnce writes r to path unless the file exists. It reports whether a
// file was written. A failed write leaves nothing at path.
func writeOnce(codec domain.RasterCodec, path string, r domain.Raster) (bool, error) {
	return runlog.CreateOnce(path, func(stage string) error {
		return codec.WriteFile(stage, r)
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
