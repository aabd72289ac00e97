package runlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

// Coverage CSV headers.
var (
	OpticalHeader = []string{"Multi Polygon Source", "Date", "Cnt Valid S2 Pixel", "Valid Percent", "Cnt All Pixel"}
	RadarHeader   = []string{"Polygon Name", "Date", "Valid S1 Pixel", "Valid Percent", "All Pixel"}
	WeatherHeader = []string{"Date", "Precipitation", "Temp Mean", "Temp Min", "Temp Max", "GDD"}
)

// CoverageLog appends per-date pixel statistics. Each open writes the header
// once, so a file appended across runs carries one header per run.
type CoverageLog struct {
	f    *os.File
	w    *csv.Writer
	Path string
}

// OpenCoverageLog opens path for appending and writes header.
func OpenCoverageLog(path string, header []string) (*CoverageLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create coverage log folder: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open coverage log: %w", err)
	}
	l := &CoverageLog{f: f, w: csv.NewWriter(f), Path: path}
	if err := l.write(header); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// FieldSeparator writes the row that opens a field's block.
func (l *CoverageLog) FieldSeparator(field string) error {
	return l.write([]string{field, "", "", "", ""})
}

// Row writes one per-date statistics row.
func (l *CoverageLog) Row(date string, a domain.Assessment) error {
	return l.write([]string{
		"",
		date,
		strconv.Itoa(a.Valid),
		formatFloat(a.ValidPercent()),
		strconv.Itoa(a.Pixels),
	})
}

// Close flushes and closes the file.
func (l *CoverageLog) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func (l *CoverageLog) write(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("write coverage log: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

// WriteWeather writes rows to path unless the file already exists, in which
// case it reports written=false and leaves the file untouched. A failed
// write leaves no file at path.
func WriteWeather(path string, rows []domain.WeatherDay) (written bool, err error) {
	return CreateOnce(path, func(stage string) error {
		f, err := os.Create(stage)
		if err != nil {
			return fmt.Errorf("create weather csv: %w", err)
		}
		if err := writeWeatherRows(f, rows); err != nil {
			f.Close()
			return fmt.Errorf("write weather csv: %w", err)
		}
		return f.Close()
	})
}

func writeWeatherRows(w io.Writer, rows []domain.WeatherDay) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(WeatherHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.Date,
			formatFloat(r.Precipitation),
			formatFloat(r.TempMean),
			formatFloat(r.TempMin),
			formatFloat(r.TempMax),
			formatFloat(r.GDD),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
