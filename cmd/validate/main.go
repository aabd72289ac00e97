// Command validate audits the output folders of a series run: raw and index
// rasters must come in pairs with well-formed names, every valid row of a
// coverage CSV must be backed by a file pair, and every run log must end
// with a closing line.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -s2-dir /data/out/s2 \
//	  -s1-dir /data/out/s1 \
//	  -log-dir /data/out/log
package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/pipeline"
	"github.com/couchcryptid/field-series-etl/internal/runlog"
)

// tree describes one sensor output root.
type tree struct {
	sensor string
	layout pipeline.Layout
	kinds  []domain.ProductKind
	csvPat string
}

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

var fileName = regexp.MustCompile(`^(\d{8})_(S2|S1|S1_asc|S1_desc)_(.+)\.tif$`)

func main() {
	s2Dir := flag.String("s2-dir", "", "optical output root (contains raw/ and ndvi_ras/)")
	s1Dir := flag.String("s1-dir", "", "radar output root (contains raw/ and rvi_ras/)")
	logDir := flag.String("log-dir", "", "folder holding the coverage CSVs and log_output/")
	flag.Parse()

	if *s2Dir == "" && *s1Dir == "" {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(os.Stdout, *s2Dir, *s1Dir, *logDir))
}

func trees(s2Dir, s1Dir string) []tree {
	var out []tree
	if s2Dir != "" {
		out = append(out, tree{
			sensor: "S2",
			layout: pipeline.Layout{Root: s2Dir, IndexDir: pipeline.OpticalIndexDir},
			kinds:  []domain.ProductKind{domain.KindOptical},
			csvPat: "s2_series_*.csv",
		})
	}
	if s1Dir != "" {
		out = append(out, tree{
			sensor: "S1",
			layout: pipeline.Layout{Root: s1Dir, IndexDir: pipeline.RadarIndexDir},
			kinds:  []domain.ProductKind{domain.KindRadarAsc, domain.KindRadarDesc, domain.KindRadarMerged},
			csvPat: "s1_series_*.csv",
		})
	}
	return out
}

func run(w io.Writer, s2Dir, s1Dir, logDir string) int {
	fmt.Fprintln(w, "=== Field Series Output Validation ===")
	fmt.Fprintln(w)

	var phases []*phase
	files := 0
	for _, t := range trees(s2Dir, s1Dir) {
		p, n := validatePairs(t)
		phases = append(phases, p)
		files += n
		if logDir != "" {
			phases = append(phases, validateCoverageRows(t, logDir))
		}
	}
	if logDir != "" {
		phases = append(phases, validateRunLogs(logDir))
	}

	fmt.Fprintln(w)
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-42s %s\n", p.name, status)
	}
	fmt.Fprintf(w, "\nRaster pairs checked: %d\n", files)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

// ── Raster pairs ──

// listRasters returns field -> file names below dir/<field>/.
func listRasters(dir string) (map[string][]string, error) {
	out := make(map[string][]string)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".tif") {
				out[e.Name()] = append(out[e.Name()], f.Name())
			}
		}
	}
	return out, nil
}

func validatePairs(t tree) (*phase, int) {
	p := &phase{name: fmt.Sprintf("%s: raw/index pairs", t.sensor)}

	rawDir := filepath.Join(t.layout.Root, pipeline.RawDir)
	indexDir := filepath.Join(t.layout.Root, t.layout.IndexDir)
	raw, err := listRasters(rawDir)
	if err != nil {
		p.errorf("read %s: %v", rawDir, err)
		return p, 0
	}
	index, err := listRasters(indexDir)
	if err != nil {
		p.errorf("read %s: %v", indexDir, err)
		return p, 0
	}

	n := 0
	check := func(from, to map[string][]string, fromDir, toDir string) {
		for field, names := range from {
			for _, name := range names {
				n++
				m := fileName.FindStringSubmatch(name)
				switch {
				case m == nil:
					p.errorf("%s/%s: unexpected file name", field, name)
				case m[3] != field:
					p.errorf("%s/%s: file belongs to field %q", field, name, m[3])
				case !strings.HasPrefix(m[2], t.sensor):
					p.errorf("%s/%s: %s file in %s tree", field, name, m[2], t.sensor)
				}
				if !contains(to[field], name) {
					p.errorf("%s/%s in %s has no twin in %s", field, name, fromDir, toDir)
				}
			}
		}
	}
	check(raw, index, pipeline.RawDir, t.layout.IndexDir)
	check(index, raw, t.layout.IndexDir, pipeline.RawDir)
	return p, n / 2
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// ── Coverage CSV rows ──

// coverageRow is one per-date row below a field separator.
type coverageRow struct {
	file  string
	line  int
	field string
	date  string
	valid int
}

func readCoverageRows(path string) ([]coverageRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var (
		rows  []coverageRow
		field string
		line  int
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(rec) < 3 || isHeader(rec) {
			continue
		}
		if rec[0] != "" {
			field = rec[0]
			continue
		}
		valid, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: valid pixel count %q: %w", line, rec[2], err)
		}
		rows = append(rows, coverageRow{file: filepath.Base(path), line: line, field: field, date: rec[1], valid: valid})
	}
}

func isHeader(rec []string) bool {
	return rec[0] == runlog.OpticalHeader[0] || rec[0] == runlog.RadarHeader[0]
}

// validateCoverageRows checks that every row with valid pixels is backed by
// a file pair of one of the tree's product kinds for that date.
func validateCoverageRows(t tree, logDir string) *phase {
	p := &phase{name: fmt.Sprintf("%s: coverage CSV rows", t.sensor)}

	paths, err := filepath.Glob(filepath.Join(logDir, t.csvPat))
	if err != nil {
		p.errorf("glob %s: %v", t.csvPat, err)
		return p
	}
	sort.Strings(paths)
	for _, path := range paths {
		// fill-table logs describe database rows, not files
		if base := filepath.Base(path); base == pipeline.FillOpticalLog || base == pipeline.FillRadarLog {
			continue
		}
		rows, err := readCoverageRows(path)
		if err != nil {
			p.errorf("%s: %v", filepath.Base(path), err)
			continue
		}
		for _, row := range rows {
			if row.valid == 0 || row.field == "" {
				continue
			}
			if !t.complete(row.field, row.date) {
				p.errorf("%s line %d: %s %s has valid pixels but no file pair", row.file, row.line, row.field, row.date)
			}
		}
	}
	return p
}

func (t tree) complete(field, date string) bool {
	for _, kind := range t.kinds {
		if t.layout.Complete(field, date, kind) {
			return true
		}
	}
	return false
}

// ── Run logs ──

func validateRunLogs(logDir string) *phase {
	p := &phase{name: "Run logs: closing line"}

	paths, err := filepath.Glob(filepath.Join(logDir, runlog.Dir, "log_*.txt"))
	if err != nil {
		p.errorf("glob run logs: %v", err)
		return p
	}
	sort.Strings(paths)
	for _, path := range paths {
		last, err := lastLine(path)
		if err != nil {
			p.errorf("%s: %v", filepath.Base(path), err)
			continue
		}
		switch last {
		case runlog.ClosingSuccess:
		case runlog.ClosingFailed:
			p.errorf("%s: run reported errors", filepath.Base(path))
		default:
			p.errorf("%s: no closing line, run was killed", filepath.Base(path))
		}
	}
	return p
}

func lastLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last, sc.Err()
}
