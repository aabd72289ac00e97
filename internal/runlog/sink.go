// Package runlog writes the per-run artifacts that operators read after a
// batch: the text log with its closing verdict line, the acquisition timing
// CSV, the per-date coverage CSVs, and the weather series CSV.
package runlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Closing lines of the text log.
const (
	ClosingFailed  = "-----------------------Attention:Processing contains Error!!!------------------"
	ClosingSuccess = "-----------------------Processing successful!!!------------------"
)

// Dir is the log subfolder created under the log output directory.
const Dir = "log_output"

var procTimesHeader = []string{"Field", "Time", "Total Amount"}

// Sink is the run-wide log: every record written through Logger lands in
// the text log as well as the base handler, and any record at error level
// raises the run error flag.
type Sink struct {
	clock clockwork.Clock

	mu       sync.Mutex
	logFile  *os.File
	procFile *os.File
	proc     *csv.Writer
	scenes   int
	total    time.Duration
	failed   bool
	closed   bool

	logger   *slog.Logger
	LogPath  string
	ProcPath string
}

// Open creates log_<date>_<time>_<prefix>.txt and proc_times_<date>_<time>_<prefix>.csv
// under dir/log_output.
func Open(dir, prefix string, clock clockwork.Clock, base slog.Handler) (*Sink, error) {
	folder := filepath.Join(dir, Dir)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create log folder: %w", err)
	}

	stamp := clock.Now().Format("20060102_150405")
	s := &Sink{
		clock:    clock,
		LogPath:  filepath.Join(folder, fmt.Sprintf("log_%s_%s.txt", stamp, prefix)),
		ProcPath: filepath.Join(folder, fmt.Sprintf("proc_times_%s_%s.csv", stamp, prefix)),
	}

	var err error
	if s.logFile, err = os.OpenFile(s.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
		return nil, fmt.Errorf("open text log: %w", err)
	}
	if s.procFile, err = os.OpenFile(s.ProcPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
		s.logFile.Close()
		return nil, fmt.Errorf("open proc times: %w", err)
	}
	s.proc = csv.NewWriter(s.procFile)
	if err := s.writeProc(procTimesHeader); err != nil {
		s.logFile.Close()
		s.procFile.Close()
		return nil, err
	}

	file := slog.NewTextHandler(s.logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	s.logger = slog.New(&teeHandler{sink: s, handlers: []slog.Handler{base, file}})
	return s, nil
}

// Logger returns the tee logger bound to this sink.
func (s *Sink) Logger() *slog.Logger { return s.logger }

// AppendProcTime records one timed acquisition for field.
func (s *Sink) AppendProcTime(field string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes++
	s.total += d
	if err := s.writeProc([]string{field, strconv.FormatInt(d.Microseconds(), 10), strconv.Itoa(s.scenes)}); err != nil {
		s.failed = true
	}
}

// SetError raises the run error flag.
func (s *Sink) SetError() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// Failed reports whether the run error flag is set.
func (s *Sink) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Scenes returns the number of timed acquisitions so far.
func (s *Sink) Scenes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenes
}

// SetTotalTime writes the accumulated acquisition time to both files and
// resets the accumulator.
func (s *Sink) SetTotalTime() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeProc([]string{strconv.Itoa(s.scenes), strconv.FormatFloat(s.total.Seconds(), 'f', 3, 64)}); err != nil {
		return err
	}
	line := fmt.Sprintf("The total processing time for all scenes is: %.3f sec\n", s.total.Seconds())
	s.total = 0
	_, err := s.logFile.WriteString(line)
	return err
}

// Close writes the closing verdict line and closes both files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	closing := ClosingSuccess
	if s.failed {
		closing = ClosingFailed
	}
	_, werr := s.logFile.WriteString(closing + "\n")
	s.proc.Flush()
	perr := s.proc.Error()
	lerr := s.logFile.Close()
	cerr := s.procFile.Close()
	for _, err := range []error{werr, perr, lerr, cerr} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeProc(row []string) error {
	if err := s.proc.Write(row); err != nil {
		return fmt.Errorf("write proc times: %w", err)
	}
	s.proc.Flush()
	return s.proc.Error()
}

// teeHandler forwards records to every handler and flags the sink on errors.
type teeHandler struct {
	sink     *Sink
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.sink.SetError()
	}
	h.sink.mu.Lock()
	closed := h.sink.closed
	h.sink.mu.Unlock()

	var first error
	for i, hh := range h.handlers {
		if i > 0 && closed {
			break
		}
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{sink: h.sink, handlers: next}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &teeHandler{sink: h.sink, handlers: next}
}
