// Package logger writes controller status snapshots to CSV, one file per
// session, starting a new file once maxRows rows have been written.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/lasaur-bridge/internal/link"
)

const (
	defaultDir      = "/var/log/lasaur-bridge"
	defaultInterval = 500 * time.Millisecond
	minInterval     = 50 * time.Millisecond
	defaultMaxRows  = 100_000
)

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// Logger records link.Status snapshots, at most one per interval.
type Logger struct {
	mu       sync.Mutex
	enabled  bool
	dir      string
	interval time.Duration
	maxRows  int

	f    *os.File
	w    *csv.Writer
	rows int
	last time.Time
}

var columns = []string{
	"timestamp", "serial_connected", "ready", "paused", "pct_done",
	"buffer_overflow", "transmission_error", "power_off", "limit_hit",
	"serial_stop_request", "door_open", "chiller_off",
	"bad_number_format_error", "expected_command_letter_error", "unsupported_statement_error",
	"x", "y", "firmware_version",
}

func New(cfg Config) *Logger {
	l := &Logger{
		enabled:  cfg.Enabled,
		dir:      cfg.Path,
		interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
		maxRows:  defaultMaxRows,
	}
	if l.dir == "" {
		l.dir = defaultDir
	}
	if l.interval < minInterval {
		l.interval = defaultInterval
	}
	return l
}

// SetEnabled starts or stops recording. Stopping closes the current file.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.release()
	}
}

func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record appends st unless the previous row is younger than the interval.
func (l *Logger) Record(st link.Status, pctDone string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if !l.enabled || now.Sub(l.last) < l.interval {
		return
	}
	l.last = now

	if l.w == nil || l.rows >= l.maxRows {
		if err := l.open(now); err != nil {
			log.Printf("[logger] %v", err)
			return
		}
	}
	if err := l.w.Write(row(now, st, pctDone)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.w.Flush()
	l.rows++
}

func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release()
}

// open replaces the current file with a fresh one named after now.
func (l *Logger) open(now time.Time) error {
	l.release()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	path := filepath.Join(l.dir, "lasaur_"+now.Format("2006-01-02_150405.000")+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	w.Flush()

	l.f, l.w, l.rows = f, w, 0
	log.Printf("[logger] writing %s", path)
	return nil
}

func (l *Logger) release() {
	if l.w != nil {
		l.w.Flush()
		l.w = nil
	}
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}

func row(ts time.Time, s link.Status, pctDone string) []string {
	flags := []bool{
		s.SerialConnected, s.Ready, s.Paused,
		s.BufferOverflow, s.TransmissionError, s.PowerOff, s.LimitHit,
		s.SerialStopRequest, s.DoorOpen, s.ChillerOff,
		s.BadNumberFormatError, s.ExpectedCommandLetterError, s.UnsupportedStatementError,
	}
	out := make([]string, 0, len(columns))
	out = append(out, ts.Format(time.RFC3339Nano))
	for i, v := range flags {
		if i == 3 {
			out = append(out, pctDone)
		}
		if v {
			out = append(out, "1")
		} else {
			out = append(out, "0")
		}
	}
	return append(out, s.X, s.Y, s.FirmwareVersion)
}
