// Package capture records received frame messages to disk in the replay
// log format, one "frame ..." line per record.
package capture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRows rotates after 100k frames.
const DefaultMaxRows = 100_000

// Config holds recorder configuration.
type Config struct {
	Enabled bool
	Path    string // directory
	MaxRows int
}

// Recorder writes frame lines to rotating files.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     *zap.Logger
	now     func() time.Time

	file   *os.File
	writer *bufio.Writer
	path   string
	rows   int
	seq    int
}

// New creates a Recorder. No file is opened until the first Record.
func New(cfg Config, log *zap.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "./captures"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     log,
		now:     time.Now,
	}
}

// SetEnabled allows toggling capture at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether capture is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record appends one frame message and flushes it to disk.
func (r *Recorder) Record(frame string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(); err != nil {
			r.log.Warn("rotate failed", zap.Error(err))
			return
		}
	}
	if _, err := r.writer.WriteString(frame + "\n"); err != nil {
		r.log.Warn("write failed", zap.Error(err))
		return
	}
	r.rows++
	if err := r.writer.Flush(); err != nil {
		r.log.Warn("flush failed", zap.Error(err))
	}
}

// Flush pushes buffered lines to the current file.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	return r.writer.Flush()
}

// Path returns the file currently written, if any.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile() error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	r.seq++
	filename := fmt.Sprintf("frames_%s_%03d.log", r.now().Format("2006-01-02_150405"), r.seq)
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	r.file = f
	r.writer = bufio.NewWriter(f)
	r.path = path
	r.rows = 0

	r.log.Info("capture opened", zap.String("path", path))
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		if err := r.writer.Flush(); err != nil {
			r.log.Warn("flush failed", zap.Error(err))
		}
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}
