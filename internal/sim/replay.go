package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/canbus"
	"github.com/shaunagostinho/candash/internal/logging"
	"github.com/shaunagostinho/candash/internal/metrics"
)

// DefaultChunkSize is the number of records read and scheduled at a time.
const DefaultChunkSize = 1000

// ErrEmptyLog is returned when a replay log holds no usable record.
var ErrEmptyLog = errors.New("sim: replay log has no frames")

// OpenFunc opens the replay log from its beginning.
type OpenFunc func() (io.ReadCloser, error)

// OpenFile opens a replay log on disk.
func OpenFile(path string) OpenFunc {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open replay log: %w", err)
		}
		return f, nil
	}
}

// ReplayOptions configures a Replayer.
type ReplayOptions struct {
	Open      OpenFunc
	Rate      float64 // playback speed multiplier, <= 0 means 1
	Loop      bool
	ChunkSize int
}

// record is one parsed log line.
type record struct {
	text string
	ts   float64
}

// Replayer plays a frame log back with its recorded timing.
type Replayer struct {
	opts ReplayOptions
	log  *zap.Logger
	diag *logging.Throttled
	m    *metrics.AppMetrics
	now  func() time.Time
}

// NewReplayer returns a replayer. It holds no resources until Run.
func NewReplayer(opts ReplayOptions, log *zap.Logger, m *metrics.AppMetrics) *Replayer {
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Replayer{
		opts: opts,
		log:  log,
		diag: logging.NewThrottled(log, 1, 5),
		m:    m,
		now:  time.Now,
	}
}

// Run emits every record of the log at replay_start + (ts - first_ts)/rate
// until the log ends, ctx is cancelled or emit fails. With Loop set it
// starts over with a fresh start time after the last record has fired.
func (r *Replayer) Run(ctx context.Context, emit func(frame string) error) error {
	for pass := 1; ; pass++ {
		n, err := r.pass(ctx, emit)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrEmptyLog
		}
		r.log.Debug("replay pass finished", zap.Int("pass", pass), zap.Int("records", n))
		if !r.opts.Loop {
			return nil
		}
	}
}

// pass plays the log once and returns the number of records emitted.
func (r *Replayer) pass(ctx context.Context, emit func(string) error) (int, error) {
	rc, err := r.opts.Open()
	if err != nil {
		return 0, err
	}

	readCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan []record, 1)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		readErr <- r.read(readCtx, rc, chunks)
	}()
	defer func() {
		cancel()
		rc.Close()
		for range chunks {
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var (
		start time.Time
		first float64
		n     int
	)
	for chunk := range chunks {
		for _, rec := range chunk {
			if n == 0 {
				start, first = r.now(), rec.ts
			}
			at := start.Add(time.Duration((rec.ts - first) / r.opts.Rate * float64(time.Second)))
			if d := at.Sub(r.now()); d > 0 {
				timer.Reset(d)
				select {
				case <-ctx.Done():
					return n, ctx.Err()
				case <-timer.C:
				}
			} else if err := ctx.Err(); err != nil {
				return n, err
			}

			if err := emit(rec.text); err != nil {
				return n, err
			}
			r.m.Replayed()
			n++
		}
	}

	if err := <-readErr; err != nil {
		return n, err
	}
	return n, nil
}

// read parses rc into chunks of ChunkSize records. Sending blocks while a
// chunk is already queued, so at most one chunk waits ahead of playback.
func (r *Replayer) read(ctx context.Context, rc io.Reader, out chan<- []record) error {
	sc := bufio.NewScanner(rc)
	chunk := make([]record, 0, r.opts.ChunkSize)
	line := 0

	flush := func() bool {
		if len(chunk) == 0 {
			return true
		}
		select {
		case out <- chunk:
			chunk = make([]record, 0, r.opts.ChunkSize)
			return true
		case <-ctx.Done():
			return false
		}
	}

	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		f, err := canbus.ParseFrame(text)
		if err != nil {
			r.diag.Warn("skipping replay line", zap.Int("line", line), zap.Error(err))
			continue
		}
		chunk = append(chunk, record{text: text, ts: f.Timestamp})
		if len(chunk) == r.opts.ChunkSize && !flush() {
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read replay log: %w", err)
	}
	flush()
	return nil
}
