// Package pipeline connects decoded frames to the dependency engine and
// delivers the resulting snapshots to consumers in periodic batches.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/calc"
	"github.com/shaunagostinho/candash/internal/canbus"
	"github.com/shaunagostinho/candash/internal/logging"
	"github.com/shaunagostinho/candash/internal/metrics"
)

// MessageType tags snapshot batches on the wire.
const MessageType = "canData"

const (
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultMaxBatch      = 1000
)

// Message is one delivered batch, oldest snapshot first.
type Message struct {
	Type    string        `json:"type"`
	Payload []calc.Values `json:"payload"`
}

// Sink receives snapshot batches. Publish must not retain msg.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
}

// Config controls mapping and batching.
type Config struct {
	// Aliases renames signals to quantity names, e.g. "rpm" -> "RPM".
	// Unlisted signals keep their own name.
	Aliases map[string]string
	// Quantities, when set, are requested after each update and only they
	// are delivered. Otherwise the whole store is delivered.
	Quantities    []string
	FlushInterval time.Duration
	MaxBatch      int // oldest snapshots are dropped beyond this
}

// Pipeline is the single owner of its engine.
type Pipeline struct {
	cfg   Config
	sinks []Sink
	log   *zap.Logger
	diag  *logging.Throttled
	m     *metrics.AppMetrics

	mu      sync.Mutex
	engine  *calc.Engine
	buf     []calc.Values
	dropped int
}

// New builds a pipeline around engine.
func New(engine *calc.Engine, cfg Config, sinks []Sink, log *zap.Logger, m *metrics.AppMetrics) *Pipeline {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		sinks:  sinks,
		log:    log,
		diag:   logging.NewThrottled(log, 1, 3),
		m:      m,
		engine: engine,
	}
}

// HandleSignals feeds one decoded frame into the engine and buffers the
// resulting snapshot. A rule failure still buffers the partial store so
// consumers see the quantities that are current.
func (p *Pipeline) HandleSignals(set *canbus.SignalSet) {
	values := make(calc.Values, len(set.Data))
	for name, v := range set.Data {
		if q, ok := p.cfg.Aliases[name]; ok {
			name = q
		}
		values[name] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.engine.Update(values)
	if err != nil {
		p.diag.Warn("update failed", zap.String("message", set.Name), zap.Error(err))
		snap = p.engine.Current()
	}
	if len(p.cfg.Quantities) > 0 {
		out, err := p.engine.Request(p.cfg.Quantities)
		if err != nil {
			p.diag.Warn("request failed", zap.Error(err))
			out = pick(p.engine.Current(), p.cfg.Quantities)
		}
		snap = out
	}
	p.push(snap)
}

func pick(v calc.Values, names []string) calc.Values {
	out := make(calc.Values, len(names))
	for _, n := range names {
		if x, ok := v[n]; ok {
			out[n] = x
		}
	}
	return out
}

func (p *Pipeline) push(snap calc.Values) {
	if len(p.buf) >= p.cfg.MaxBatch {
		p.buf = p.buf[1:]
		p.dropped++
	}
	p.buf = append(p.buf, snap)
}

// Pending returns the number of buffered snapshots.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Flush delivers buffered snapshots to every sink. Nothing is sent when
// the buffer is empty. Sink errors are logged and do not stop delivery to
// the others.
func (p *Pipeline) Flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buf
	dropped := p.dropped
	p.buf, p.dropped = nil, 0
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if dropped > 0 {
		p.log.Warn("batch overflow", zap.Int("dropped", dropped))
	}

	msg := Message{Type: MessageType, Payload: batch}
	for _, s := range p.sinks {
		if err := s.Publish(ctx, msg); err != nil {
			p.diag.Warn("publish failed", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		p.m.Sent(s.Name())
	}
}

// Run flushes every FlushInterval until ctx is done, then flushes once more.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), time.Second)
			p.Flush(final)
			cancel()
			return nil
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}
