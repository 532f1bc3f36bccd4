// Package calc holds the quantity store and the dependency engine that keeps
// derived quantities current as raw signal values arrive.
//
// Dependency resolution is a bounded-depth expansion, not a topological
// sort. A request is resolved four times, at levels 3 down to 0, and the
// rules of each level's result are run in turn, so producers two hops deep
// are computed before their consumers. Deeper chains may under-resolve and
// cyclic declarations terminate instead of recursing forever.
package calc

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/metrics"
)

// DefaultHistoryCapacity bounds the snapshot log.
const DefaultHistoryCapacity = 10000

// requestLevels is the first resolution level used by Request.
const requestLevels = 3

// Unbounded asks Dependencies to expand as deep as the graph allows.
const Unbounded = -1

// TimeKey is stamped with the request time in unix milliseconds.
const TimeKey = "Time"

var (
	// ErrMissingQuantity is returned by a rule whose input has no value yet.
	ErrMissingQuantity = errors.New("calc: missing quantity")
	// ErrInvalidInput is returned by a rule whose input would divide by zero
	// or is otherwise out of range.
	ErrInvalidInput = errors.New("calc: invalid input")
)

// RuleError reports the rule that aborted a compute pass.
type RuleError struct {
	Quantity string
	Err      error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("calc: compute %s: %v", e.Quantity, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Values is a flat mapping of quantity name to value.
type Values map[string]float64

// Get returns the named value or an error wrapping ErrMissingQuantity.
func (v Values) Get(name string) (float64, error) {
	x, ok := v[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingQuantity, name)
	}
	return x, nil
}

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

// Rule computes one derived quantity. Compute reads the live store and may
// write more than one key, including bookkeeping state it reads back later.
type Rule struct {
	Name    string
	Deps    []string
	Compute func(v Values) error
}

// Profile is the rule set of one engine. Rules run in slice order.
type Profile struct {
	Rules []Rule
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistoryCapacity sets the number of retained snapshots.
func WithHistoryCapacity(n int) Option { return func(e *Engine) { e.capacity = n } }

// WithClock replaces time.Now for Time stamping.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics counts rule errors and tracks the history length.
func WithMetrics(m *metrics.AppMetrics) Option { return func(e *Engine) { e.m = m } }

// Engine owns one quantity store. It has a single owner and is not safe
// for concurrent use; independent engines share nothing.
type Engine struct {
	rules    []Rule
	deps     map[string][]string
	order    []string // graph keys in registration order
	data     Values
	hist     *history
	capacity int
	now      func() time.Time
	log      *zap.Logger
	m        *metrics.AppMetrics
}

// New builds an engine for p.
func New(p Profile, opts ...Option) *Engine {
	e := &Engine{
		deps:     make(map[string][]string, len(p.Rules)),
		data:     make(Values),
		capacity: DefaultHistoryCapacity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.hist = newHistory(e.capacity)

	for _, r := range p.Rules {
		if _, dup := e.deps[r.Name]; !dup {
			e.order = append(e.order, r.Name)
		}
		e.deps[r.Name] = append([]string(nil), r.Deps...)
		e.rules = append(e.rules, r)
	}
	return e
}

// Dependencies resolves names at the given level and returns the flattened,
// de-duplicated result in first-occurrence order. A name with a graph entry
// expands into its direct dependencies while level > 0; a dependency that
// has an entry of its own is expanded at level-2 only while level > 1 and
// is otherwise kept as is.
func (e *Engine) Dependencies(names []string, level int) []string {
	if level == Unbounded {
		level = 2*len(e.deps) + 2
	}
	seen := make(map[string]bool)
	var out []string
	add := func(q string) {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, q := range names {
		e.solve(q, level, add)
	}
	return out
}

func (e *Engine) solve(q string, level int, add func(string)) {
	deps, ok := e.deps[q]
	if !ok || level <= 0 {
		add(q)
		return
	}
	for _, d := range deps {
		if _, has := e.deps[d]; has && level > 1 {
			e.solve(d, level-2, add)
		} else {
			add(d)
		}
	}
}

// Dependents returns every derived quantity whose fully resolved
// dependencies include any of names, in registration order.
func (e *Engine) Dependents(names []string) []string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []string
	for _, key := range e.order {
		for _, d := range e.Dependencies(e.deps[key], Unbounded) {
			if want[d] {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

// computeQuantities runs, in registration order, every rule named in set.
// The first failure aborts the pass; values already written are kept.
func (e *Engine) computeQuantities(set []string) error {
	in := make(map[string]bool, len(set))
	for _, n := range set {
		in[n] = true
	}
	for _, r := range e.rules {
		if !in[r.Name] {
			continue
		}
		if err := r.Compute(e.data); err != nil {
			e.m.RuleError(r.Name)
			return &RuleError{Quantity: r.Name, Err: err}
		}
	}
	return nil
}

// Request recomputes everything names need and returns the current values
// of exactly those names that have one. A failed request returns a
// *RuleError and records no history.
func (e *Engine) Request(names []string) (Values, error) {
	e.data[TimeKey] = float64(e.now().UnixMilli())

	for level := requestLevels; level >= 0; level-- {
		if err := e.computeQuantities(e.Dependencies(names, level)); err != nil {
			e.log.Debug("request failed", zap.Strings("quantities", names), zap.Error(err))
			return nil, err
		}
	}
	e.record()

	out := make(Values, len(names))
	for _, n := range names {
		if x, ok := e.data[n]; ok {
			out[n] = x
		}
	}
	return out, nil
}

// Update merges values into the store and recomputes the quantities that
// depend on affected, or on every key of values when affected is empty. It
// returns a copy of the whole store.
func (e *Engine) Update(values Values, affected ...string) (Values, error) {
	for k, x := range values {
		e.data[k] = x
	}
	if len(affected) == 0 {
		affected = make([]string, 0, len(values))
		for k := range values {
			affected = append(affected, k)
		}
		sort.Strings(affected)
	}

	if err := e.computeQuantities(e.Dependents(affected)); err != nil {
		e.log.Debug("update failed", zap.Strings("affected", affected), zap.Error(err))
		return nil, err
	}
	e.record()
	return e.data.Clone(), nil
}

func (e *Engine) record() {
	e.hist.push(e.data.Clone())
	e.m.History(e.hist.len())
}

// Value returns one current value.
func (e *Engine) Value(name string) (float64, bool) {
	x, ok := e.data[name]
	return x, ok
}

// Current returns a copy of the store.
func (e *Engine) Current() Values { return e.data.Clone() }

// History returns the retained snapshots, oldest first.
func (e *Engine) History() []Values { return e.hist.all() }

func (e *Engine) HistoryLen() int { return e.hist.len() }
