package transport

import (
	"context"
	"sync"
	"time"
)

// Pending is the result of a request awaiting an acknowledgment.
type Pending struct {
	ack  string
	done chan struct{}
	err  error
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the outcome after Done is closed: nil on acknowledgment,
// ErrAckTimeout, or ErrClosed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the request resolves or ctx ends. Abandoning a wait
// through ctx does not cancel the request itself.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type waiter struct {
	p     *Pending
	timer *time.Timer
}

// ackTable matches acknowledgments to outstanding requests. Each ack text
// resolves the oldest waiter registered for exactly that text.
type ackTable struct {
	mu        sync.Mutex
	byAck     map[string][]*waiter
	closed    error
	onTimeout func()
}

func newAckTable(onTimeout func()) *ackTable {
	return &ackTable{byAck: make(map[string][]*waiter), onTimeout: onTimeout}
}

func resolved(ack string, err error) *Pending {
	p := &Pending{ack: ack, done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// register adds a waiter. The caller sends the command after registering
// so that a fast reply cannot be missed.
func (t *ackTable) register(ack string, timeout time.Duration) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return resolved(ack, t.closed)
	}

	w := &waiter{p: &Pending{ack: ack, done: make(chan struct{})}}
	w.timer = time.AfterFunc(timeout, func() { t.expire(w) })
	t.byAck[ack] = append(t.byAck[ack], w)
	return w.p
}

// expire resolves w with ErrAckTimeout unless it was resolved first.
func (t *ackTable) expire(w *waiter) {
	t.mu.Lock()
	if !t.remove(w) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	w.p.err = ErrAckTimeout
	close(w.p.done)
	if t.onTimeout != nil {
		t.onTimeout()
	}
}

func (t *ackTable) remove(w *waiter) bool {
	list := t.byAck[w.p.ack]
	for i, x := range list {
		if x == w {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(t.byAck, w.p.ack)
			} else {
				t.byAck[w.p.ack] = list
			}
			return true
		}
	}
	return false
}

// cancel resolves p with err if it is still outstanding.
func (t *ackTable) cancel(p *Pending, err error) {
	t.mu.Lock()
	var found *waiter
	for _, w := range t.byAck[p.ack] {
		if w.p == p {
			found = w
			break
		}
	}
	if found == nil || !t.remove(found) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	found.timer.Stop()
	found.p.err = err
	close(found.p.done)
}

// match resolves the oldest waiter for msg. It reports whether one existed.
func (t *ackTable) match(msg string) bool {
	t.mu.Lock()
	list := t.byAck[msg]
	if len(list) == 0 {
		t.mu.Unlock()
		return false
	}
	w := list[0]
	t.remove(w)
	t.mu.Unlock()

	w.timer.Stop()
	close(w.p.done)
	return true
}

// close fails every outstanding waiter with err and rejects new ones.
// Timers are stopped; a timer already running finds its waiter gone.
func (t *ackTable) close(err error) {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return
	}
	t.closed = err
	var all []*waiter
	for _, list := range t.byAck {
		all = append(all, list...)
	}
	t.byAck = make(map[string][]*waiter)
	t.mu.Unlock()

	for _, w := range all {
		w.timer.Stop()
		w.p.err = err
		close(w.p.done)
	}
}

func (t *ackTable) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, list := range t.byAck {
		n += len(list)
	}
	return n
}
