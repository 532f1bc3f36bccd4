// Package transport implements the gateway client: a session over a byte
// stream speaking the bracket-delimited text protocol
//
//	< open can0 >  < ok >  < subscribe 0 0 201 >  < frame 201 1.5 00 ... >
//
// A session runs Connecting -> Handshaking -> Subscribed -> Running and ends
// in Disconnected, either through Close or because the stream failed.
// Incoming messages are dispatched on a single read goroutine in wire order.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/canbus"
	"github.com/shaunagostinho/candash/internal/logging"
	"github.com/shaunagostinho/candash/internal/metrics"
)

// AckOK is the gateway's acknowledgment.
const AckOK = "ok"

// DefaultAckTimeout applies when Config.AckTimeout is zero.
const DefaultAckTimeout = 2000 * time.Millisecond

// State is the session lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Subscribed
	Running
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Subscribed:
		return "subscribed"
	case Running:
		return "running"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config holds session parameters.
type Config struct {
	Addr       string
	Channel    string
	AckTimeout time.Duration
	FrameIDs   []uint32 // subscribed after the channel opens
	// SubscribeAcks is set for gateways that answer each subscribe with
	// ok. One ok per subscription is then consumed so a late one cannot
	// satisfy a later request. Dial never waits for them.
	SubscribeAcks bool
}

// Handlers receive session output on the read goroutine. They must not
// block for long and must not call Close. Any may be nil.
type Handlers struct {
	// OnMessage sees every protocol message, including acks and frames.
	OnMessage func(msg string)
	// OnFrame receives each well-formed frame with its wire text.
	OnFrame func(text string, f canbus.Frame)
	// OnSignals receives decoded frames when a decoder is configured.
	OnSignals func(set *canbus.SignalSet)
	// OnError receives decode limitation errors. The session continues.
	OnError func(err error)
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the address-derived dialer.
func WithDialer(d DialFunc) Option { return func(c *Client) { c.dial = d } }

// WithDecoder decodes frames and delivers them to Handlers.OnSignals.
func WithDecoder(d *canbus.Decoder) Option { return func(c *Client) { c.decoder = d } }

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithMetrics records protocol and frame counters.
func WithMetrics(m *metrics.AppMetrics) Option { return func(c *Client) { c.m = m } }

// Client is one gateway session.
type Client struct {
	id      string
	cfg     Config
	h       Handlers
	dial    DialFunc
	decoder *canbus.Decoder
	log     *zap.Logger
	diag    *logging.Throttled
	m       *metrics.AppMetrics

	state    atomic.Int32
	conn     io.ReadWriteCloser
	writeMu  sync.Mutex
	splitter Splitter
	acks     *ackTable

	teardownOnce sync.Once
	done         chan struct{}
	readDone     chan struct{}
	errMu        sync.Mutex
	err          error
}

// Dial connects, opens the channel and subscribes to cfg.FrameIDs. A
// handshake failure returns a *HandshakeError and leaves nothing running.
func Dial(ctx context.Context, cfg Config, h Handlers, opts ...Option) (*Client, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	c := &Client{
		id:       uuid.NewString(),
		cfg:      cfg,
		h:        h,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.With(zap.String("session", c.id))
	c.diag = logging.NewThrottled(c.log, 1, 5)
	c.acks = newAckTable(c.m.AckTimeout)

	if c.dial == nil {
		d, err := DialerFor(cfg.Addr)
		if err != nil {
			return nil, err
		}
		c.dial = d
	}

	c.setState(Connecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		return nil, err
	}
	c.conn = conn
	c.log.Info("connected", zap.String("addr", cfg.Addr))
	go c.readLoop()

	c.setState(Handshaking)
	if err := c.SendWithAck(ctx, "open "+cfg.Channel, AckOK, cfg.AckTimeout); err != nil {
		herr := &HandshakeError{Channel: cfg.Channel, Err: err}
		c.teardown(herr)
		<-c.readDone
		return nil, herr
	}
	c.log.Info("channel opened", zap.String("channel", cfg.Channel))

	for _, id := range cfg.FrameIDs {
		if cfg.SubscribeAcks {
			c.acks.register(AckOK, cfg.AckTimeout)
		}
		if err := c.Send(fmt.Sprintf("subscribe 0 0 %x", id)); err != nil {
			c.teardown(err)
			<-c.readDone
			return nil, fmt.Errorf("transport: subscribe %x: %w", id, err)
		}
	}
	c.setState(Subscribed)
	c.log.Info("subscribed", zap.Int("frames", len(cfg.FrameIDs)))

	c.setState(Running)
	return c, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Done is closed when the session has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the session ended: nil after a clean Close, otherwise a
// *HandshakeError or an error wrapping ErrConnectionLost.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one protocol message.
func (c *Client) Send(msg string) error {
	if c.State() == Disconnected {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(Wrap(msg)); err != nil {
		return fmt.Errorf("transport: write %q: %w", msg, err)
	}
	c.log.Debug("sent", zap.String("msg", msg))
	return nil
}

// Request sends msg and returns a Pending that resolves when a message
// equal to ack arrives, after timeout, or when the session ends.
func (c *Client) Request(msg, ack string, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = c.cfg.AckTimeout
	}
	p := c.acks.register(ack, timeout)
	if err := c.Send(msg); err != nil {
		c.acks.cancel(p, err)
	}
	return p
}

// SendWithAck is Request followed by Wait.
func (c *Client) SendWithAck(ctx context.Context, msg, ack string, timeout time.Duration) error {
	return c.Request(msg, ack, timeout).Wait(ctx)
}

// Close sends "close <channel>", waits for its ack and ends the session.
// The stream is closed even when the ack does not arrive.
func (c *Client) Close(ctx context.Context) error {
	switch c.State() {
	case Disconnected, Closing:
		<-c.readDone
		return nil
	}
	c.setState(Closing)
	err := c.SendWithAck(ctx, "close "+c.cfg.Channel, AckOK, c.cfg.AckTimeout)
	c.teardown(nil)

	select {
	case <-c.readDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("transport: close %s: %w", c.cfg.Channel, err)
	}
	c.log.Info("channel closed", zap.String("channel", c.cfg.Channel))
	return nil
}

// teardown ends the session once. Outstanding requests resolve with
// ErrClosed; their timers are stopped and never fire afterwards.
func (c *Client) teardown(cause error) {
	c.teardownOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		c.setState(Disconnected)
		c.acks.close(ErrClosed)
		if c.conn != nil {
			c.conn.Close()
		}
		close(c.done)
		if cause != nil {
			c.log.Warn("disconnected", zap.Error(cause))
		} else {
			c.log.Info("disconnected")
		}
	})
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, msg := range c.splitter.Feed(buf[:n]) {
				c.dispatch(msg)
			}
		}
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
	}
}

func (c *Client) dispatch(msg string) {
	c.m.Message()
	if c.h.OnMessage != nil {
		c.h.OnMessage(msg)
	}
	if c.acks.match(msg) {
		return
	}
	if !canbus.IsFrameMessage(msg) {
		c.log.Debug("unhandled message", zap.String("msg", msg))
		return
	}

	f, err := canbus.ParseFrame(msg)
	if err != nil {
		c.m.Frame(metrics.FrameMalformed)
		c.diag.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if c.h.OnFrame != nil {
		c.h.OnFrame(msg, f)
	}
	if c.decoder == nil {
		return
	}

	set, err := c.decoder.Decode(f)
	switch {
	case err != nil:
		c.m.Frame(metrics.FrameUnsupported)
		c.diag.Warn("decode failed", zap.Uint32("id", f.ID), zap.Error(err))
		if c.h.OnError != nil {
			c.h.OnError(err)
		}
	case set == nil:
		c.m.Frame(metrics.FrameUnknown)
	default:
		c.m.Frame(metrics.FrameDecoded)
		if c.h.OnSignals != nil {
			c.h.OnSignals(set)
		}
	}
}
