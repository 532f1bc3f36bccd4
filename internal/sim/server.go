// Package sim is a stand-in for the CAN gateway. It speaks the same bracket
// protocol as the real gateway and feeds connected sessions either random
// frames built from a lexicon or a recorded frame log.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/lexicon"
	"github.com/shaunagostinho/candash/internal/metrics"
	"github.com/shaunagostinho/candash/internal/transport"
)

// Mode selects what the server sends.
type Mode string

const (
	ModeSynthetic Mode = "synthetic"
	ModeReplay    Mode = "replay"
)

// DefaultTick is the synthetic frame interval.
const DefaultTick = 100 * time.Millisecond

// Config configures a Server.
type Config struct {
	Addr   string
	Mode   Mode
	Tick   time.Duration // synthetic mode
	Seed   int64         // synthetic mode, 0 uses the clock
	Replay ReplayOptions // replay mode
}

// Server accepts gateway sessions.
type Server struct {
	cfg Config
	lex *lexicon.Lexicon
	gen *Generator
	log *zap.Logger
	m   *metrics.AppMetrics

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer validates cfg. The lexicon is required in synthetic mode only.
func NewServer(cfg Config, lex *lexicon.Lexicon, log *zap.Logger, m *metrics.AppMetrics) (*Server, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeSynthetic
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, lex: lex, log: log, m: m, sessions: make(map[string]*session)}

	switch cfg.Mode {
	case ModeSynthetic:
		if lex == nil {
			return nil, fmt.Errorf("sim: synthetic mode needs a lexicon")
		}
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.gen = NewGenerator(lex, seed)
	case ModeReplay:
		if cfg.Replay.Open == nil {
			return nil, fmt.Errorf("sim: replay mode needs a log")
		}
	default:
		return nil, fmt.Errorf("sim: unknown mode %q", cfg.Mode)
	}
	return s, nil
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("mode", string(s.cfg.Mode)))
	return nil
}

// Addr returns the bound address once Listen has succeeded.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts sessions until ctx is cancelled, then closes every session
// and waits for them to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.Mode == ModeSynthetic {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tickLoop(ctx)
		}()
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			break
		}
		sess := s.add(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(ctx, sess)
		}()
	}

	cancel()
	s.closeAll()
	s.wg.Wait()
	return nil
}

func (s *Server) add(conn net.Conn) *session {
	sess := newSession(conn)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.m.SessionDelta(1)
	s.log.Info("session connected", zap.String("session", sess.id),
		zap.String("remote", conn.RemoteAddr().String()), zap.Int("sessions", n))
	return sess
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if ok {
		s.m.SessionDelta(-1)
		s.log.Info("session closed", zap.String("session", sess.id))
	}
}

func (s *Server) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) closeAll() {
	for _, sess := range s.snapshot() {
		sess.close()
	}
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sessions := s.snapshot()
		if len(sessions) == 0 {
			continue
		}
		for _, f := range s.gen.Frames() {
			text := f.String()
			for _, sess := range sessions {
				if !sess.wants(f.ID) {
					continue
				}
				if err := sess.write(text); err != nil {
					sess.close()
				}
			}
		}
	}
}

// serveSession acknowledges open and close, but not subscribe, and in
// replay mode starts playback once the channel is opened.
func (s *Server) serveSession(ctx context.Context, sess *session) {
	defer s.remove(sess)
	defer sess.close()

	log := s.log.With(zap.String("session", sess.id))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var replayOnce sync.Once
	var splitter transport.Splitter
	buf := make([]byte, 4096)
	for {
		n, err := sess.conn.Read(buf)
		for _, msg := range splitter.Feed(buf[:n]) {
			words := strings.Fields(msg)
			if len(words) == 0 {
				continue
			}
			switch words[0] {
			case "open":
				sess.open()
				log.Info("channel opened", zap.String("msg", msg))
				sess.write(transport.AckOK)
				if s.cfg.Mode == ModeReplay {
					replayOnce.Do(func() {
						s.wg.Add(1)
						go func() {
							defer s.wg.Done()
							s.replay(ctx, sess, log)
						}()
					})
				}
			case "subscribe":
				if id, ok := parseSubscribe(words); ok {
					sess.subscribe(id)
					log.Debug("subscribed", zap.String("id", strconv.FormatUint(uint64(id), 16)))
				} else {
					log.Warn("bad subscribe", zap.String("msg", msg))
				}
			case "close":
				sess.write(transport.AckOK)
				return
			default:
				log.Debug("ignoring message", zap.String("msg", msg))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) replay(ctx context.Context, sess *session, log *zap.Logger) {
	r := NewReplayer(s.cfg.Replay, log, s.m)
	err := r.Run(ctx, func(frame string) error {
		if !sess.wants(frameID(frame)) {
			return nil
		}
		return sess.write(frame)
	})
	switch {
	case err == nil:
		log.Info("replay finished")
	case ctx.Err() != nil:
	default:
		log.Warn("replay stopped", zap.Error(err))
	}
}

// parseSubscribe reads "subscribe <sec> <usec> <id-hex>".
func parseSubscribe(words []string) (uint32, bool) {
	if len(words) < 4 {
		return 0, false
	}
	id, err := strconv.ParseUint(words[3], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// frameID reads the id of a frame line, which the replayer has already
// validated.
func frameID(frame string) uint32 {
	words := strings.Fields(frame)
	if len(words) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(words[1], 16, 32)
	return uint32(id)
}

type session struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	opened bool
	subs   map[uint32]bool

	closeOnce sync.Once
}

func newSession(conn net.Conn) *session {
	return &session{id: uuid.NewString(), conn: conn, subs: make(map[uint32]bool)}
}

func (s *session) open() {
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
}

func (s *session) subscribe(id uint32) {
	s.mu.Lock()
	s.subs[id] = true
	s.mu.Unlock()
}

// wants reports whether a frame id should be sent: the channel must be
// open, and an empty subscription set means every id.
func (s *session) wants(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return false
	}
	return len(s.subs) == 0 || s.subs[id]
}

func (s *session) write(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := s.conn.Write(transport.Wrap(msg))
	return err
}

func (s *session) close() {
	s.closeOnce.Do(func() { s.conn.Close() })
}
