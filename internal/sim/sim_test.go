package sim

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/candash/internal/canbus"
	"github.com/shaunagostinho/candash/internal/lexicon"
	"github.com/shaunagostinho/candash/internal/transport"
)

// trackedReader records whether the replay log was closed.
type trackedReader struct {
	io.Reader
	closed atomic.Bool
}

func (t *trackedReader) Close() error {
	t.closed.Store(true)
	return nil
}

func frameLog(n int, step float64) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		f := canbus.Frame{ID: 0x201, Timestamp: 100 + float64(i)*step}
		f.Payload[7] = byte(i)
		sb.WriteString(f.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func openString(s string, opened *int32) OpenFunc {
	return func() (io.ReadCloser, error) {
		if opened != nil {
			atomic.AddInt32(opened, 1)
		}
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func collect(n int, cancel context.CancelFunc) (func(string) error, func() []string) {
	var mu sync.Mutex
	var got []string
	emit := func(frame string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, frame)
		if cancel != nil && len(got) == n {
			cancel()
		}
		return nil
	}
	return emit, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func TestReplay_OrderAtHighRate(t *testing.T) {
	log := frameLog(20, 0.1)
	r := NewReplayer(ReplayOptions{Open: openString(log, nil), Rate: 1000}, nil, nil)

	emit, got := collect(0, nil)
	require.NoError(t, r.Run(context.Background(), emit))

	want := strings.Split(strings.TrimSpace(log), "\n")
	assert.Equal(t, want, got())
}

func TestReplay_HonorsTimestamps(t *testing.T) {
	r := NewReplayer(ReplayOptions{Open: openString(frameLog(3, 0.05), nil), Rate: 1}, nil, nil)

	var times []time.Time
	start := time.Now()
	require.NoError(t, r.Run(context.Background(), func(string) error {
		times = append(times, time.Now())
		return nil
	}))

	require.Len(t, times, 3)
	assert.Less(t, times[0].Sub(start), 40*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(start), 90*time.Millisecond)
	assert.Less(t, times[2].Sub(start), time.Second)
}

func TestReplay_RateScalesTime(t *testing.T) {
	// 2s of log at 20x is 100ms
	r := NewReplayer(ReplayOptions{Open: openString(frameLog(3, 1), nil), Rate: 20}, nil, nil)

	start := time.Now()
	require.NoError(t, r.Run(context.Background(), func(string) error { return nil }))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestReplay_Loops(t *testing.T) {
	var opened int32
	log := frameLog(10, 0.001)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewReplayer(ReplayOptions{Open: openString(log, &opened), Rate: 10, Loop: true}, nil, nil)

	emit, got := collect(25, cancel)
	err := r.Run(ctx, emit)
	assert.ErrorIs(t, err, context.Canceled)

	lines := strings.Split(strings.TrimSpace(log), "\n")
	all := got()
	require.Len(t, all, 25)
	assert.Equal(t, lines, all[:10])
	assert.Equal(t, lines, all[10:20])
	assert.Equal(t, lines[:5], all[20:])
	assert.Equal(t, int32(3), atomic.LoadInt32(&opened))
}

func TestReplay_CancelStopsTimersAndClosesLog(t *testing.T) {
	rc := &trackedReader{Reader: strings.NewReader(frameLog(5, 10))}
	r := NewReplayer(ReplayOptions{
		Open: func() (io.ReadCloser, error) { return rc, nil },
		Rate: 1,
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	emit, got := collect(1, cancel)

	start := time.Now()
	err := r.Run(ctx, emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, rc.closed.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got(), 1)
}

func TestReplay_ChunksAndSkipsMalformed(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 2500; i++ {
		if i%500 == 0 {
			sb.WriteString("frame garbage\n\n")
		}
		fmt.Fprintf(&sb, "frame 201 1.000000 00 00 00 00 00 00 %02X %02X\n", i>>8, i&0xff)
	}
	r := NewReplayer(ReplayOptions{Open: openString(sb.String(), nil), ChunkSize: 1000}, nil, nil)

	emit, got := collect(0, nil)
	require.NoError(t, r.Run(context.Background(), emit))

	all := got()
	require.Len(t, all, 2500)
	for i, line := range all {
		f, err := canbus.ParseFrame(line)
		require.NoError(t, err)
		require.Equal(t, byte(i&0xff), f.Payload[7], "record %d out of order", i)
	}
}

func TestReplay_EmptyLog(t *testing.T) {
	r := NewReplayer(ReplayOptions{Open: openString("not a frame\n", nil), Loop: true}, nil, nil)
	assert.ErrorIs(t, r.Run(context.Background(), func(string) error { return nil }), ErrEmptyLog)
}

func TestReplay_EmitErrorStops(t *testing.T) {
	r := NewReplayer(ReplayOptions{Open: openString(frameLog(5, 0), nil)}, nil, nil)
	boom := io.ErrClosedPipe
	calls := 0
	err := r.Run(context.Background(), func(string) error { calls++; return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func testLexicon(t *testing.T) *lexicon.Lexicon {
	t.Helper()
	lex, err := lexicon.Parse([]byte(`
messages:
  - id: 0x201
    name: Engine
    signals:
      - {name: rpm, start_bit: 0, bit_length: 16, is_big_endian: true, factor: 0.25}
      - {name: gear, start_bit: 16, bit_length: 4, is_big_endian: true,
         states: [{value: 1, label: first}, {value: 2, label: second}]}
  - id: 0x3A0
    name: Body
    signals:
      - {name: speed, start_bit: 8, bit_length: 8, is_big_endian: true}
      - {name: odo, start_bit: 16, bit_length: 24, is_big_endian: false}
`))
	require.NoError(t, err)
	return lex
}

func TestGenerator_Frames(t *testing.T) {
	lex := testLexicon(t)
	g := NewGenerator(lex, 1)

	for i := 0; i < 50; i++ {
		frames := g.Frames()
		require.Len(t, frames, 2)
		assert.Equal(t, uint32(0x201), frames[0].ID)
		assert.Equal(t, uint32(0x3A0), frames[1].ID)

		parsed, err := canbus.ParseFrame(frames[0].String())
		require.NoError(t, err)
		set, err := canbus.Decode(parsed, lex)
		require.NoError(t, err)
		assert.Contains(t, []float64{1, 2}, set.Data["gear"])

		// the little-endian signal is left zero
		assert.Equal(t, [3]byte{}, [3]byte(frames[1].Payload[2:5]))
	}
}

func startServer(t *testing.T, cfg Config, lex *lexicon.Lexicon) (*Server, func()) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv, err := NewServer(cfg, lex, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, srv.Serve(ctx))
	}()
	return srv, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	}
}

func TestServer_SyntheticSession(t *testing.T) {
	lex := testLexicon(t)
	srv, stop := startServer(t, Config{Mode: ModeSynthetic, Tick: 10 * time.Millisecond, Seed: 7}, lex)
	defer stop()

	sets := make(chan *canbus.SignalSet, 64)
	var oks atomic.Int32
	c, err := transport.Dial(context.Background(),
		transport.Config{Addr: srv.Addr().String(), Channel: "can0", FrameIDs: []uint32{0x201}},
		transport.Handlers{
			OnMessage: func(msg string) {
				if msg == transport.AckOK {
					oks.Add(1)
				}
			},
			OnSignals: func(s *canbus.SignalSet) {
				select {
				case sets <- s:
				default:
				}
			},
		},
		transport.WithDecoder(&canbus.Decoder{Lexicon: lex}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		select {
		case s := <-sets:
			assert.Equal(t, uint32(0x201), s.ID, "only subscribed ids are sent")
			assert.Equal(t, "Engine", s.Name)
		case <-time.After(2 * time.Second):
			t.Fatal("no frames received")
		}
	}
	assert.Equal(t, 1, srv.Sessions())

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, int32(2), oks.Load(), "open and close are acked, subscribe is not")
	assert.Eventually(t, func() bool { return srv.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_ReplaySession(t *testing.T) {
	log := frameLog(10, 0.001)
	srv, stop := startServer(t, Config{Mode: ModeReplay, Replay: ReplayOptions{Open: openString(log, nil), Rate: 1}}, nil)
	defer stop()

	frames := make(chan string, 32)
	c, err := transport.Dial(context.Background(),
		transport.Config{Addr: srv.Addr().String(), Channel: "can0"},
		transport.Handlers{OnFrame: func(text string, _ canbus.Frame) { frames <- text }})
	require.NoError(t, err)
	defer c.Close(context.Background())

	for i, want := range strings.Split(strings.TrimSpace(log), "\n") {
		select {
		case got := <-frames:
			assert.Equal(t, want, got, "record %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("record %d not replayed", i)
		}
	}
}

func TestNewServer_Validates(t *testing.T) {
	_, err := NewServer(Config{Mode: ModeSynthetic}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewServer(Config{Mode: ModeReplay}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewServer(Config{Mode: "bogus"}, testLexicon(t), nil, nil)
	assert.Error(t, err)
}
