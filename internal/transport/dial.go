package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DialFunc opens the byte stream to the gateway.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// DialerFor interprets addr:
//
//	host:port | tcp://host:port            TCP
//	serial:///dev/rfcomm0?baud=9600        serial line (default 115200 baud)
func DialerFor(addr string) (DialFunc, error) {
	if !strings.Contains(addr, "://") {
		return tcpDialer(addr), nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: %s", ErrBadAddress, addr)
		}
		return tcpDialer(u.Host), nil
	case "serial":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: %s: missing device path", ErrBadAddress, addr)
		}
		baud := 115200
		if v := u.Query().Get("baud"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: %s: baud %q", ErrBadAddress, addr, v)
			}
			baud = n
		}
		return serialDialer(u.Path, baud), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadAddress, u.Scheme)
	}
}

func tcpDialer(hostport string) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", hostport, err)
		}
		return conn, nil
	}
}

func serialDialer(path string, baud int) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		// A blocking read with no timeout would keep the read loop alive
		// after Close on some platforms.
		if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set timeout on %s: %w", path, err)
		}
		return newSerialStream(port), nil
	}
}

// serialStream turns the zero-byte reads of a timed-out serial read into
// retries so callers see the io.Reader contract of a socket.
type serialStream struct {
	serial.Port
	once   sync.Once
	closed chan struct{}
}

func newSerialStream(port serial.Port) *serialStream {
	return &serialStream{Port: port, closed: make(chan struct{})}
}

func (s *serialStream) Read(p []byte) (int, error) {
	for {
		n, err := s.Port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		select {
		case <-s.closed:
			return 0, io.EOF
		default:
		}
	}
}

func (s *serialStream) Close() error {
	err := net.ErrClosed
	s.once.Do(func() {
		close(s.closed)
		err = s.Port.Close()
	})
	return err
}
