package transport

import (
	"bytes"
	"strings"
)

// MaxBuffered bounds the bytes a Splitter retains while waiting for a
// closing '>'.
const MaxBuffered = 64 * 1024

// Splitter reassembles "< message >" units from an arbitrary byte stream.
// It is not safe for concurrent use; each connection owns one.
type Splitter struct {
	buf []byte
}

// Feed appends p and returns every message completed by it, trimmed, in
// stream order. Unmatched trailing text is kept for the next call.
func (s *Splitter) Feed(p []byte) []string {
	s.buf = append(s.buf, p...)

	var msgs []string
	start := 0
	for {
		open := bytes.IndexByte(s.buf[start:], '<')
		if open < 0 {
			break
		}
		open += start
		end := bytes.IndexByte(s.buf[open+1:], '>')
		if end < 0 {
			break
		}
		end += open + 1
		msgs = append(msgs, strings.TrimSpace(string(s.buf[open+1:end])))
		start = end + 1
	}

	rest := s.buf[start:]
	if len(rest) > MaxBuffered {
		// keep the newest partial message only
		if i := bytes.LastIndexByte(rest, '<'); i >= 0 && len(rest)-i <= MaxBuffered {
			rest = rest[i:]
		} else {
			rest = nil
		}
	}
	s.buf = append(s.buf[:0], rest...)
	return msgs
}

// Buffered returns the number of bytes awaiting completion.
func (s *Splitter) Buffered() int { return len(s.buf) }

// Reset discards buffered bytes.
func (s *Splitter) Reset() { s.buf = s.buf[:0] }

// Wrap formats a message for the wire.
func Wrap(msg string) []byte {
	return []byte("< " + msg + " >")
}
