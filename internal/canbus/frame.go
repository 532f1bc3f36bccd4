package canbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PayloadLen is the fixed payload size of a frame.
const PayloadLen = 8

// FrameToken is the leading word of a frame message.
const FrameToken = "frame"

// ErrMalformedFrame is returned by ParseFrame for text that is not a frame message.
var ErrMalformedFrame = errors.New("canbus: malformed frame")

// Frame is one raw bus message.
type Frame struct {
	ID        uint32
	Timestamp float64 // seconds
	Payload   [PayloadLen]byte
}

// IsFrameMessage reports whether a protocol message carries a frame.
func IsFrameMessage(msg string) bool {
	return strings.HasPrefix(msg, FrameToken)
}

// ParseFrame parses "frame <id-hex> <timestamp> <b0> ... <b7>".
// Extra trailing tokens are ignored.
func ParseFrame(msg string) (Frame, error) {
	var f Frame
	words := strings.Fields(msg)
	if len(words) < 3+PayloadLen || words[0] != FrameToken {
		return f, fmt.Errorf("%w: %q", ErrMalformedFrame, msg)
	}

	id, err := strconv.ParseUint(words[1], 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: id %q", ErrMalformedFrame, words[1])
	}
	ts, err := strconv.ParseFloat(words[2], 64)
	if err != nil {
		return f, fmt.Errorf("%w: timestamp %q", ErrMalformedFrame, words[2])
	}
	for i := 0; i < PayloadLen; i++ {
		b, err := strconv.ParseUint(words[3+i], 16, 8)
		if err != nil {
			return f, fmt.Errorf("%w: byte %d %q", ErrMalformedFrame, i, words[3+i])
		}
		f.Payload[i] = byte(b)
	}
	f.ID = uint32(id)
	f.Timestamp = ts
	return f, nil
}

// String formats the frame in the same shape ParseFrame accepts.
func (f Frame) String() string {
	var sb strings.Builder
	sb.Grow(48)
	sb.WriteString(FrameToken)
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatUint(uint64(f.ID), 16))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatFloat(f.Timestamp, 'f', 6, 64))
	for _, b := range f.Payload {
		fmt.Fprintf(&sb, " %02X", b)
	}
	return sb.String()
}
