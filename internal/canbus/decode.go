package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shaunagostinho/candash/internal/lexicon"
)

// ErrUnsupportedSignal is returned for little-endian or signed layouts.
var ErrUnsupportedSignal = errors.New("canbus: unsupported signal layout")

// SignalSet is the decoded form of one frame.
type SignalSet struct {
	ID        uint32             `json:"id"`
	Name      string             `json:"name"`
	Timestamp float64            `json:"time"`
	Data      map[string]float64 `json:"data"`
}

// TraceFunc receives the raw bits of each decoded signal.
type TraceFunc func(msg *lexicon.Message, sig *lexicon.Signal, bits string, raw uint64)

// Decoder decodes frames against a lexicon.
type Decoder struct {
	Lexicon *lexicon.Lexicon
	Trace   TraceFunc // optional
}

// Decode returns nil, nil for IDs the lexicon does not describe.
func (d *Decoder) Decode(f Frame) (*SignalSet, error) {
	msg, ok := d.Lexicon.Message(f.ID)
	if !ok {
		return nil, nil
	}

	set := &SignalSet{
		ID:        f.ID,
		Name:      msg.Name,
		Timestamp: f.Timestamp,
		Data:      make(map[string]float64, len(msg.Signals)),
	}
	for i := range msg.Signals {
		sig := &msg.Signals[i]
		if err := Supported(sig); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", msg.Name, sig.Name, err)
		}
		raw := Extract(f.Payload, sig.StartBit, sig.BitLength)
		if d.Trace != nil {
			d.Trace(msg, sig, fmt.Sprintf("%0*b", sig.BitLength, raw), raw)
		}
		set.Data[sig.Name] = float64(raw)*sig.Scale() + sig.Offset
	}
	return set, nil
}

// Decode is a convenience for a one-off decode without tracing.
func Decode(f Frame, lex *lexicon.Lexicon) (*SignalSet, error) {
	d := Decoder{Lexicon: lex}
	return d.Decode(f)
}

// Supported rejects layouts the decoder cannot handle.
func Supported(sig *lexicon.Signal) error {
	if !sig.IsBigEndian {
		return fmt.Errorf("%w: little-endian", ErrUnsupportedSignal)
	}
	if sig.Signed {
		return fmt.Errorf("%w: signed", ErrUnsupportedSignal)
	}
	return nil
}

// bitIndex maps a big-endian start bit onto the payload read as one
// 64-bit MSB-first string.
func bitIndex(startBit int) int {
	byteIndex := startBit / 8
	bitInByte := 7 - startBit%8
	return 8*byteIndex + (7 - bitInByte)
}

func mask(bitLength int) uint64 {
	if bitLength >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLength) - 1
}

// Extract reads bitLength bits starting at startBit as an unsigned integer.
// The range must lie within the payload.
func Extract(payload [PayloadLen]byte, startBit, bitLength int) uint64 {
	word := binary.BigEndian.Uint64(payload[:])
	shift := 64 - bitIndex(startBit) - bitLength
	return (word >> shift) & mask(bitLength)
}
