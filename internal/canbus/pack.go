package canbus

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/shaunagostinho/candash/internal/lexicon"
)

// Insert writes the low bitLength bits of raw at startBit, the inverse of Extract.
// Bits outside the signal are left untouched.
func Insert(payload *[PayloadLen]byte, startBit, bitLength int, raw uint64) {
	word := binary.BigEndian.Uint64(payload[:])
	shift := 64 - bitIndex(startBit) - bitLength
	m := mask(bitLength) << shift
	word = (word &^ m) | ((raw << shift) & m)
	binary.BigEndian.PutUint64(payload[:], word)
}

// RawValue converts a physical value to its raw encoding, clamped to the
// signal's bit width.
func RawValue(sig *lexicon.Signal, value float64) uint64 {
	r := math.Round((value - sig.Offset) / sig.Scale())
	if r <= 0 || math.IsNaN(r) {
		return 0
	}
	if top := float64(mask(sig.BitLength)); r >= top {
		return mask(sig.BitLength)
	}
	return uint64(r)
}

// Pack encodes a physical value into the payload.
func Pack(payload *[PayloadLen]byte, sig *lexicon.Signal, value float64) error {
	if err := Supported(sig); err != nil {
		return err
	}
	Insert(payload, sig.StartBit, sig.BitLength, RawValue(sig, value))
	return nil
}

// RandomRaw picks a uniformly random raw value for sig, or a random entry
// of its state table when it has one.
func RandomRaw(rng *rand.Rand, sig *lexicon.Signal) uint64 {
	if len(sig.States) > 0 {
		return sig.States[rng.Intn(len(sig.States))].Value & mask(sig.BitLength)
	}
	return rng.Uint64() & mask(sig.BitLength)
}

// RandomFrame synthesizes a frame for msg. Signals the decoder does not
// support are left zero.
func RandomFrame(rng *rand.Rand, msg *lexicon.Message, ts float64) Frame {
	f := Frame{ID: msg.ID, Timestamp: ts}
	for i := range msg.Signals {
		sig := &msg.Signals[i]
		if Supported(sig) != nil {
			continue
		}
		Insert(&f.Payload, sig.StartBit, sig.BitLength, RandomRaw(rng, sig))
	}
	return f
}
