package canbus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/candash/internal/lexicon"
)

func f64(v float64) *float64 { return &v }

func testLexicon(t *testing.T) *lexicon.Lexicon {
	t.Helper()
	lex, err := lexicon.New([]lexicon.Message{
		{ID: 0x201, Name: "Engine", Signals: []lexicon.Signal{
			{Name: "first", StartBit: 0, BitLength: 8, IsBigEndian: true, Factor: f64(1)},
			{Name: "rpm", StartBit: 8, BitLength: 16, IsBigEndian: true, Factor: f64(0.25)},
			{Name: "temp", StartBit: 24, BitLength: 8, IsBigEndian: true, Factor: f64(1), Offset: -40},
			{Name: "flag", StartBit: 35, BitLength: 3, IsBigEndian: true},
		}},
		{ID: 0x300, Name: "Odd", Signals: []lexicon.Signal{
			{Name: "le", StartBit: 0, BitLength: 8, IsBigEndian: false},
		}},
		{ID: 0x301, Name: "Signed", Signals: []lexicon.Signal{
			{Name: "s", StartBit: 0, BitLength: 8, IsBigEndian: true, Signed: true},
		}},
	})
	require.NoError(t, err)
	return lex
}

func TestDecode_FirstByte(t *testing.T) {
	lex := testLexicon(t)
	set, err := Decode(Frame{ID: 0x201, Payload: [8]byte{0x1A}}, lex)
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, 26.0, set.Data["first"])
	assert.Equal(t, "Engine", set.Name)
}

func TestDecode_ScaledSignals(t *testing.T) {
	lex := testLexicon(t)
	// rpm raw 0x0FA0 = 4000 -> 1000 rpm; temp raw 0x73 = 115 -> 75 C; flag bits 35..37 = 0b101
	payload := [8]byte{0x00, 0x0F, 0xA0, 0x73, 0b0001_0100, 0, 0, 0}
	set, err := Decode(Frame{ID: 0x201, Timestamp: 12.5, Payload: payload}, lex)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, set.Data["rpm"])
	assert.Equal(t, 75.0, set.Data["temp"])
	assert.Equal(t, 5.0, set.Data["flag"])
	assert.Equal(t, 12.5, set.Timestamp)
}

func TestDecode_UnknownIDIsNotAnError(t *testing.T) {
	set, err := Decode(Frame{ID: 0x7FF}, testLexicon(t))
	assert.NoError(t, err)
	assert.Nil(t, set)
}

func TestDecode_UnsupportedLayouts(t *testing.T) {
	lex := testLexicon(t)
	_, err := Decode(Frame{ID: 0x300}, lex)
	assert.ErrorIs(t, err, ErrUnsupportedSignal)
	_, err = Decode(Frame{ID: 0x301}, lex)
	assert.ErrorIs(t, err, ErrUnsupportedSignal)
}

func TestDecode_TraceDoesNotChangeResult(t *testing.T) {
	lex := testLexicon(t)
	var traced []string
	d := Decoder{Lexicon: lex, Trace: func(_ *lexicon.Message, sig *lexicon.Signal, bits string, _ uint64) {
		if sig.Name == "first" {
			traced = append(traced, bits)
		}
	}}
	set, err := d.Decode(Frame{ID: 0x201, Payload: [8]byte{0x1A}})
	require.NoError(t, err)
	assert.Equal(t, 26.0, set.Data["first"])
	assert.Equal(t, []string{"00011010"}, traced)
}

func TestExtractInsert_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		length := 1 + rng.Intn(64)
		start := rng.Intn(64 - length + 1)

		var payload [8]byte
		rng.Read(payload[:])
		before := payload

		raw := Extract(payload, start, length)
		Insert(&payload, start, length, raw)
		require.Equal(t, before, payload, "start=%d len=%d", start, length)

		want := rng.Uint64() & mask(length)
		Insert(&payload, start, length, want)
		require.Equal(t, want, Extract(payload, start, length), "start=%d len=%d", start, length)
	}
}

func TestInsert_LeavesNeighboursUntouched(t *testing.T) {
	payload := [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	Insert(&payload, 4, 8, 0)
	assert.Equal(t, [8]byte{0xF0, 0x0F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, payload)
}

func TestPack_DecodesBack(t *testing.T) {
	lex := testLexicon(t)
	msg, _ := lex.Message(0x201)

	f := Frame{ID: 0x201}
	require.NoError(t, Pack(&f.Payload, &msg.Signals[1], 2500))
	require.NoError(t, Pack(&f.Payload, &msg.Signals[2], -10))
	require.NoError(t, Pack(&f.Payload, &msg.Signals[0], 999)) // clamped to 255

	set, err := Decode(f, lex)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, set.Data["rpm"])
	assert.Equal(t, -10.0, set.Data["temp"])
	assert.Equal(t, 255.0, set.Data["first"])

	odd, _ := lex.Message(0x300)
	assert.ErrorIs(t, Pack(&f.Payload, &odd.Signals[0], 1), ErrUnsupportedSignal)
}

func TestRandomFrame_UsesStateTable(t *testing.T) {
	msg := &lexicon.Message{ID: 5, Name: "S", Signals: []lexicon.Signal{
		{Name: "gearLever", StartBit: 0, BitLength: 4, IsBigEndian: true,
			States: []lexicon.State{{Value: 2, Label: "R"}, {Value: 9, Label: "D"}}},
	}}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		f := RandomFrame(rng, msg, 1)
		v := Extract(f.Payload, 0, 4)
		assert.Contains(t, []uint64{2, 9}, v)
	}
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame("frame 201 1700000000.250000 00 0F A0 73 14 00 00 FF")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x201), f.ID)
	assert.Equal(t, 1700000000.25, f.Timestamp)
	assert.Equal(t, [8]byte{0x00, 0x0F, 0xA0, 0x73, 0x14, 0, 0, 0xFF}, f.Payload)

	again, err := ParseFrame(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, again)
	assert.Equal(t, "frame 201 1700000000.250000 00 0F A0 73 14 00 00 FF", f.String())
}

func TestParseFrame_Malformed(t *testing.T) {
	for _, msg := range []string{
		"frame 1 A 00 1A",
		"ok",
		"echo 201 1.0 00 00 00 00 00 00 00 00",
		"frame zz 1.0 00 00 00 00 00 00 00 00",
		"frame 201 abc 00 00 00 00 00 00 00 00",
		"frame 201 1.0 00 00 00 00 00 00 00 GG",
	} {
		_, err := ParseFrame(msg)
		assert.ErrorIs(t, err, ErrMalformedFrame, msg)
	}
}

func TestBundledLexicon(t *testing.T) {
	lex, err := lexicon.Load("../../can/ford_ka.json")
	require.NoError(t, err)
	require.NotEmpty(t, lex.Messages())

	rng := rand.New(rand.NewSource(3))
	for _, m := range lex.Messages() {
		for i := range m.Signals {
			assert.NoError(t, Supported(&m.Signals[i]), "%s.%s", m.Name, m.Signals[i].Name)
		}
		f := RandomFrame(rng, m, 1)
		set, err := Decode(f, lex)
		require.NoError(t, err)
		assert.Len(t, set.Data, len(m.Signals))
	}
}
