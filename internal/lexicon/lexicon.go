// Package lexicon loads the decoding schema that maps bus message IDs to
// named, scaled signal layouts.
//
// The schema document has a top-level "messages" list. It may be written as
// JSON or YAML; JSON documents are parsed by the YAML decoder unchanged.
package lexicon

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for a schema that cannot be decoded safely.
var ErrInvalid = errors.New("lexicon: invalid schema")

// PayloadBits is the width of a frame payload.
const PayloadBits = 64

// State is one entry of a discrete signal's state table.
type State struct {
	Value uint64 `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// Signal describes one physical quantity packed into a payload.
// StartBit 0 is the most significant bit of byte 0.
type Signal struct {
	Name        string   `yaml:"name" json:"name"`
	StartBit    int      `yaml:"start_bit" json:"start_bit"`
	BitLength   int      `yaml:"bit_length" json:"bit_length"`
	IsBigEndian bool     `yaml:"is_big_endian" json:"is_big_endian"`
	Signed      bool     `yaml:"signed" json:"signed"`
	Factor      *float64 `yaml:"factor" json:"factor"`
	Offset      float64  `yaml:"offset" json:"offset"`
	States      []State  `yaml:"states" json:"states,omitempty"`
}

// Scale returns the factor, defaulting to 1 when the schema omits it.
func (s *Signal) Scale() float64 {
	if s.Factor == nil {
		return 1
	}
	return *s.Factor
}

// Label returns the state label for raw, if the signal has one.
func (s *Signal) Label(raw uint64) (string, bool) {
	for _, st := range s.States {
		if st.Value == raw {
			return st.Label, true
		}
	}
	return "", false
}

// Message is the layout of one message ID.
type Message struct {
	ID      uint32   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Signals []Signal `yaml:"signals" json:"signals"`
}

// Signal looks up a signal by name.
func (m *Message) Signal(name string) (*Signal, bool) {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i], true
		}
	}
	return nil, false
}

type document struct {
	Messages []Message `yaml:"messages"`
}

// Lexicon is immutable after construction and safe for concurrent reads.
type Lexicon struct {
	byID map[uint32]*Message
	ids  []uint32
}

// Load reads and parses a schema file.
func Load(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: read %s: %w", path, err)
	}
	lex, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lex, nil
}

// Parse decodes a schema document. Bit ranges are checked against the
// payload width; overlap between signals is not checked.
func Parse(data []byte) (*Lexicon, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return New(doc.Messages)
}

// New builds a lexicon from message descriptors.
func New(messages []Message) (*Lexicon, error) {
	lex := &Lexicon{byID: make(map[uint32]*Message, len(messages))}
	for i := range messages {
		m := messages[i]
		if _, dup := lex.byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate message id 0x%X", ErrInvalid, m.ID)
		}
		for _, s := range m.Signals {
			if s.BitLength < 1 || s.BitLength > PayloadBits {
				return nil, fmt.Errorf("%w: %s.%s: bit_length %d", ErrInvalid, m.Name, s.Name, s.BitLength)
			}
			if s.StartBit < 0 || s.StartBit+s.BitLength > PayloadBits {
				return nil, fmt.Errorf("%w: %s.%s: bits %d..%d outside payload", ErrInvalid, m.Name, s.Name, s.StartBit, s.StartBit+s.BitLength-1)
			}
			if s.Scale() == 0 {
				return nil, fmt.Errorf("%w: %s.%s: zero factor", ErrInvalid, m.Name, s.Name)
			}
		}
		lex.byID[m.ID] = &m
		lex.ids = append(lex.ids, m.ID)
	}
	sort.Slice(lex.ids, func(i, j int) bool { return lex.ids[i] < lex.ids[j] })
	return lex, nil
}

// Message returns the descriptor for id.
func (l *Lexicon) Message(id uint32) (*Message, bool) {
	m, ok := l.byID[id]
	return m, ok
}

// IDs returns all message IDs in ascending order.
func (l *Lexicon) IDs() []uint32 {
	return append([]uint32(nil), l.ids...)
}

// Messages returns all descriptors in ID order.
func (l *Lexicon) Messages() []*Message {
	out := make([]*Message, 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.byID[id])
	}
	return out
}

// Filter selects messages for subscription.
type Filter struct {
	Messages []string // message names
	Signals  []string // signal names
}

// FrameIDs returns the IDs selected by f. Message names take precedence
// over signal names; an empty filter selects every message.
func (l *Lexicon) FrameIDs(f Filter) []uint32 {
	var out []uint32
	switch {
	case len(f.Messages) > 0:
		want := toSet(f.Messages)
		for _, id := range l.ids {
			if _, ok := want[l.byID[id].Name]; ok {
				out = append(out, id)
			}
		}
	case len(f.Signals) > 0:
		want := toSet(f.Signals)
		for _, id := range l.ids {
			for _, s := range l.byID[id].Signals {
				if _, ok := want[s.Name]; ok {
					out = append(out, id)
					break
				}
			}
		}
	default:
		out = l.IDs()
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
