package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/candash/internal/canbus"
	"github.com/shaunagostinho/candash/internal/lexicon"
)

// Generator synthesizes random frames for every message of a lexicon.
type Generator struct {
	lex *lexicon.Lexicon
	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator seeds its random source with seed.
func NewGenerator(lex *lexicon.Lexicon, seed int64) *Generator {
	return &Generator{
		lex: lex,
		now: time.Now,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Frames returns one frame per lexicon message, in ID order, stamped with
// the current time.
func (g *Generator) Frames() []canbus.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := float64(g.now().UnixMicro()) / 1e6
	msgs := g.lex.Messages()
	out := make([]canbus.Frame, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, canbus.RandomFrame(g.rng, m, ts))
	}
	return out
}
