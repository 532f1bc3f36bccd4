package calc

// history is a fixed-capacity ring of snapshots. Appending to a full ring
// drops the oldest entry.
type history struct {
	items []Values
	head  int // next write position
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{items: make([]Values, capacity)}
}

func (h *history) push(v Values) {
	h.items[h.head] = v
	h.head = (h.head + 1) % len(h.items)
	if h.size < len(h.items) {
		h.size++
	}
}

func (h *history) len() int { return h.size }

// all returns copies of the retained snapshots, oldest first.
func (h *history) all() []Values {
	out := make([]Values, 0, h.size)
	start := (h.head - h.size + len(h.items)) % len(h.items)
	for i := 0; i < h.size; i++ {
		out = append(out, h.items[(start+i)%len(h.items)].Clone())
	}
	return out
}
