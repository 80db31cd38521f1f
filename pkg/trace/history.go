// Package trace records what a session did: per-neuron voltage histories,
// spike times, and the frames a display consumes.
package trace

// History is a fixed-capacity ring of voltage samples.
// It starts full of a fill value so a plot has a constant width from tick 0.
type History struct {
	buf  []float64
	head int // index of the oldest sample
}

// NewHistory returns a history of capacity samples, all equal to fill.
// capacity < 1 is treated as 1.
func NewHistory(capacity int, fill float64) *History {
	if capacity < 1 {
		capacity = 1
	}
	h := &History{buf: make([]float64, capacity)}
	h.Reset(fill)
	return h
}

// Push appends v, evicting the oldest sample.
func (h *History) Push(v float64) {
	h.buf[h.head] = v
	h.head = (h.head + 1) % len(h.buf)
}

// Values returns a copy of the samples, oldest first.
func (h *History) Values() []float64 {
	out := make([]float64, len(h.buf))
	n := copy(out, h.buf[h.head:])
	copy(out[n:], h.buf[:h.head])
	return out
}

// Latest returns the most recently pushed sample.
func (h *History) Latest() float64 {
	i := h.head - 1
	if i < 0 {
		i = len(h.buf) - 1
	}
	return h.buf[i]
}

// Len is always Cap; the buffer is pre-filled.
func (h *History) Len() int { return len(h.buf) }

// Cap returns the capacity.
func (h *History) Cap() int { return len(h.buf) }

// Reset overwrites every sample with fill.
func (h *History) Reset(fill float64) {
	for i := range h.buf {
		h.buf[i] = fill
	}
	h.head = 0
}
