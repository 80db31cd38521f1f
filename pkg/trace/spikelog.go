package trace

// SpikeLog keeps the last K spike ticks of one neuron.
// A zero-capacity log records nothing.
type SpikeLog struct {
	ticks []int64
	next  int
	full  bool
	total uint64
}

// NewSpikeLog returns a log holding up to capacity ticks.
func NewSpikeLog(capacity int) *SpikeLog {
	if capacity < 0 {
		capacity = 0
	}
	return &SpikeLog{ticks: make([]int64, capacity)}
}

// Record notes a spike at tick.
func (l *SpikeLog) Record(tick int64) {
	l.total++
	if len(l.ticks) == 0 {
		return
	}
	l.ticks[l.next] = tick
	l.next++
	if l.next == len(l.ticks) {
		l.next = 0
		l.full = true
	}
}

// Ticks returns the retained spike ticks, oldest first.
func (l *SpikeLog) Ticks() []int64 {
	if !l.full {
		return append([]int64(nil), l.ticks[:l.next]...)
	}
	out := make([]int64, 0, len(l.ticks))
	out = append(out, l.ticks[l.next:]...)
	return append(out, l.ticks[:l.next]...)
}

// Total counts every spike ever recorded, including evicted ones.
func (l *SpikeLog) Total() uint64 { return l.total }

// Last returns the most recent spike tick.
func (l *SpikeLog) Last() (int64, bool) {
	if l.next == 0 && !l.full {
		return 0, false
	}
	i := l.next - 1
	if i < 0 {
		i = len(l.ticks) - 1
	}
	return l.ticks[i], true
}

// Reset forgets every spike.
func (l *SpikeLog) Reset() {
	l.next = 0
	l.full = false
	l.total = 0
}
