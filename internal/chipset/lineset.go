package chipset

import "sync"

// LineSet holds the level of up to 256 interrupt lines. Level changes are
// forwarded to a sink, normally the IOAPIC. An EOI from the guest is passed
// to the EOI target first so level-triggered pins still asserted are
// delivered again, then to the callbacks registered for that vector.
type LineSet struct {
	sink InterruptSink

	mu        sync.Mutex
	levels    [4]uint64
	target    EOITarget
	listeners map[uint8][]func()
}

// EOITarget receives the vector of every EOI broadcast.
type EOITarget interface {
	HandleEOI(vector uint32)
}

type discardSink struct{}

func (discardSink) SetIRQ(uint8, bool) {}

// NewLineSet returns a LineSet with every line low. A nil sink drops
// assertions.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = discardSink{}
	}
	return &LineSet{sink: sink, listeners: make(map[uint8][]func())}
}

func (l *LineSet) AttachEOITarget(t EOITarget) {
	l.mu.Lock()
	l.target = t
	l.mu.Unlock()
}

// AllocateLine returns a handle driving irq. Handles for the same line share
// its level.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt { return line{l, irq} }

// RegisterEOICallback runs fn after each EOI of vector. A nil fn is ignored.
func (l *LineSet) RegisterEOICallback(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners[vector] = append(l.listeners[vector], fn)
	l.mu.Unlock()
}

func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[irq/64]&(1<<(irq%64)) != 0
}

func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	target := l.target
	fns := append([]func(){}, l.listeners[vector]...)
	l.mu.Unlock()

	if target != nil {
		target.HandleEOI(uint32(vector))
	}
	for _, fn := range fns {
		fn()
	}
}

// drive records level and reports whether it changed. Callers must not hold
// mu when notifying the sink.
func (l *LineSet) drive(irq uint8, high bool) bool {
	word, bit := &l.levels[irq/64], uint64(1)<<(irq%64)
	l.mu.Lock()
	defer l.mu.Unlock()
	was := *word&bit != 0
	if high {
		*word |= bit
	} else {
		*word &^= bit
	}
	return was != high
}

type line struct {
	set *LineSet
	irq uint8
}

func (ln line) SetLevel(high bool) {
	if ln.set.drive(ln.irq, high) {
		ln.set.sink.SetIRQ(ln.irq, high)
	}
}

// PulseInterrupt raises and lowers the pin at the sink without touching the
// recorded level.
func (ln line) PulseInterrupt() {
	ln.set.sink.SetIRQ(ln.irq, true)
	ln.set.sink.SetIRQ(ln.irq, false)
}
