// Package retrig reconstructs a monotone 32-bit retrigger index from the
// converter's 8-bit start counter field and the INTFLAG overflow edge.
package retrig

// State holds the per-FIFO reconstruction state. The zero value is not the
// initial state (its prevSC is 0); NewState returns one with no previous
// sample and no pending overflow.
type State struct {
	overflowPending bool
	prevSC          int16 // -1 when no previous sample observed
	mainCounter     uint32
}

// NewState returns a State ready for the first sample of a start.
func NewState() State {
	return State{prevSC: -1}
}

// ObserveIntflagEdge must be called once per loop iteration, before reading a
// FIFO word, with the current and previous INTFLAG bit. A falling edge
// (true -> false) arms the overflow-pending flag.
func (s *State) ObserveIntflagEdge(intflag, prevIntflag bool) {
	if prevIntflag && !intflag {
		s.overflowPending = true
	}
}

// Reconstruct folds one 8-bit start-counter sample into the running 32-bit
// index and returns the value to attach to the event decoded alongside it.
func (s *State) Reconstruct(sc uint8) uint32 {
	if s.overflowPending {
		switch {
		case s.prevSC == -1:
			if sc < 128 {
				s.mainCounter++
				s.overflowPending = false
			}
		case s.prevSC > int16(sc):
			s.mainCounter++
			s.overflowPending = false
		}
		// else: still pending, word belongs to the pre-overflow window.
	}
	s.prevSC = int16(sc)
	return uint32(sc) + 256*s.mainCounter
}

// ObserveFifoEmpty must be called when a FIFO is found empty. If an overflow
// is still pending it is committed unconditionally — the pre-overflow window
// has ended with no further words to disambiguate against.
func (s *State) ObserveFifoEmpty() {
	if s.overflowPending {
		s.mainCounter++
		s.overflowPending = false
	}
}
