// Package evbuf implements the Agent's bounded-growth event arena: a
// non-blocking sequence of model.StopEvent that backs one in-flight start.
package evbuf

import (
	"errors"

	"github.com/wyrdmeister/atmd-go/internal/model"
)

// ErrAllocFailed is returned by Push when growth is required but the
// backing arena refuses to reserve more capacity. It is fatal to the
// current start (spec §7 AcquireErr::BufferAlloc).
var ErrAllocFailed = errors.New("evbuf: arena allocation failed")

const defaultCapacity = 256

// Buffer is a growable, reusable sequence of StopEvents. It is single-writer
// (the Agent's measure subtask) and must never block.
type Buffer struct {
	events      []model.StopEvent
	maxCapacity int // 0 = unbounded (real arena would cap this)
	start01Done bool
}

// New allocates a Buffer with an initial reservation.
func New(initialCapacity int) *Buffer {
	if initialCapacity <= 0 {
		initialCapacity = defaultCapacity
	}
	return &Buffer{events: make([]model.StopEvent, 0, initialCapacity)}
}

// Reserve ensures capacity for at least n more events without reallocating
// on the next n pushes.
func (b *Buffer) Reserve(n int) error {
	if cap(b.events)-len(b.events) >= n {
		return nil
	}
	grown := make([]model.StopEvent, len(b.events), (len(b.events)+n)*2)
	copy(grown, b.events)
	b.events = grown
	return nil
}

// Push appends one event, doubling capacity through the arena if exhausted.
// Never blocks; a simulated allocator failure (maxCapacity reached) is
// reported via ErrAllocFailed.
func (b *Buffer) Push(evt model.StopEvent) error {
	if len(b.events) == cap(b.events) {
		newCap := cap(b.events) * 2
		if newCap == 0 {
			newCap = defaultCapacity
		}
		if b.maxCapacity > 0 && newCap > b.maxCapacity {
			return ErrAllocFailed
		}
		grown := make([]model.StopEvent, len(b.events), newCap)
		copy(grown, b.events)
		b.events = grown
	}
	b.events = append(b.events, evt)
	return nil
}

// Clear resets the buffer for reuse on the next start, keeping capacity.
func (b *Buffer) Clear() {
	b.events = b.events[:0]
	b.start01Done = false
}

// Len returns the number of events currently buffered.
func (b *Buffer) Len() int { return len(b.events) }

// At returns the event at index i.
func (b *Buffer) At(i int) model.StopEvent { return b.events[i] }

// Events returns the buffered events as a read-only view; callers must not
// retain it across a Clear.
func (b *Buffer) Events() []model.StopEvent { return b.events }

// ComputeStart01 folds the hardware start01 correction into the buffered
// events. Per spec §4.2 it must be called exactly once per start; a second
// call is a programming bug and is rejected.
func (b *Buffer) ComputeStart01(start01 uint32) error {
	if b.start01Done {
		return errors.New("evbuf: compute_start01 called more than once for this start")
	}
	offset := int32(start01 & 0x1FFFF)
	for i := range b.events {
		if b.events[i].Retrig > 0 {
			b.events[i].StoptimeBins += offset
			b.events[i].Retrig--
		}
	}
	b.start01Done = true
	return nil
}

// ToStartData snapshots the buffer into a model.StartData, attaching window
// timing latched by the caller (the Board Driver).
func (b *Buffer) ToStartData(windowBeginNS, windowDurationNS uint64) model.StartData {
	out := make([]model.StopEvent, len(b.events))
	copy(out, b.events)
	return model.StartData{
		Events:           out,
		WindowBeginNS:    windowBeginNS,
		WindowDurationNS: windowDurationNS,
	}
}
