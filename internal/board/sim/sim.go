// Package sim provides a deterministic fake board.Hardware, used by unit
// tests. It plays back a scripted
// sequence of FIFO words and status edges instead of touching real
// registers, the same role the teacher's test fakes play for
// internal/socketcan.Dev.
package sim

import (
	"sync"

	"github.com/wyrdmeister/atmd-go/internal/board"
)

// FifoWord describes a tick-stamped FIFO word. Hardware does not consume
// it: EnqueueWord queues words without a tick, and FifoPop returns them in
// order regardless of the simulated clock.
type FifoWord struct {
	Tick uint64
	Fifo int // 0 or 1
	Word uint32
}

// StatusEdge schedules an INTFLAG/stop observation at a given tick.
type StatusEdge struct {
	Tick     uint64
	Intflag  bool
	Stopped  bool
}

// Hardware is a scripted board.Hardware fake.
type Hardware struct {
	mu sync.Mutex

	now uint64

	pllLocked    bool
	startPending map[uint64]bool

	words  []FifoWord
	edges  []StatusEdge
	wordAt map[uint64][]FifoWord // tick -> pending words not yet popped, per fifo consumed in order

	fifoQueues [2][]uint32
	start01    uint32

	masterResetCount int
	configuredRegs   [13]uint32
}

// New creates a Hardware fake with the PLL locked and no start scheduled;
// ScheduleStart sets the tick at which StartPulsePending returns true.
func New() *Hardware {
	return &Hardware{pllLocked: true, startPending: map[uint64]bool{}}
}

// SetPllLocked controls PllLocked()'s return value.
func (h *Hardware) SetPllLocked(locked bool) { h.pllLocked = locked }

// ScheduleStart marks the tick at which the start pulse becomes pending.
func (h *Hardware) ScheduleStart(tick uint64) { h.startPending[tick] = true }

// SetStart01 sets the value ReadStart01 will return.
func (h *Hardware) SetStart01(v uint32) { h.start01 = v }

// EnqueueWord appends a word to the given FIFO's queue, consumed in order by
// FifoPop.
func (h *Hardware) EnqueueWord(fifo int, word uint32) {
	h.fifoQueues[fifo] = append(h.fifoQueues[fifo], word)
}

// ScheduleEdge schedules an INTFLAG/stop observation at the given tick.
func (h *Hardware) ScheduleEdge(tick uint64, intflag, stopped bool) {
	h.edges = append(h.edges, StatusEdge{Tick: tick, Intflag: intflag, Stopped: stopped})
}

func (h *Hardware) MasterReset() error {
	h.masterResetCount++
	return nil
}

func (h *Hardware) ConfigureRegisters(regs [13]uint32) error {
	h.configuredRegs = regs
	return nil
}

func (h *Hardware) PllLocked() (bool, error) { return h.pllLocked, nil }

func (h *Hardware) EnableInputs() error  { return nil }
func (h *Hardware) DisableInputs() error { return nil }

func (h *Hardware) StartPulsePending() (bool, error) {
	pending := h.startPending[h.now]
	h.now++
	return pending, nil
}

func (h *Hardware) StatusEdges() (intflag bool, stopped bool, err error) {
	for _, e := range h.edges {
		if e.Tick == h.now {
			intflag, stopped = e.Intflag, e.Stopped
		}
	}
	h.now++
	return intflag, stopped, nil
}

func (h *Hardware) FifoEnabled(fifo int) bool { return true }

func (h *Hardware) FifoEmpty(fifo int) (bool, error) {
	return len(h.fifoQueues[fifo]) == 0, nil
}

func (h *Hardware) FifoPop(fifo int) (uint32, error) {
	q := h.fifoQueues[fifo]
	if len(q) == 0 {
		return 0, nil
	}
	w := q[0]
	h.fifoQueues[fifo] = q[1:]
	return w, nil
}

func (h *Hardware) ReadStart01() (uint32, error) { return h.start01, nil }

func (h *Hardware) NowNS() uint64 { return h.now }

var _ board.Hardware = (*Hardware)(nil)
