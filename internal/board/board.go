// Package board defines the Board Driver contract (spec §4.3, component C3):
// program converter registers, poll FIFOs, enforce window/timeout, and
// reconstruct StopEvents into an evbuf.Buffer. Two implementations exist:
// board/pci (real mmap'd PCI register access, linux-only) and board/sim (a
// deterministic fake used by tests).
package board

import (
	"context"
	"errors"

	"github.com/wyrdmeister/atmd-go/internal/evbuf"
	"github.com/wyrdmeister/atmd-go/internal/model"
)

// HardwareFault kinds (spec §7).
var (
	ErrPllUnlocked   = errors.New("board: PLL failed to lock")
	ErrPciNotFound   = errors.New("board: PCI device not found")
	ErrIoPrivDenied  = errors.New("board: I/O privilege denied")
)

// AcquireErr kinds (spec §7).
var (
	ErrNoStart         = errors.New("board: no start pulse within timeout")
	ErrBufferAlloc     = errors.New("board: event buffer allocation failed")
	ErrWindowOverflow  = errors.New("board: acquisition window overflow")
)

// Status mirrors the original's IDLE/CONFIG/RUNNING/ERR board status, carried
// ambiently per SPEC_FULL.md (client STATUS command, virtual board
// aggregation) though it is not itself part of the core register protocol.
type Status int

const (
	StatusIdle Status = iota
	StatusConfig
	StatusRunning
	StatusErr
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusConfig:
		return "CONFIG"
	case StatusRunning:
		return "RUNNING"
	case StatusErr:
		return "ERR"
	default:
		return "UNKN"
	}
}

// Driver is the contract a converter board implementation must satisfy.
type Driver interface {
	// Configure programs registers 0-12 from a MeasureDef and waits for PLL
	// lock; returns ErrPllUnlocked if lock is not observed in time.
	Configure(def model.MeasureDef) error
	// MasterReset issues a soft chip reset that preserves the start timer.
	MasterReset() error
	// AcquireStart blocks for one start pulse (bounded by timeoutNS), then
	// collects stop events into buf until the window closes. ctx cancellation
	// aborts the current acquisition at the next poll boundary. It returns the
	// hardware-latched windowBeginNS/windowEndNS of the acquired window.
	AcquireStart(ctx context.Context, windowNS, timeoutNS uint64, buf *evbuf.Buffer) (windowBeginNS, windowEndNS uint64, err error)
	// Status reports the last known board status.
	Status() Status
	// Close releases any hardware resources.
	Close() error
}
