package board

import (
	"context"
	"sync"

	"github.com/wyrdmeister/atmd-go/internal/evbuf"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/retrig"
)

// Word field layout of one FIFO event, per spec §4.3 step 4. Bits 0-16 are
// the stoptime (masked with 0x1FFFF before subtracting start_offset), bit 17
// is the slope, bits 18-25 carry the 8-bit start-counter sample consumed by
// the retrigger reconstructor (C1), and bits 26-27 select the in-FIFO
// channel offset added to the FIFO's base channel (1 for FIFO0, 5 for
// FIFO1).
const (
	wordStoptimeMask = 0x1FFFF
	wordSlopeBit     = 17
	wordSCShift      = 18
	wordSCMask       = 0xFF
	wordChanShift    = 26
	wordChanMask     = 0x3
)

const (
	fifoRisingMask  = 0x0F
	fifoFallingMask = 0xF0
)

// GenericDriver implements Driver purely in terms of Hardware, so the
// acquire_start state machine is written once and shared by board/pci and
// board/sim.
type GenericDriver struct {
	hw Hardware

	mu     sync.Mutex
	status Status

	startOffset uint32
	risingMask  uint8
	fallingMask uint8
}

// NewDriver wraps a Hardware implementation.
func NewDriver(hw Hardware) *GenericDriver {
	return &GenericDriver{hw: hw, status: StatusIdle}
}

func (d *GenericDriver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *GenericDriver) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *GenericDriver) Close() error { return nil }

func (d *GenericDriver) MasterReset() error {
	return d.hw.MasterReset()
}

// Configure programs registers 0-12 and waits for PLL lock (spec §4.3).
func (d *GenericDriver) Configure(def model.MeasureDef) error {
	d.setStatus(StatusConfig)
	d.startOffset = def.StartOffset
	d.risingMask = def.RisingMask
	d.fallingMask = def.FallingMask

	regs := buildRegisters(def)
	if err := d.hw.ConfigureRegisters(regs); err != nil {
		d.setStatus(StatusErr)
		return err
	}
	locked, err := d.hw.PllLocked()
	if err != nil {
		d.setStatus(StatusErr)
		return err
	}
	if !locked {
		d.setStatus(StatusErr)
		return ErrPllUnlocked
	}
	d.setStatus(StatusIdle)
	return nil
}

// buildRegisters packs the 13 converter registers from a MeasureDef. The
// exact bit layout beyond what spec.md specifies (start_offset in reg-adjacent
// fields, refclkdiv/hsdiv as PLL dividers) is an implementation detail of the
// real PCI board; here it is kept in one place so board/pci and board/sim
// agree on register semantics.
func buildRegisters(def model.MeasureDef) [13]uint32 {
	var regs [13]uint32
	regs[0] = uint32(def.RisingMask) | uint32(def.FallingMask)<<8
	regs[1] = uint32(def.StartRising) | uint32(def.StartFalling)<<8
	regs[2] = uint32(def.RefClkDiv)
	regs[3] = uint32(def.HSDiv)
	regs[4] = uint32(def.DeadtimeNS)
	regs[10] = def.StartOffset
	return regs
}

// AcquireStart runs the full spec §4.3 algorithm: wait for the start pulse
// (bounded by timeoutNS), then collect FIFO words into buf until both FIFOs
// have drained past window close, folding in the hardware's start01
// correction at the end. It returns the hardware-latched windowBeginNS
// (instant the start pulse was detected) and windowEndNS (instant the
// window actually closed), per spec §3 ("its window_begin is latched at
// that instant and window_duration on window close").
func (d *GenericDriver) AcquireStart(ctx context.Context, windowNS, timeoutNS uint64, buf *evbuf.Buffer) (windowBeginNS, windowEndNS uint64, err error) {
	if err := d.hw.MasterReset(); err != nil {
		return 0, 0, err
	}
	if err := d.hw.EnableInputs(); err != nil {
		return 0, 0, err
	}

	waitStart := d.hw.NowNS()
	for {
		select {
		case <-ctx.Done():
			_ = d.hw.DisableInputs()
			return 0, 0, ctx.Err()
		default:
		}
		pending, err := d.hw.StartPulsePending()
		if err != nil {
			_ = d.hw.DisableInputs()
			return 0, 0, err
		}
		if pending {
			break
		}
		if d.hw.NowNS()-waitStart > timeoutNS {
			_ = d.hw.DisableInputs()
			return 0, 0, ErrNoStart
		}
	}
	windowBegin := d.hw.NowNS()

	var fifo0State, fifo1State retrig.State = retrig.NewState(), retrig.NewState()
	fifo0Enabled := d.risingMask&fifoRisingMask != 0 || d.fallingMask&fifoRisingMask != 0
	fifo1Enabled := d.risingMask&fifoFallingMask != 0 || d.fallingMask&fifoFallingMask != 0

	finishWindow := false
	prevIntflag := false
	stopFifo0, stopFifo1 := false, false
	fifo0Disabled, fifo1Disabled := !fifo0Enabled, !fifo1Enabled

	for {
		select {
		case <-ctx.Done():
			_ = d.hw.DisableInputs()
			return 0, 0, ctx.Err()
		default:
		}

		intflag, stopped, err := d.hw.StatusEdges()
		if err != nil {
			return 0, 0, err
		}
		fifo0State.ObserveIntflagEdge(intflag, prevIntflag)
		fifo1State.ObserveIntflagEdge(intflag, prevIntflag)
		prevIntflag = intflag

		if stopped {
			finishWindow = true
		}
		if finishWindow {
			if err := d.hw.DisableInputs(); err != nil {
				return 0, 0, err
			}
		}

		if fifo0Enabled && !fifo0Disabled {
			empty, err := d.hw.FifoEmpty(0)
			if err != nil {
				return 0, 0, err
			}
			if !empty {
				if err := drainOneWord(d.hw, 0, d.startOffset, &fifo0State, buf); err != nil {
					if err == evbuf.ErrAllocFailed {
						return 0, 0, ErrBufferAlloc
					}
					return 0, 0, err
				}
			} else {
				fifo0State.ObserveFifoEmpty()
				if finishWindow {
					stopFifo0 = true
				}
			}
		}
		if fifo1Enabled && !fifo1Disabled {
			empty, err := d.hw.FifoEmpty(1)
			if err != nil {
				return 0, 0, err
			}
			if !empty {
				if err := drainOneWord(d.hw, 1, d.startOffset, &fifo1State, buf); err != nil {
					if err == evbuf.ErrAllocFailed {
						return 0, 0, ErrBufferAlloc
					}
					return 0, 0, err
				}
			} else {
				fifo1State.ObserveFifoEmpty()
				if finishWindow {
					stopFifo1 = true
				}
			}
		}

		if (fifo0Disabled || stopFifo0) && (fifo1Disabled || stopFifo1) {
			break
		}

		windowNow := d.hw.NowNS()
		if windowNow-windowBegin > windowNS {
			finishWindow = true
			if err := d.hw.DisableInputs(); err != nil {
				return 0, 0, err
			}
		}
	}

	windowEnd := d.hw.NowNS()
	start01, err := d.hw.ReadStart01()
	if err != nil {
		return 0, 0, err
	}
	if err := buf.ComputeStart01(start01 & 0x1FFFF); err != nil {
		return 0, 0, err
	}
	return windowBegin, windowEnd, nil
}

func drainOneWord(hw Hardware, fifo int, startOffset uint32, st *retrig.State, buf *evbuf.Buffer) error {
	word, err := hw.FifoPop(fifo)
	if err != nil {
		return err
	}
	stoptime := int32(word&wordStoptimeMask) - int32(startOffset)
	slope := (word>>wordSlopeBit)&1 != 0
	sc := uint8((word >> wordSCShift) & wordSCMask)
	chanOffset := int8((word >> wordChanShift) & wordChanMask)
	base := int8(1)
	if fifo == 1 {
		base = 5
	}
	channel := base + chanOffset
	if slope {
		channel = -channel
	}
	retrigIdx := st.Reconstruct(sc)
	return buf.Push(model.StopEvent{Channel: channel, StoptimeBins: stoptime, Retrig: retrigIdx})
}
