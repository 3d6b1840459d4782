//go:build linux

// Package pci implements board.Hardware over a memory-mapped PCI register
// file, the real converter front-end. It is the Board Driver's hardware
// edge; everything above board.Hardware (the acquire_start state machine) is
// shared with board/sim via board.GenericDriver.
package pci

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wyrdmeister/atmd-go/internal/board"
)

const (
	regCount      = 13
	regStride     = 4
	statusRegOff  = 0x40 // motherboard status register offset
	directRegOff  = 0x44 // direct-read-address target (register 12 when pointed there)
	start01RegOff = 0x48
	fifo0DataOff  = 0x50
	fifo1DataOff  = 0x54
	fifoFlagsOff  = 0x58

	bitIntflag    = 1 << 5
	bitStartPulse = 1 << 12
	bitPllUnlock  = 1 << 10
	bitStop       = 1 << 6

	mmapSize = 0x1000
)

// Device is a memory-mapped PCI register file for one converter board.
type Device struct {
	mu   sync.Mutex
	mem  []byte
	f    *os.File
}

// Open mmaps the converter's BAR region, exposed by a UIO-style device node
// (e.g. /dev/uioN), matching the teacher's raw-syscall device open idiom in
// internal/socketcan/device.go.
func Open(devicePath string) (*Device, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w: %v", devicePath, board.ErrPciNotFound, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pci: mmap %s: %w: %v", devicePath, board.ErrIoPrivDenied, err)
	}
	return &Device{mem: mem, f: f}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = unix.Munmap(d.mem)
	return d.f.Close()
}

func (d *Device) readReg(off int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(d.mem[off]) | uint32(d.mem[off+1])<<8 | uint32(d.mem[off+2])<<16 | uint32(d.mem[off+3])<<24
}

func (d *Device) writeReg(off int, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mem[off] = byte(val)
	d.mem[off+1] = byte(val >> 8)
	d.mem[off+2] = byte(val >> 16)
	d.mem[off+3] = byte(val >> 24)
}

func (d *Device) MasterReset() error {
	d.writeReg(0x00, 0x00000001)
	return nil
}

func (d *Device) ConfigureRegisters(regs [13]uint32) error {
	for i, v := range regs {
		d.writeReg(i*regStride, v)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if d.readReg(statusRegOff)&bitPllUnlock == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil // lock state reported via PllLocked; Configure decides the verdict
}

func (d *Device) PllLocked() (bool, error) {
	return d.readReg(statusRegOff)&bitPllUnlock == 0, nil
}

func (d *Device) EnableInputs() error {
	d.writeReg(0x00, d.readReg(0x00)|0x0001)
	return nil
}

func (d *Device) DisableInputs() error {
	d.writeReg(0x00, 0x0008)
	return nil
}

func (d *Device) StartPulsePending() (bool, error) {
	return d.readReg(directRegOff)&bitStartPulse != 0, nil
}

func (d *Device) StatusEdges() (intflag bool, stopped bool, err error) {
	st := d.readReg(statusRegOff)
	return st&bitIntflag != 0, st&bitStop != 0, nil
}

func (d *Device) FifoEnabled(fifo int) bool {
	return true // masks are applied by board.GenericDriver from the MeasureDef
}

func (d *Device) FifoEmpty(fifo int) (bool, error) {
	flags := d.readReg(fifoFlagsOff)
	if fifo == 0 {
		return flags&0x1 != 0, nil
	}
	return flags&0x2 != 0, nil
}

func (d *Device) FifoPop(fifo int) (uint32, error) {
	if fifo == 0 {
		return d.readReg(fifo0DataOff), nil
	}
	return d.readReg(fifo1DataOff), nil
}

func (d *Device) ReadStart01() (uint32, error) {
	return d.readReg(start01RegOff), nil
}

func (d *Device) NowNS() uint64 {
	return uint64(time.Now().UnixNano())
}

// NewDriver wraps an opened Device in board.GenericDriver, ready for use as
// a board.Driver.
func NewDriver(dev *Device) *board.GenericDriver {
	return board.NewDriver(dev)
}
