//go:build !linux

package pci

import (
	"fmt"

	"github.com/wyrdmeister/atmd-go/internal/board"
)

// Device is a placeholder so non-linux builds compile; the real mmap'd PCI
// register file is linux-only (UIO), mirroring the teacher's SocketCAN
// linux-only split (internal/socketcan/stub.go).
type Device struct{}

func Open(devicePath string) (*Device, error) {
	return nil, fmt.Errorf("pci: board backend unsupported on this platform")
}

func (d *Device) Close() error { return nil }

func NewDriver(dev *Device) *board.GenericDriver { return nil }
