//go:build !linux

package rtnet

import (
	"context"
	"fmt"
)

// Device is a placeholder so non-linux builds compile; the real AF_PACKET
// raw socket is linux-only, mirroring internal/socketcan's split.
type Device struct{}

func Open(iface string, ethertype uint16, rtskbs int) (*Device, error) {
	return nil, fmt.Errorf("rtnet: raw L2 backend unsupported on this platform")
}

func (d *Device) LocalMAC() [6]byte               { return [6]byte{} }
func (d *Device) Close() error                     { return nil }
func (d *Device) SendTo(dst [6]byte, b []byte) error { return ErrClosed }
func (d *Device) Recv(ctx context.Context) (Packet, error) {
	return Packet{}, ErrClosed
}

var _ Socket = (*Device)(nil)
