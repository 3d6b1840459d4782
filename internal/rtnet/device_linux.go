//go:build linux

package rtnet

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Device is a raw AF_PACKET datagram socket bound to one (interface,
// ethertype) pair, the real-world counterpart used by both the control and
// data planes (two Devices per process, one per ethertype per spec §6.2).
type Device struct {
	fd       int
	ifindex  int
	localMAC [6]byte
	rtskbs   int
}

// Open binds a raw socket to iface for the given ethertype (host order;
// htons is applied internally) and extends its packet pool to rtskbs
// buffers, mirroring RTnet::init's RTNET_RTIOC_EXTPOOL call.
func Open(iface string, ethertype uint16, rtskbs int) (*Device, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(htons(ethertype)))
	if err != nil {
		return nil, fmt.Errorf("rtnet: socket(AF_PACKET): %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rtnet: if %q: %w", iface, err)
	}
	if rtskbs > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rtskbs*1500); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("rtnet: extend packet pool: %w", err)
		}
	}
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(ethertype),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rtnet: bind %q: %w", iface, err)
	}
	var mac [6]byte
	copy(mac[:], ifi.HardwareAddr)
	return &Device{fd: fd, ifindex: ifi.Index, localMAC: mac, rtskbs: rtskbs}, nil
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

func (d *Device) LocalMAC() [6]byte { return d.localMAC }

func (d *Device) Close() error { return unix.Close(d.fd) }

// SendTo transmits payload to dst on the bound interface/ethertype.
func (d *Device) SendTo(dst [6]byte, payload []byte) error {
	sa := &unix.SockaddrLinklayer{
		Ifindex: d.ifindex,
		Halen:   6,
	}
	copy(sa.Addr[:6], dst[:])
	return unix.Sendto(d.fd, payload, 0, sa)
}

// Recv blocks for the next inbound datagram, honoring ctx cancellation by
// polling with a short read deadline, since AF_PACKET sockets on a plain
// Linux NIC have no context-aware read primitive.
func (d *Device) Recv(ctx context.Context) (Packet, error) {
	var pkt Packet
	for {
		select {
		case <-ctx.Done():
			return pkt, ctx.Err()
		default:
		}
		tv := unix.Timeval{Sec: 0, Usec: 200_000}
		_ = unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
		n, from, err := unix.Recvfrom(d.fd, pkt.Data[:], 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return pkt, fmt.Errorf("rtnet: recvfrom: %w", err)
		}
		pkt.Len = n
		if ll, ok := from.(*unix.SockaddrLinklayer); ok {
			copy(pkt.Src[:], ll.Addr[:6])
		}
		return pkt, nil
	}
}

var _ Socket = (*Device)(nil)
