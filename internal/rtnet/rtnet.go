// Package rtnet wraps the raw L2 socket the Agent and Master use for both
// the control and data planes, and the TDMA cycle source that disciplines
// Agent transmissions. It plays the role the teacher's internal/socketcan
// plays for SocketCAN: a thin raw-syscall device plus a linux/non-linux
// build-tag split, with the per-packet asynchronous write funneled through
// internal/transport.AsyncTx exactly as internal/socketcan.TXWriter does.
//
// Grounded on original_source/src/atmd_rtnet.cpp's RTnet class: init/bind to
// (interface, ethertype), send/recv to/from a peer hardware address, and
// wait_tdma's cycle-synchronization loop. The real implementation ran under
// Xenomai/RTnet with a kernel TDMA master; here CycleSource models that same
// contract (wait for the next cycle boundary, report its ordinal) against a
// plain Linux NIC, since there is no Xenomai runtime to target from Go.
package rtnet

import (
	"context"
	"errors"
)

// ErrTxOverflow is returned when the outbound funnel's buffer is full.
var ErrTxOverflow = errors.New("rtnet: tx overflow")

// ErrClosed is returned by SendTo and Recv of the non-linux Device stub,
// which has no socket to use.
var ErrClosed = errors.New("rtnet: socket closed")

// Packet is one received L2 datagram paired with the sender's hardware
// address, the unit Socket.Recv returns.
type Packet struct {
	Data [1500]byte
	Len  int
	Src  [6]byte
}

// Socket is the contract a raw L2 (interface, ethertype) binding must
// satisfy; *Device implements it on linux, built from golang.org/x/sys/unix
// exactly as internal/socketcan.Device is.
type Socket interface {
	// SendTo transmits payload to the given hardware address.
	SendTo(dst [6]byte, payload []byte) error
	// Recv blocks for the next datagram addressed to this socket.
	Recv(ctx context.Context) (Packet, error)
	// LocalMAC reports the bound interface's hardware address.
	LocalMAC() [6]byte
	Close() error
}

// CycleSource reports TDMA cycle boundaries. WaitCycle blocks until the next
// boundary and returns its ordinal, mirroring RTnet::wait_tdma()'s blocking
// ioctl. WaitForCycle(n) mirrors RTnet::wait_tdma(cycle): it blocks until
// cycle n has arrived, erroring if n has already passed.
type CycleSource interface {
	WaitCycle(ctx context.Context) (uint32, error)
	WaitForCycle(ctx context.Context, cycle uint32) error
}

// ErrCycleInPast is returned by WaitForCycle when the requested cycle has
// already elapsed, mirroring the original's "tried to sync on a TDMA cycle
// in the past" log line.
var ErrCycleInPast = errors.New("rtnet: requested TDMA cycle already elapsed")
