package rtnet

import (
	"context"
	"sync"
)

// fakeSocket is a deterministic in-memory Socket used by tests, the
// rtnet-level analogue of board/sim's scripted Hardware fake.
type fakeSocket struct {
	mu      sync.Mutex
	local   [6]byte
	inbox   []Packet
	sent    []outboundFrame
	closed  bool
}

func newFakeSocket(local [6]byte) *fakeSocket {
	return &fakeSocket{local: local}
}

func (f *fakeSocket) LocalMAC() [6]byte { return f.local }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) SendTo(dst [6]byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, outboundFrame{dst: dst, payload: cp})
	return nil
}

func (f *fakeSocket) deliver(src [6]byte, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pkt Packet
	pkt.Len = copy(pkt.Data[:], payload)
	pkt.Src = src
	f.inbox = append(f.inbox, pkt)
}

func (f *fakeSocket) Recv(ctx context.Context) (Packet, error) {
	for {
		f.mu.Lock()
		if len(f.inbox) > 0 {
			pkt := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return pkt, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		default:
		}
	}
}

var _ Socket = (*fakeSocket)(nil)
