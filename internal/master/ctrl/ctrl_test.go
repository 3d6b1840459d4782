package ctrl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

// fakeSocket is a minimal in-memory rtnet.Socket shared by master tests.
type fakeSocket struct {
	mu    sync.Mutex
	local [6]byte
	inbox []rtnet.Packet
	sent  []sentFrame
	peers map[[6]byte]*fakeSocket
}

type sentFrame struct {
	dst     [6]byte
	payload []byte
}

func newFakeSocket(local [6]byte) *fakeSocket {
	return &fakeSocket{local: local, peers: make(map[[6]byte]*fakeSocket)}
}

func (f *fakeSocket) LocalMAC() [6]byte { return f.local }
func (f *fakeSocket) Close() error      { return nil }

func (f *fakeSocket) SendTo(dst [6]byte, payload []byte) error {
	f.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, sentFrame{dst: dst, payload: cp})
	broadcast := dst == broadcastMAC
	var targets []*fakeSocket
	for mac, peer := range f.peers {
		if broadcast || mac == dst {
			targets = append(targets, peer)
		}
	}
	f.mu.Unlock()
	for _, t := range targets {
		t.deliver(f.local, cp)
	}
	return nil
}

func (f *fakeSocket) deliver(src [6]byte, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pkt rtnet.Packet
	pkt.Len = copy(pkt.Data[:], payload)
	pkt.Src = src
	f.inbox = append(f.inbox, pkt)
}

func (f *fakeSocket) Recv(ctx context.Context) (rtnet.Packet, error) {
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
			return rtnet.Packet{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func link(peers ...*fakeSocket) {
	for _, a := range peers {
		for _, b := range peers {
			if a != b {
				a.peers[b.local] = b
			}
		}
	}
}

// replyHello runs an agent-side stub that answers the first BRD it sees.
func replyHello(ctx context.Context, sock *fakeSocket, version string) {
	for {
		pkt, err := sock.Recv(ctx)
		if err != nil {
			return
		}
		cf, err := wire.DecodeControl(pkt.Data[:pkt.Len])
		if err != nil || cf.Type != wire.CtlBRD {
			continue
		}
		payload, _ := wire.EncodeVersionPayload(version)
		_ = sock.SendTo(pkt.Src, wire.EncodeControl(wire.CtlHELLO, payload))
		return
	}
}

// replyACK runs an agent-side stub that ACKs everything it receives.
func replyACK(ctx context.Context, sock *fakeSocket) {
	for {
		pkt, err := sock.Recv(ctx)
		if err != nil {
			return
		}
		cf, err := wire.DecodeControl(pkt.Data[:pkt.Len])
		if err != nil {
			continue
		}
		switch cf.Type {
		case wire.CtlMEASSET, wire.CtlMEASCTR:
			_ = sock.SendTo(pkt.Src, wire.EncodeControl(wire.CtlACK, nil))
		}
	}
}

func TestDiscoverHandshakesConfiguredAgent(t *testing.T) {
	masterSock := newFakeSocket([6]byte{0xaa, 0, 0, 0, 0, 1})
	agentMAC := [6]byte{0x02, 0, 0, 0, 0, 1}
	agentSock := newFakeSocket(agentMAC)
	link(masterSock, agentSock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go replyHello(ctx, agentSock, "3.0")

	c := New(masterSock, "3.0", [][6]byte{agentMAC}, WithHandshakeDeadline(time.Second))
	if err := c.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	agents := c.Agents()
	if len(agents) != 1 || agents[0].ID != 0 || agents[0].MAC != agentMAC {
		t.Fatalf("unexpected agent table: %+v", agents)
	}
}

func TestDiscoverIgnoresUnsolicitedHello(t *testing.T) {
	masterSock := newFakeSocket([6]byte{0xaa, 0, 0, 0, 0, 1})
	agentMAC := [6]byte{0x02, 0, 0, 0, 0, 1}
	strangerMAC := [6]byte{0x02, 0, 0, 0, 0, 2}
	agentSock := newFakeSocket(agentMAC)
	link(masterSock, agentSock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Unsolicited HELLO from a version-mismatched, unconfigured MAC arrives
	// before the real agent answers; Discover must keep waiting.
	masterSock.deliver(strangerMAC, wire.EncodeControl(wire.CtlHELLO, mustVersion("2.9")))
	go replyHello(ctx, agentSock, "3.0")

	c := New(masterSock, "3.0", [][6]byte{agentMAC}, WithHandshakeDeadline(time.Second))
	if err := c.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(c.Agents()) != 1 {
		t.Fatalf("expected exactly one agent, got %d", len(c.Agents()))
	}
}

func TestStartMeasureCollectsACKs(t *testing.T) {
	masterSock := newFakeSocket([6]byte{0xaa, 0, 0, 0, 0, 1})
	agentMAC := [6]byte{0x02, 0, 0, 0, 0, 1}
	agentSock := newFakeSocket(agentMAC)
	link(masterSock, agentSock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go replyACK(ctx, agentSock)

	c := New(masterSock, "3.0", [][6]byte{agentMAC}, WithAckTimeout(time.Second))
	// Bypass Discover: seed the handshake state directly for this test.
	c.mu.Lock()
	c.known[agentMAC] = true
	c.mu.Unlock()

	def := model.MeasureDef{MeasureTimeNS: 1_000_000_000, WindowTimeNS: 500_000}
	if err := c.StartMeasure(ctx, def, 42); err != nil {
		t.Fatalf("start measure: %v", err)
	}
}

func mustVersion(v string) []byte {
	b, _ := wire.EncodeVersionPayload(v)
	return b
}
