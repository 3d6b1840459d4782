package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/board"
	"github.com/wyrdmeister/atmd-go/internal/board/sim"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

// fakeSocket is a minimal in-memory rtnet.Socket for agent tests.
type fakeSocket struct {
	mu    sync.Mutex
	local [6]byte
	inbox []rtnet.Packet
	sent  []sentFrame
}

type sentFrame struct {
	dst     [6]byte
	payload []byte
}

func newFakeSocket(local [6]byte) *fakeSocket { return &fakeSocket{local: local} }

func (f *fakeSocket) LocalMAC() [6]byte { return f.local }
func (f *fakeSocket) Close() error      { return nil }

func (f *fakeSocket) SendTo(dst [6]byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, sentFrame{dst: dst, payload: cp})
	return nil
}

// Send lets fakeSocket also serve as the Agent's Data plane.
func (f *fakeSocket) Send(dst [6]byte, payload []byte) error { return f.SendTo(dst, payload) }

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

// fakeCycles immediately satisfies any WaitForCycle so measure tests aren't
// bound to wall-clock TDMA timing.
type fakeCycles struct{}

func (fakeCycles) WaitCycle(ctx context.Context) (uint32, error)     { return 0, nil }
func (fakeCycles) WaitForCycle(ctx context.Context, c uint32) error { return nil }

var _ rtnet.CycleSource = fakeCycles{}

func TestWaitBroadcastHandshake(t *testing.T) {
	masterMAC := [6]byte{1, 1, 1, 1, 1, 1}
	agentMAC := [6]byte{2, 2, 2, 2, 2, 2}

	ctrl := newFakeSocket(agentMAC)
	data := newFakeSocket(agentMAC)
	hw := sim.New()
	drv := board.NewDriver(hw)

	a := New(ctrl, data, drv, fakeCycles{}, "3.0")

	payload, _ := wire.EncodeVersionPayload("3.0")
	ctrl.deliver(masterMAC, wire.EncodeControl(wire.CtlBRD, payload))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.waitBroadcast(ctx); err != nil {
		t.Fatalf("waitBroadcast: %v", err)
	}
	if a.masterID != masterMAC {
		t.Fatalf("expected masterID %v, got %v", masterMAC, a.masterID)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.sent) != 1 {
		t.Fatalf("expected 1 HELLO reply, got %d", len(ctrl.sent))
	}
	cf, err := wire.DecodeControl(ctrl.sent[0].payload)
	if err != nil || cf.Type != wire.CtlHELLO {
		t.Fatalf("expected HELLO reply, got %+v err=%v", cf, err)
	}
}

func TestWaitBroadcastRejectsVersionMismatch(t *testing.T) {
	masterMAC := [6]byte{1, 1, 1, 1, 1, 1}
	agentMAC := [6]byte{2, 2, 2, 2, 2, 2}

	ctrl := newFakeSocket(agentMAC)
	data := newFakeSocket(agentMAC)
	hw := sim.New()
	drv := board.NewDriver(hw)
	a := New(ctrl, data, drv, fakeCycles{}, "3.0")

	bad, _ := wire.EncodeVersionPayload("2.9")
	ctrl.deliver(masterMAC, wire.EncodeControl(wire.CtlBRD, bad))
	good, _ := wire.EncodeVersionPayload("3.0")
	ctrl.deliver(masterMAC, wire.EncodeControl(wire.CtlBRD, good))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.waitBroadcast(ctx); err != nil {
		t.Fatalf("waitBroadcast: %v", err)
	}
	if a.masterID != masterMAC {
		t.Fatalf("expected masterID to latch on the matching BRD")
	}
}

func TestHandleMeasSetConfiguresBoard(t *testing.T) {
	masterMAC := [6]byte{1, 1, 1, 1, 1, 1}
	agentMAC := [6]byte{2, 2, 2, 2, 2, 2}

	ctrl := newFakeSocket(agentMAC)
	data := newFakeSocket(agentMAC)
	hw := sim.New()
	drv := board.NewDriver(hw)
	a := New(ctrl, data, drv, fakeCycles{}, "3.0")
	a.masterID = masterMAC

	ms := wire.MeasSet{RisingMask: 0x0F, MeasureTime: 1_000_000, WindowTime: 1000, Timeout: 1_000_000_000}
	frame := wire.EncodeControl(wire.CtlMEASSET, wire.EncodeMeasSet(ms))
	var pkt rtnet.Packet
	pkt.Src = masterMAC
	pkt.Len = copy(pkt.Data[:], frame)
	a.handleControl(context.Background(), pkt)

	if drv.Status() != board.StatusIdle {
		t.Fatalf("expected board configured to IDLE, got %v", drv.Status())
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.sent) == 0 {
		t.Fatalf("expected an ACK reply")
	}
	cf, err := wire.DecodeControl(ctrl.sent[len(ctrl.sent)-1].payload)
	if err != nil || cf.Type != wire.CtlACK {
		t.Fatalf("expected ACK, got %+v err=%v", cf, err)
	}
}

func TestRunMeasureTransitionsThroughStateRunning(t *testing.T) {
	masterMAC := [6]byte{1, 1, 1, 1, 1, 1}
	agentMAC := [6]byte{2, 2, 2, 2, 2, 2}

	ctrl := newFakeSocket(agentMAC)
	data := newFakeSocket(agentMAC)
	hw := sim.New()
	drv := board.NewDriver(hw)
	a := New(ctrl, data, drv, fakeCycles{}, "3.0")
	a.masterID = masterMAC
	a.setState(StateReady)

	// MeasureTimeNS <= WindowTimeNS makes runMeasure exit before its first
	// AcquireStart call, so the test only exercises the state transition and
	// the trailing TERM send, not the hardware polling loop.
	def := model.MeasureDef{MeasureTimeNS: 0, WindowTimeNS: 0}

	done := make(chan struct{})
	go func() {
		a.runMeasure(context.Background(), def)
		close(done)
	}()
	<-done

	if a.State() != StateReady {
		t.Fatalf("expected StateReady after runMeasure returns, got %v", a.State())
	}
	if a.running.Load() {
		t.Fatalf("expected running to be cleared after runMeasure returns")
	}
}
