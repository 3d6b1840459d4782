package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/queue"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

type fakeSocket struct {
	pkts []rtnet.Packet
	idx  int
}

func (f *fakeSocket) Recv(ctx context.Context) (rtnet.Packet, error) {
	if f.idx >= len(f.pkts) {
		<-ctx.Done()
		return rtnet.Packet{}, ctx.Err()
	}
	pkt := f.pkts[f.idx]
	f.idx++
	return pkt, nil
}

func TestRunTagsKnownAgentAndDropsUnknown(t *testing.T) {
	known := [6]byte{0x02, 0, 0, 0, 0, 1}
	unknown := [6]byte{0x02, 0, 0, 0, 0, 9}

	term := wire.EncodeTerm(1000, 2000)
	var p1, p2 rtnet.Packet
	p1.Src = unknown
	p1.Len = copy(p1.Data[:], term)
	p2.Src = known
	p2.Len = copy(p2.Data[:], term)

	sock := &fakeSocket{pkts: []rtnet.Packet{p1, p2}}
	q := queue.New(queue.FrameBytes * 4)
	byMAC := map[[6]byte]int{known: 0}
	task := New(sock, byMAC, q)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := task.Run(ctx)
	if ctx.Err() == nil {
		t.Fatalf("expected ctx deadline, got err=%v", err)
	}

	if q.Len() != 1 {
		t.Fatalf("expected 1 tagged frame from known agent, got %d", q.Len())
	}
	tf, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if tf.AgentID != 0 {
		t.Fatalf("expected agent id 0, got %d", tf.AgentID)
	}
}

func TestRunReportsQueueSaturation(t *testing.T) {
	known := [6]byte{0x02, 0, 0, 0, 0, 1}
	term := wire.EncodeTerm(1000, 2000)

	var pkts []rtnet.Packet
	for i := 0; i < 4; i++ {
		var p rtnet.Packet
		p.Src = known
		p.Len = copy(p.Data[:], term)
		pkts = append(pkts, p)
	}
	sock := &fakeSocket{pkts: pkts}
	q := queue.New(queue.FrameBytes) // capacity 1
	byMAC := map[[6]byte]int{known: 0}
	task := New(sock, byMAC, q)

	err := task.Run(context.Background())
	if err != ErrQueueSaturated {
		t.Fatalf("expected ErrQueueSaturated, got %v", err)
	}
}
