package assembly

import (
	"sync"
	"testing"

	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/queue"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

type fakePersister struct {
	mu       sync.Mutex
	measures []*model.Measure
}

func (f *fakePersister) Persist(m *model.Measure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.measures = append(f.measures, m)
	return nil
}

// TestSingleAgentSealsOnOnly mirrors scenario S2: one agent, one ONLY frame
// with three events, sealed as soon as it arrives since there's only one
// agent configured.
func TestSingleAgentSealsOnOnly(t *testing.T) {
	q := queue.New(queue.FrameBytes * 4)
	persister := &fakePersister{}
	p := New(q, persister, 1, 81.0, 0)

	events := []wire.Event{
		{Channel: 1, StoptimeBins: 100, Retrig: 0},
		{Channel: -2, StoptimeBins: 250, Retrig: 0},
		{Channel: 5, StoptimeBins: 400, Retrig: 0},
	}
	packer := wire.NewPacker(42, 1_000_000, 500_000, events)
	frame, ok := packer.Next()
	if !ok {
		t.Fatal("expected one frame")
	}
	df, err := wire.DecodeData(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if df.Type != wire.DatONLY {
		t.Fatalf("expected ONLY, got %v", df.Type)
	}

	p.process(0, df)

	if len(p.current.Starts) != 1 {
		t.Fatalf("expected 1 sealed start, got %d", len(p.current.Starts))
	}
	if len(p.current.Starts[0].Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(p.current.Starts[0].Events))
	}
}

// TestTwoAgentMergeSealsOnceBothOnlyArrive mirrors scenario S5: two agents
// each send an ONLY frame for the same start id; the merge waits for both,
// regardless of arrival order, and remaps agent 1's channel by +8.
func TestTwoAgentMergeSealsOnceBothOnlyArrive(t *testing.T) {
	q := queue.New(queue.FrameBytes * 4)
	persister := &fakePersister{}
	p := New(q, persister, 2, 81.0, 0)

	frame0, _ := wire.NewPacker(7, 0, 0, []wire.Event{{Channel: 1, StoptimeBins: 10}}).Next()
	frame1, _ := wire.NewPacker(7, 0, 0, []wire.Event{{Channel: -3, StoptimeBins: 20}}).Next()

	df1, _ := wire.DecodeData(frame1)
	p.process(1, df1) // agent 1 arrives first
	if len(p.current.Starts) != 0 {
		t.Fatalf("expected no sealed start until both agents report")
	}

	df0, _ := wire.DecodeData(frame0)
	p.process(0, df0)

	if len(p.current.Starts) != 1 {
		t.Fatalf("expected 1 sealed start after both agents report, got %d", len(p.current.Starts))
	}
	var channels []int32
	for _, e := range p.current.Starts[0].Events {
		channels = append(channels, e.Channel)
	}
	wantSet := map[int32]bool{1: true, -11: true}
	if len(channels) != 2 || !wantSet[channels[0]] || !wantSet[channels[1]] {
		t.Fatalf("unexpected remapped channels: %v", channels)
	}
}

// TestAutosaveFlushesAtThreshold mirrors scenario S6: with autosave=2, the
// second sealed start triggers a persist and a fresh Measure continues to
// receive subsequent starts.
func TestAutosaveFlushesAtThreshold(t *testing.T) {
	q := queue.New(queue.FrameBytes * 8)
	persister := &fakePersister{}
	p := New(q, persister, 1, 81.0, 2)

	for id := uint32(0); id < 3; id++ {
		frame, _ := wire.NewPacker(id, 0, 0, []wire.Event{{Channel: 1, StoptimeBins: int32(id)}}).Next()
		df, _ := wire.DecodeData(frame)
		p.process(0, df)
	}

	persister.mu.Lock()
	defer persister.mu.Unlock()
	if len(persister.measures) != 1 {
		t.Fatalf("expected 1 autosaved measure, got %d", len(persister.measures))
	}
	if len(persister.measures[0].Starts) != 2 {
		t.Fatalf("expected autosaved measure to carry 2 starts, got %d", len(persister.measures[0].Starts))
	}
	if len(p.current.Starts) != 1 {
		t.Fatalf("expected the fresh measure to carry the 3rd start, got %d", len(p.current.Starts))
	}
}

// TestDuplicateTermIsDropped exercises the AssemblyErr DuplicateTerm path.
func TestDuplicateTermIsDropped(t *testing.T) {
	q := queue.New(queue.FrameBytes * 4)
	persister := &fakePersister{}
	p := New(q, persister, 1, 81.0, 0)

	term := wire.EncodeTerm(100, 200)
	df, _ := wire.DecodeData(term)
	p.process(0, df)
	if !p.agentsEnd[0] {
		t.Fatal("expected agentsEnd[0] set after first TERM")
	}
	p.process(0, df) // duplicate, must not panic or double-finalize
}

// TestPostTermPacketDropped exercises the AssemblyErr PostTermPacket path.
func TestPostTermPacketDropped(t *testing.T) {
	q := queue.New(queue.FrameBytes * 4)
	persister := &fakePersister{}
	p := New(q, persister, 2, 81.0, 0)

	term := wire.EncodeTerm(100, 200)
	termDF, _ := wire.DecodeData(term)
	p.process(0, termDF)

	frame, _ := wire.NewPacker(1, 0, 0, []wire.Event{{Channel: 1}}).Next()
	df, _ := wire.DecodeData(frame)
	p.process(0, df) // arrives after TERM for agent 0, must be dropped

	if p.perAgent[0].partial != nil {
		t.Fatal("expected post-term packet to be dropped, not buffered")
	}
}
