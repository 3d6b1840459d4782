// Package assembly implements the Assembly Pipeline (spec §4.9, component
// C9): a single-goroutine consumer of the Master's ingest queue that
// reconstructs per-agent data-plane frames into sealed, cross-agent-merged
// Measures. It is the non-real-time "data_task" of spec §5, the only writer
// of the measures store; no internal locking is needed while it owns a
// Measure, mirroring the single-writer discipline the teacher applies to
// hub.Hub.clients (guarded only at the handoff boundary).
package assembly

import (
	"context"
	"sync"

	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/queue"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

// agentState is the per-agent reconstruction state (spec §4.9: "{partial:
// Option<StartData>, partial_id: u32, terminated: bool}").
type agentState struct {
	partial    *model.StartData
	partialID  uint32
	terminated bool
}

// Persister hands a sealed Measure to the persistence bridge. Implemented by
// internal/persist.Bridge; kept as an interface here so assembly has no
// import-time dependency on the format-specific writers.
type Persister interface {
	Persist(m *model.Measure) error
}

// Pipeline owns the measures-in-progress state for one Master instance.
type Pipeline struct {
	q         *queue.Queue
	persister Persister
	timeBinPS float64
	autosave  int

	onMeasureEnd func() // set board/measure status IDLE (spec §4.9 point 9)

	mu         sync.Mutex
	current    *model.Measure
	agentsDone []bool
	agentsEnd  []bool
	perAgent   []agentState
}

// New constructs a Pipeline for numAgents configured agents. autosave <= 0
// disables periodic autosave (finalize only occurs at measure end, per spec
// §4.9 point 1).
func New(q *queue.Queue, persister Persister, numAgents int, timeBinPS float64, autosave int) *Pipeline {
	return &Pipeline{
		q:          q,
		persister:  persister,
		timeBinPS:  timeBinPS,
		autosave:   autosave,
		agentsDone: make([]bool, numAgents),
		agentsEnd:  make([]bool, numAgents),
		perAgent:   make([]agentState, numAgents),
	}
}

// OnMeasureEnd registers a callback invoked once the whole measure has
// ended (all agents sent TERM and the trailing current Measure has been
// flushed), corresponding to spec §4.9 point 9's "set board status IDLE".
func (p *Pipeline) OnMeasureEnd(fn func()) { p.onMeasureEnd = fn }

// Run consumes tagged frames from the ingest queue until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		tf, err := p.q.Receive(ctx)
		if err != nil {
			return err
		}
		metrics.SetIngestQueueDepth(p.q.Len())
		df, err := wire.DecodeData(tf.Data[:tf.Len])
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		p.process(tf.AgentID, df)
	}
}

func (p *Pipeline) process(agentID int, df wire.DataFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if agentID < 0 || agentID >= len(p.perAgent) {
		return
	}

	if df.Type == wire.DatTERM {
		p.handleTerm(agentID)
		return
	}

	if p.agentsEnd[agentID] {
		metrics.IncAssemblyDrop(metrics.AssemblyPostTermPacket)
		logging.L().Warn("assembly_post_term_packet", "agent", agentID, "type", df.Type)
		return
	}

	p.ensureCurrent()

	st := &p.perAgent[agentID]
	if st.partial == nil {
		if df.Type != wire.DatFIRST && df.Type != wire.DatONLY {
			metrics.IncAssemblyDrop(metrics.AssemblyMismatchedID)
			logging.L().Warn("assembly_unexpected_type_no_partial", "agent", agentID, "type", df.Type)
			return
		}
		st.partial = &model.StartData{}
		st.partialID = df.StartID
		if df.Header != nil {
			st.partial.WindowBeginNS = df.Header.WindowStartNS
			st.partial.WindowDurationNS = df.Header.WindowTimeNS
		}
	} else if st.partialID != df.StartID {
		metrics.IncAssemblyDrop(metrics.AssemblyMismatchedID)
		logging.L().Warn("assembly_out_of_sequence", "agent", agentID, "want", st.partialID, "got", df.StartID)
		return
	}

	for _, e := range df.Events {
		st.partial.Events = append(st.partial.Events, model.StopEvent{
			Channel:      e.Channel,
			StoptimeBins: e.StoptimeBins,
			Retrig:       e.Retrig,
		})
	}

	if df.Type == wire.DatLAST || df.Type == wire.DatONLY {
		p.agentsDone[agentID] = true
	}

	if p.allTrue(p.agentsDone) {
		p.sealStart()
	}

	p.maybeAutosave()
}

// handleTerm processes one agent's end-of-measure marker (spec §4.9 point
// 1). A second TERM for the same agent before a reset is a protocol
// violation (spec §8 invariant 2, "at-most-one TERM").
func (p *Pipeline) handleTerm(agentID int) {
	if p.agentsEnd[agentID] {
		metrics.IncAssemblyDrop(metrics.AssemblyDuplicateTerm)
		logging.L().Warn("assembly_duplicate_term", "agent", agentID)
		return
	}
	p.agentsEnd[agentID] = true

	if p.allTrue(p.agentsEnd) && p.autosave <= 0 {
		p.finalize(true)
	}
	p.maybeAutosave()
}

// sealStart merges every agent's partial StartData into one MasterStart,
// remapping channels sign-preservingly (spec §8 invariant 4), appends it to
// the current Measure, and resets the per-start state (spec §4.9 point 8).
func (p *Pipeline) sealStart() {
	var merged model.MasterStart
	windowSet := false
	for agentID := range p.perAgent {
		st := &p.perAgent[agentID]
		if st.partial == nil {
			continue
		}
		if !windowSet {
			merged.WindowBeginNS = st.partial.WindowBeginNS
			merged.WindowDurationNS = st.partial.WindowDurationNS
			windowSet = true
		}
		for _, e := range st.partial.Events {
			merged.Events = append(merged.Events, model.MasterEvent{
				Channel:      model.RemapChannel(e.Channel, agentID),
				StoptimeBins: e.StoptimeBins,
				Retrig:       e.Retrig,
			})
		}
		st.partial = nil
		p.agentsDone[agentID] = false
	}
	p.current.Starts = append(p.current.Starts, merged)
	metrics.IncStartSealed()
}

// maybeAutosave implements spec §4.9 point 9: periodic or end-of-measure
// handoff to the persistence bridge.
func (p *Pipeline) maybeAutosave() {
	if p.current == nil {
		return
	}
	endOfMeasure := p.allTrue(p.agentsEnd)
	if p.autosave > 0 && (len(p.current.Starts) >= p.autosave || endOfMeasure) {
		p.finalize(endOfMeasure)
		return
	}
	if p.autosave <= 0 && endOfMeasure {
		// already handled by handleTerm's finalize(true); nothing to do here.
		return
	}
}

// finalize moves the current Measure out to the persister and, if this was
// the actual measure end, resets per-measure state and fires onMeasureEnd.
func (p *Pipeline) finalize(measureEnd bool) {
	if p.current == nil {
		return
	}
	m := p.current
	m.TimeBinPS = p.timeBinPS
	m.Incomplete = !measureEnd
	p.current = nil

	if measureEnd {
		metrics.IncMeasureFinalized()
	} else {
		metrics.IncMeasureAutosaved()
	}

	if p.persister != nil {
		if err := p.persister.Persist(m); err != nil {
			metrics.IncError(metrics.ErrPersist)
			logging.L().Error("assembly_persist_failed", "error", err)
		}
	}

	if measureEnd {
		for i := range p.agentsEnd {
			p.agentsEnd[i] = false
		}
		for i := range p.agentsDone {
			p.agentsDone[i] = false
		}
		for i := range p.perAgent {
			p.perAgent[i] = agentState{}
		}
		if p.onMeasureEnd != nil {
			p.onMeasureEnd()
		}
	} else {
		p.current = &model.Measure{TimeBinPS: p.timeBinPS}
	}
}

func (p *Pipeline) ensureCurrent() {
	if p.current == nil {
		p.current = &model.Measure{TimeBinPS: p.timeBinPS}
	}
}

func (p *Pipeline) allTrue(flags []bool) bool {
	if len(flags) == 0 {
		return false
	}
	for _, v := range flags {
		if !v {
			return false
		}
	}
	return true
}
