// Package agent implements the Agent Loop (spec §4.4, component C4): the
// single cooperative state machine each converter-board process runs, from
// first broadcast to steady-state measure control. It is the board-side
// analogue of the teacher's internal/server.Server accept loop, but instead
// of accepting TCP clients it answers one Master's control-plane frames.
package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wyrdmeister/atmd-go/internal/board"
	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

// State is one node of the Agent Loop state machine (spec §4.4 diagram).
type State int

const (
	StateInit State = iota
	StateWaitBroadcast
	StateHandshaked
	StateReady
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaitBroadcast:
		return "WAIT_BROADCAST"
	case StateHandshaked:
		return "HANDSHAKED"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKN"
	}
}

// Control is the control-plane transport the Agent needs: send one frame to
// a peer and receive the next inbound frame with its sender. Control frames
// are low-rate (handshake, MEAS_SET/MEAS_CTR/ACK), so a plain rtnet.Socket
// suffices; unlike the data plane, replies don't need AsyncTx's fan-in
// buffering.
type Control = rtnet.Socket

// Data is the data-plane send side; Recv is never needed by the Agent since
// it only transmits on the data plane.
type Data interface {
	Send(dst [6]byte, payload []byte) error
}

// Agent runs the C4 state machine against one Board Driver.
type Agent struct {
	ctrl    Control
	data    Data
	drv     board.Driver
	cycles  rtnet.CycleSource
	version string

	mu         sync.Mutex
	state      State
	masterID   [6]byte
	pendingDef model.MeasureDef // latched by the most recent MEAS_SET

	measureCh chan measureJob
	stopFlag  atomic.Bool
	running   atomic.Bool

	initialEventCapacity int
}

type measureJob struct {
	def model.MeasureDef
}

// New constructs an Agent bound to a control transport, a data transport,
// and a Board Driver. version is this Agent's protocol version string,
// compared for exact equality against incoming BRD payloads per spec §4.4.
func New(ctrl Control, data Data, drv board.Driver, cycles rtnet.CycleSource, version string) *Agent {
	a := &Agent{
		ctrl:                 ctrl,
		data:                 data,
		drv:                  drv,
		cycles:               cycles,
		version:              version,
		state:                StateInit,
		measureCh:            make(chan measureJob, 1),
		initialEventCapacity: 256,
	}
	return a
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// State reports the Agent's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run drives the Agent Loop until ctx is cancelled (spec §4.4's TERM_INTR).
// INIT's "bind heap and queue, reserve initial event capacity, pin CPU, lock
// memory" has no Go analogue beyond channel/goroutine setup (no manual
// memory locking in a GC'd runtime); here INIT is folded into New/Run entry.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateInit)
	a.setState(StateWaitBroadcast)

	if err := a.waitBroadcast(ctx); err != nil {
		return err
	}
	a.setState(StateHandshaked)
	a.setState(StateReady)

	go a.measureLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		default:
		}
		pkt, err := a.ctrl.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.shutdown()
				return ctx.Err()
			}
			continue
		}
		a.handleControl(ctx, pkt)
	}
}

// waitBroadcast blocks for the first well-formed BRD whose version string
// matches exactly, recording its sender as master and answering HELLO.
func (a *Agent) waitBroadcast(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pkt, err := a.ctrl.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		cf, err := wire.DecodeControl(pkt.Data[:pkt.Len])
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		if cf.Type != wire.CtlBRD {
			continue
		}
		v, err := wire.DecodeVersionPayload(cf.Payload)
		if err != nil || v != a.version {
			logging.L().Warn("agent_brd_version_mismatch", "got", v, "want", a.version)
			continue
		}
		a.mu.Lock()
		a.masterID = pkt.Src
		a.mu.Unlock()
		a.replyHello(pkt.Src)
		metrics.IncAgentHandshake()
		return nil
	}
}

func (a *Agent) replyHello(dst [6]byte) {
	payload, err := wire.EncodeVersionPayload(a.version)
	if err != nil {
		return
	}
	frame := wire.EncodeControl(wire.CtlHELLO, payload)
	if err := a.ctrl.SendTo(dst, frame); err != nil {
		metrics.IncError(metrics.ErrCtrlWrite)
		return
	}
	metrics.IncControlTx()
}

func (a *Agent) isMaster(src [6]byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return src == a.masterID
}

// handleControl dispatches one READY-state control frame per spec §4.4.
func (a *Agent) handleControl(ctx context.Context, pkt rtnet.Packet) {
	cf, err := wire.DecodeControl(pkt.Data[:pkt.Len])
	if err != nil {
		metrics.IncMalformed()
		return
	}
	metrics.IncControlRx()

	if !a.isMaster(pkt.Src) {
		logging.L().Warn("agent_non_master_frame_dropped", "src", pkt.Src, "type", cf.Type)
		return
	}

	switch cf.Type {
	case wire.CtlBRD:
		v, err := wire.DecodeVersionPayload(cf.Payload)
		if err != nil || v != a.version {
			return
		}
		a.stopFlag.Store(true)
		a.setState(StateReady)
		a.replyHello(pkt.Src)

	case wire.CtlMEASSET:
		ms, err := wire.DecodeMeasSet(cf.Payload)
		if err != nil {
			metrics.IncMalformed()
			return
		}
		def := model.MeasureDef{
			StartRising:   ms.StartRising,
			StartFalling:  ms.StartFalling,
			RisingMask:    ms.RisingMask,
			FallingMask:   ms.FallingMask,
			MeasureTimeNS: ms.MeasureTime,
			WindowTimeNS:  ms.WindowTime,
			TimeoutNS:     ms.Timeout,
			DeadtimeNS:    ms.Deadtime,
			StartOffset:   ms.StartOffset,
			RefClkDiv:     ms.RefClkDiv,
			HSDiv:         ms.HSDiv,
		}
		if err := a.drv.Configure(def); err != nil {
			a.reply(pkt.Src, wire.CtlERROR, nil)
			return
		}
		a.mu.Lock()
		a.pendingDef = def
		a.mu.Unlock()
		a.reply(pkt.Src, wire.CtlACK, nil)

	case wire.CtlMEASCTR:
		mc, err := wire.DecodeMeasCtr(cf.Payload)
		if err != nil {
			metrics.IncMalformed()
			return
		}
		switch mc.Action {
		case wire.ActionStart:
			if a.running.Load() {
				a.reply(pkt.Src, wire.CtlBUSY, nil)
				return
			}
			a.mu.Lock()
			def := a.pendingDef
			a.mu.Unlock()
			def.TDMACycle = mc.TDMACycle
			select {
			case a.measureCh <- measureJob{def: def}:
				a.reply(pkt.Src, wire.CtlACK, nil)
			default:
				a.reply(pkt.Src, wire.CtlERROR, nil)
			}
		case wire.ActionStop:
			if !a.running.Load() {
				a.reply(pkt.Src, wire.CtlERROR, nil)
				return
			}
			a.stopFlag.Store(true)
			a.reply(pkt.Src, wire.CtlACK, nil)
		default:
			a.reply(pkt.Src, wire.CtlERROR, nil)
		}

	case wire.CtlHELLO, wire.CtlACK:
		logging.L().Warn("agent_unexpected_frame", "type", cf.Type)

	default:
		metrics.IncMalformed()
	}
}

func (a *Agent) reply(dst [6]byte, typ wire.ControlType, payload []byte) {
	frame := wire.EncodeControl(typ, payload)
	if err := a.ctrl.SendTo(dst, frame); err != nil {
		metrics.IncError(metrics.ErrCtrlWrite)
		return
	}
	metrics.IncControlTx()
}

func (a *Agent) shutdown() {
	close(a.measureCh)
}
