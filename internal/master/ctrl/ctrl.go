// Package ctrl implements the Master Control Task (spec §4.7, component
// C7): discovery broadcast, HELLO collection against a configured agent
// table, and the MEAS_SET/MEAS_CTR push with per-agent ACK collection. It is
// the control-plane analogue of the teacher's internal/server.Server
// accept loop and CannelloniHandshake, sequenced over rtnet instead of TCP.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

// Sentinel errors, wrapped for classification via errors.Is (mirrors the
// teacher's internal/server/errors.go pattern).
var (
	ErrDiscoveryTimeout = errors.New("ctrl: discovery timeout")
	ErrAckTimeout       = errors.New("ctrl: ack timeout")
	ErrUnknownAgent     = errors.New("ctrl: unknown agent id")
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Socket is the control-plane transport the Master needs.
type Socket = rtnet.Socket

// Controller drives discovery and per-measure control request/ACK exchange
// against every configured agent.
type Controller struct {
	sock    Socket
	version string

	ackTimeout  time.Duration
	handshakeDeadline time.Duration

	mu      sync.RWMutex
	agents  []model.AgentDescriptor // configured order == ordinal
	byMAC   map[[6]byte]int         // MAC -> index into agents
	known   map[[6]byte]bool        // handshaked so far
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithAckTimeout overrides the per-agent MEAS_SET/MEAS_CTR ACK wait.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithHandshakeDeadline overrides how long Discover waits for all
// configured agents to answer one BRD before giving up.
func WithHandshakeDeadline(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.handshakeDeadline = d
		}
	}
}

// New builds a Controller for a fixed, pre-configured set of agent MACs
// (spec §4.2 AgentDescriptor: "id" is the configured ordinal, 0..N-1).
func New(sock Socket, version string, configured [][6]byte, opts ...Option) *Controller {
	c := &Controller{
		sock:              sock,
		version:           version,
		ackTimeout:        2 * time.Second,
		handshakeDeadline: 10 * time.Second,
		byMAC:             make(map[[6]byte]int, len(configured)),
		known:             make(map[[6]byte]bool, len(configured)),
	}
	for i, mac := range configured {
		c.agents = append(c.agents, model.AgentDescriptor{ID: i, MAC: mac})
		c.byMAC[mac] = i
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Agents returns a snapshot of the configured agent table. Safe to call
// after Discover returns; written only during discovery (spec §5 "Agents
// table on master").
func (c *Controller) Agents() []model.AgentDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.AgentDescriptor, len(c.agents))
	copy(out, c.agents)
	return out
}

// Discover broadcasts BRD and blocks until every configured MAC has
// answered HELLO or the handshake deadline elapses (spec §4.7 points 2-3,
// scenario S1).
func (c *Controller) Discover(ctx context.Context) error {
	payload, err := wire.EncodeVersionPayload(c.version)
	if err != nil {
		return fmt.Errorf("ctrl: encode brd version: %w", err)
	}
	frame := wire.EncodeControl(wire.CtlBRD, payload)
	if err := c.sock.SendTo(broadcastMAC, frame); err != nil {
		metrics.IncError(metrics.ErrCtrlWrite)
		return fmt.Errorf("ctrl: broadcast brd: %w", err)
	}
	metrics.IncControlTx()

	dctx, cancel := context.WithTimeout(ctx, c.handshakeDeadline)
	defer cancel()

	for !c.allKnown() {
		pkt, err := c.sock.Recv(dctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrDiscoveryTimeout, err)
		}
		c.handleHello(pkt)
	}
	return nil
}

func (c *Controller) allKnown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.agents) == 0 {
		return true
	}
	for _, a := range c.agents {
		if !c.known[a.MAC] {
			return false
		}
	}
	return true
}

func (c *Controller) handleHello(pkt rtnet.Packet) {
	cf, err := wire.DecodeControl(pkt.Data[:pkt.Len])
	if err != nil {
		metrics.IncMalformed()
		return
	}
	metrics.IncControlRx()
	if cf.Type != wire.CtlHELLO {
		return
	}
	v, err := wire.DecodeVersionPayload(cf.Payload)
	if err != nil || v != c.version {
		logging.L().Warn("ctrl_hello_version_mismatch", "mac", pkt.Src, "got", v)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byMAC[pkt.Src]
	if !ok {
		logging.L().Warn("ctrl_hello_unconfigured_mac", "mac", pkt.Src)
		return
	}
	if c.known[pkt.Src] {
		return
	}
	c.known[pkt.Src] = true
	metrics.IncAgentHandshake()
	logging.L().Info("ctrl_agent_handshaked", "id", idx, "mac", pkt.Src)
}

// Rehandshake watches for late BRDs from already-known agents (a restart,
// spec §4.7 point 5) and silently answers HELLO again without perturbing
// the agent table. Run as a background goroutine once Discover completes.
func (c *Controller) Rehandshake(ctx context.Context) {
	for {
		pkt, err := c.sock.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		cf, err := wire.DecodeControl(pkt.Data[:pkt.Len])
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		metrics.IncControlRx()
		if cf.Type != wire.CtlBRD {
			continue
		}
		c.mu.RLock()
		_, ok := c.byMAC[pkt.Src]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		logging.L().Warn("ctrl_agent_restarted", "mac", pkt.Src)
		payload, err := wire.EncodeVersionPayload(c.version)
		if err != nil {
			continue
		}
		if err := c.sock.SendTo(pkt.Src, wire.EncodeControl(wire.CtlHELLO, payload)); err != nil {
			metrics.IncError(metrics.ErrCtrlWrite)
			continue
		}
		metrics.IncControlTx()
	}
}

// StartMeasure pushes MEAS_SET then MEAS_CTR(START, tdmaCycle) to every
// configured agent and waits for each agent's ACK with ackTimeout, as in
// spec §4.7 point 4. It returns the first error encountered but still
// attempts every agent so a single laggard doesn't strand the others.
func (c *Controller) StartMeasure(ctx context.Context, def model.MeasureDef, tdmaCycle uint32) error {
	agents := c.Agents()
	var firstErr error
	for _, a := range agents {
		if err := c.pushMeasSet(ctx, a, def); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, a := range agents {
		if err := c.pushMeasCtr(ctx, a, wire.ActionStart, tdmaCycle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopMeasure pushes MEAS_CTR(STOP) to every configured agent (spec §4.7
// point 4, "on stop_measure").
func (c *Controller) StopMeasure(ctx context.Context) error {
	var firstErr error
	for _, a := range c.Agents() {
		if err := c.pushMeasCtr(ctx, a, wire.ActionStop, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) pushMeasSet(ctx context.Context, a model.AgentDescriptor, def model.MeasureDef) error {
	ms := wire.MeasSet{
		AgentID:      uint32(a.ID),
		StartRising:  def.StartRising,
		StartFalling: def.StartFalling,
		RisingMask:   def.RisingMask,
		FallingMask:  def.FallingMask,
		MeasureTime:  def.MeasureTimeNS,
		WindowTime:   def.WindowTimeNS,
		Timeout:      def.TimeoutNS,
		Deadtime:     def.DeadtimeNS,
		StartOffset:  def.StartOffset,
		RefClkDiv:    def.RefClkDiv,
		HSDiv:        def.HSDiv,
	}
	frame := wire.EncodeControl(wire.CtlMEASSET, wire.EncodeMeasSet(ms))
	return c.sendAndAwaitACK(ctx, a, frame)
}

func (c *Controller) pushMeasCtr(ctx context.Context, a model.AgentDescriptor, action wire.MeasCtrAction, tdmaCycle uint32) error {
	frame := wire.EncodeControl(wire.CtlMEASCTR, wire.EncodeMeasCtr(wire.MeasCtr{Action: action, TDMACycle: tdmaCycle}))
	return c.sendAndAwaitACK(ctx, a, frame)
}

// sendAndAwaitACK sends one control frame to a single agent and blocks for
// its ACK (or BUSY/ERROR) up to ackTimeout. Frames from other agents or of
// other types are ignored and the wait continues, mirroring the agent's own
// "serialized by the single-recv control task" ordering assumption (spec
// §5) applied here in the other direction.
func (c *Controller) sendAndAwaitACK(ctx context.Context, a model.AgentDescriptor, frame []byte) error {
	if err := c.sock.SendTo(a.MAC, frame); err != nil {
		metrics.IncError(metrics.ErrCtrlWrite)
		return fmt.Errorf("ctrl: send to agent %d: %w", a.ID, err)
	}
	metrics.IncControlTx()

	actx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	for {
		pkt, err := c.sock.Recv(actx)
		if err != nil {
			return fmt.Errorf("%w: agent %d", ErrAckTimeout, a.ID)
		}
		if pkt.Src != a.MAC {
			continue
		}
		cf, err := wire.DecodeControl(pkt.Data[:pkt.Len])
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		metrics.IncControlRx()
		switch cf.Type {
		case wire.CtlACK:
			return nil
		case wire.CtlBUSY:
			return fmt.Errorf("ctrl: agent %d busy", a.ID)
		case wire.CtlERROR:
			return fmt.Errorf("ctrl: agent %d rejected request", a.ID)
		default:
			continue
		}
	}
}
