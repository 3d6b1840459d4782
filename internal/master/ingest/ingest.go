// Package ingest implements the Data Ingest Task (spec §4.8, component C8):
// the Master's hot loop on the data socket. It tags each inbound frame with
// its source agent ordinal and pushes it onto the bounded internal/queue,
// dropping frames from unconfigured sources silently. Grounded on the
// teacher's hub.Client.Out channel-as-buffer idiom (internal/hub/hub.go),
// generalized here to many-writers/one-reader instead of one-writer/many-
// readers.
package ingest

import (
	"context"
	"errors"

	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/queue"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
)

// ErrQueueSaturated is returned by Run as soon as a non-blocking enqueue
// finds the queue full and a frame must be dropped; per spec §5 this is fatal to the ingest task
// ("queue_send, non-blocking, failure = fatal").
var ErrQueueSaturated = errors.New("ingest: queue saturated")

// Socket is the data-plane receive side the ingest task needs.
type Socket interface {
	Recv(ctx context.Context) (rtnet.Packet, error)
}

// Task runs the hot ingest loop, translating source MAC to agent ordinal via
// a read-only lookup table built once at discovery (spec §5: "Agents table
// on master: written only during discovery, then read-only").
type Task struct {
	sock    Socket
	byMAC   map[[6]byte]int
	q       *queue.Queue
}

// New constructs an ingest Task. byMAC maps each configured agent's MAC to
// its ordinal, exactly the table internal/master/ctrl.Controller.Discover
// populates.
func New(sock Socket, byMAC map[[6]byte]int, q *queue.Queue) *Task {
	return &Task{sock: sock, byMAC: byMAC, q: q}
}

// Run drives the hot loop until ctx is cancelled or the queue saturates.
// It never allocates beyond the fixed-size TaggedFrame copy (spec §4.8:
// "must not allocate on the hot path except via the queue's arena").
func (t *Task) Run(ctx context.Context) error {
	for {
		pkt, err := t.sock.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.IncError(metrics.ErrDataRead)
			continue
		}
		agentID, ok := t.byMAC[pkt.Src]
		if !ok {
			continue // unknown source, dropped silently per spec §4.8
		}
		metrics.IncDataRx()

		var tf queue.TaggedFrame
		tf.AgentID = agentID
		tf.Len = copy(tf.Data[:], pkt.Data[:pkt.Len])
		if err := t.q.TrySend(tf); err != nil {
			metrics.IncIngestQueueDrop()
			logging.L().Error("ingest_queue_saturated", "agent_id", agentID)
			return ErrQueueSaturated
		}
		metrics.SetIngestQueueDepth(t.q.Len())
	}
}
