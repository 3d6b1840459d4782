package rtnet

import (
	"context"

	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/transport"
)

// outboundFrame is one queued send: payload plus destination, the unit
// funneled through transport.AsyncTx.
type outboundFrame struct {
	dst     [6]byte
	payload []byte
}

// TXWriter funnels all outbound L2 writes through a single goroutine,
// mirroring internal/socketcan.TXWriter's role for SocketCAN frames. Each
// TXWriter wraps one Socket; the agent binary creates one for the data
// plane only.
type TXWriter struct {
	base  *transport.AsyncTx[outboundFrame]
	plane string // "control" or "data", selects which metrics counters to bump
}

// NewTXWriter creates an L2 TXWriter with a buffered channel of size buf.
// plane is "control" or "data" and only selects which Inc*Tx metric fires.
func NewTXWriter(parent context.Context, sock Socket, buf int, plane string) *TXWriter {
	send := func(f outboundFrame) error { return sock.SendTo(f.dst, f.payload) }
	hooks := transport.Hooks[outboundFrame]{
		OnError: func(err error) {
			if plane == "control" {
				metrics.IncError(metrics.ErrCtrlWrite)
			} else {
				metrics.IncError(metrics.ErrDataWrite)
			}
		},
		OnAfter: func() {
			if plane == "control" {
				metrics.IncControlTx()
			} else {
				metrics.IncDataTx()
			}
		},
		OnDrop: func() error { return ErrTxOverflow },
	}
	return &TXWriter{base: transport.New(parent, buf, send, hooks), plane: plane}
}

// Send queues a payload for asynchronous transmission to dst.
func (w *TXWriter) Send(dst [6]byte, payload []byte) error {
	return w.base.Send(outboundFrame{dst: dst, payload: payload})
}

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }
