// Package queue implements the bounded ingest-to-assembly handoff described
// in spec §4.8: "push [agent_id][raw 1500-byte frame] into a non-RT queue
// (pool ≈ 10 MB, unlimited length)". Go has no manual arena allocator, so
// the pool is modeled as a capacity-bounded buffered channel of
// pre-allocated TaggedFrame values — capacity derived from the 10 MB budget
// rather than left unbounded, trading the original's "unlimited length,
// fatal on allocation failure" for a fixed backpressure point (see
// DESIGN.md). The shape mirrors the teacher's hub.Client.Out
// channel-as-buffer idiom, generalized from one-writer-many-readers
// broadcast to many-writers-one-reader fan-in.
package queue

import (
	"context"
	"errors"
)

// FrameBytes is the fixed L2 frame size carried by the queue (spec §6.2
// ATMD_PACKET_SIZE).
const FrameBytes = 1500

// DefaultArenaBytes is the pool size named in spec §4.8.
const DefaultArenaBytes = 10 * 1024 * 1024

// TaggedFrame is one data-plane frame tagged with its source agent ordinal,
// the exact shape spec §4.8 describes as "[agent_id][raw 1500-byte frame]".
type TaggedFrame struct {
	AgentID int
	Data    [FrameBytes]byte
	Len     int
}

// ErrFull is returned by TrySend when the queue has no free capacity; the
// caller (the hot-loop ingest task) treats this as fatal, per spec §5
// ("failure = fatal") for the rt_data_task's queue_send.
var ErrFull = errors.New("queue: full")

// Queue is a bounded FIFO of TaggedFrame. Capacity is fixed at
// construction: this is the Go rendition of the arena's static pool.
type Queue struct {
	ch chan TaggedFrame
}

// New constructs a Queue sized to hold arenaBytes worth of TaggedFrame
// values (rounded down). A zero or negative arenaBytes falls back to
// DefaultArenaBytes.
func New(arenaBytes int) *Queue {
	if arenaBytes <= 0 {
		arenaBytes = DefaultArenaBytes
	}
	cap := arenaBytes / FrameBytes
	if cap < 1 {
		cap = 1
	}
	return &Queue{ch: make(chan TaggedFrame, cap)}
}

// TrySend enqueues without blocking, returning ErrFull if the queue is
// saturated. This is the only send path: the ingest hot loop must never
// block on assembly falling behind (spec §4.8, "must not allocate on the
// hot path").
func (q *Queue) TrySend(f TaggedFrame) error {
	select {
	case q.ch <- f:
		return nil
	default:
		return ErrFull
	}
}

// Receive blocks for the next frame until ctx is cancelled, the Go
// equivalent of spec §5's queue_receive(TM_INFINITE) on the assembly side.
func (q *Queue) Receive(ctx context.Context) (TaggedFrame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return TaggedFrame{}, ctx.Err()
	}
}

// Len reports the current queue depth, for metrics/diagnostics.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the fixed queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
