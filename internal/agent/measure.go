package agent

import (
	"context"
	"errors"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/board"
	"github.com/wyrdmeister/atmd-go/internal/evbuf"
	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

// measureLoop is the inner measure subtask (spec §4.4): spawned once, it
// waits on measureCh for the next MeasureDef and runs one measure to
// completion before returning to wait. It exits when ctx is cancelled or
// measureCh is closed by Agent.shutdown.
func (a *Agent) measureLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-a.measureCh:
			if !ok {
				return
			}
			a.runMeasure(ctx, job.def)
		}
	}
}

// runMeasure executes one full measure: synchronize to the TDMA cycle,
// repeatedly call AcquireStart into a reused buffer until measure_time
// elapses or stop_flag is set, transmitting each start's events, then send
// TERM (spec §4.4 point 4).
func (a *Agent) runMeasure(ctx context.Context, def model.MeasureDef) {
	a.running.Store(true)
	a.stopFlag.Store(false)
	a.setState(StateRunning)
	defer func() {
		a.running.Store(false)
		a.setState(StateReady)
	}()

	buf := evbuf.New(a.initialEventCapacity)

	// wait_for_tdma(meas.tdma_cycle + 10): synchronize 10 TDMA cycles after
	// the master's reference cycle (spec §4.4 point 2).
	if a.cycles != nil {
		if err := a.cycles.WaitForCycle(ctx, def.TDMACycle+10); err != nil {
			logging.L().Error("agent_tdma_sync_failed", "error", err)
			return
		}
	}

	measureStart := time.Now()
	var startID uint32
	for {
		if ctx.Err() != nil {
			break
		}
		if a.stopFlag.Load() {
			break
		}
		elapsed := time.Since(measureStart)
		remaining := time.Duration(def.MeasureTimeNS) - time.Duration(def.WindowTimeNS) - elapsed
		if remaining <= 0 {
			break
		}

		buf.Clear()
		windowBegin, windowEnd, err := a.drv.AcquireStart(ctx, def.WindowTimeNS, def.TimeoutNS, buf)
		if err != nil {
			metrics.IncBoardAcquireError(classifyAcquireErr(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		a.transmitStart(startID, windowBegin, windowEnd-windowBegin, buf)
		startID++

		time.Sleep(time.Duration(def.DeadtimeNS))
	}

	measureEnd := time.Now()
	windowStart := uint64(measureStart.UnixNano())
	windowTime := uint64(measureEnd.Sub(measureStart))
	a.sendTerm(windowStart, windowTime)
}

// transmitStart packs one start's events into MTU-sized data frames and
// sends each via the data plane (spec §4.5 Packer contract).
func (a *Agent) transmitStart(startID uint32, windowBeginNS, windowDurationNS uint64, buf *evbuf.Buffer) {
	events := buf.Events()
	wireEvents := make([]wire.Event, len(events))
	for i, e := range events {
		wireEvents[i] = wire.Event{Channel: e.Channel, StoptimeBins: e.StoptimeBins, Retrig: e.Retrig}
	}
	packer := wire.NewPacker(startID, windowBeginNS, windowDurationNS, wireEvents)
	for {
		frame, ok := packer.Next()
		if !ok {
			break
		}
		if err := a.data.Send(a.masterID, frame); err != nil {
			metrics.IncError(metrics.ErrDataWrite)
			continue
		}
		metrics.IncDataTx()
	}
}

func (a *Agent) sendTerm(windowStartNS, windowTimeNS uint64) {
	frame := wire.EncodeTerm(windowStartNS, windowTimeNS)
	if err := a.data.Send(a.masterID, frame); err != nil {
		metrics.IncError(metrics.ErrDataWrite)
		return
	}
	metrics.IncDataTx()
}

func classifyAcquireErr(err error) string {
	switch {
	case errors.Is(err, board.ErrNoStart):
		return metrics.AcquireNoStart
	case errors.Is(err, board.ErrBufferAlloc):
		return metrics.AcquireBufferAlloc
	default:
		return metrics.AcquireWindowOverflow
	}
}
