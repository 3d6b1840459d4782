package rtnet

import (
	"context"
	"sync"
	"time"
)

// TickerCycleSource is a software TDMA cycle source driven by a time.Ticker,
// standing in for the Xenomai/RTnet kernel TDMA master the original system
// ran under (original_source/src/atmd_rtnet.cpp's rt_dev_ioctl(..,
// RTMAC_RTIOC_WAITONCYCLE_EX, ..) has no Linux/Go equivalent outside a
// realtime kernel). Cycle boundaries increment monotonically from 0.
type TickerCycleSource struct {
	mu     sync.Mutex
	cycle  uint32
	ticker *time.Ticker
	stopCh chan struct{}
	notify chan struct{}
}

// NewTickerCycleSource starts a cycle source advancing every period.
func NewTickerCycleSource(period time.Duration) *TickerCycleSource {
	s := &TickerCycleSource{
		ticker: time.NewTicker(period),
		stopCh: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
	go s.run()
	return s
}

func (s *TickerCycleSource) run() {
	for {
		select {
		case <-s.ticker.C:
			s.mu.Lock()
			s.cycle++
			s.mu.Unlock()
			select {
			case s.notify <- struct{}{}:
			default:
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop releases the underlying ticker.
func (s *TickerCycleSource) Stop() {
	s.ticker.Stop()
	close(s.stopCh)
}

func (s *TickerCycleSource) current() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// WaitCycle blocks until the next cycle boundary and returns its ordinal.
func (s *TickerCycleSource) WaitCycle(ctx context.Context) (uint32, error) {
	before := s.current()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.notify:
			if c := s.current(); c != before {
				return c, nil
			}
		}
	}
}

// WaitForCycle blocks until the given cycle has been reached, following
// RTnet::wait_tdma(cycle)'s loop: keep waiting while the observed cycle is
// behind the target, succeed on exact match, and fail if it has already
// passed.
func (s *TickerCycleSource) WaitForCycle(ctx context.Context, cycle uint32) error {
	for {
		cur, err := s.WaitCycle(ctx)
		if err != nil {
			return err
		}
		switch {
		case cur < cycle:
			continue
		case cur == cycle:
			return nil
		default:
			return ErrCycleInPast
		}
	}
}

var _ CycleSource = (*TickerCycleSource)(nil)
