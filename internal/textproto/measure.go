package textproto

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/persist"
)

// Controller is the subset of internal/master/ctrl.Controller the text
// protocol drives; kept as an interface so tests can fake it without a real
// rtnet socket.
type Controller interface {
	StartMeasure(ctx context.Context, def model.MeasureDef, tdmaCycle uint32) error
	StopMeasure(ctx context.Context) error
}

// handleMSR dispatches one MSR subcommand (spec §6.4).
func (s *Server) handleMSR(sub string, args []string) string {
	switch strings.ToUpper(sub) {
	case "START":
		return s.msrStart()
	case "STOP":
		return s.msrStop()
	case "ABORT":
		return s.msrAbort()
	case "STATUS":
		return "OK " + s.status.get().String()
	case "LST":
		return s.msrLst()
	case "SAV":
		return s.msrSav(args)
	case "STAT":
		return s.msrStat(args)
	case "DEL":
		return s.msrDel(args)
	case "CLR":
		s.store.Clear()
		return "OK"
	default:
		return fmt.Sprintf("ERR bad_msr_subcommand %s", sub)
	}
}

func (s *Server) msrStart() string {
	s.mu.RLock()
	def, tdma := s.def, s.tdmaCycle
	s.mu.RUnlock()

	if err := s.ctrl.StartMeasure(s.ctx, def, tdma); err != nil {
		s.SetStatus(Status{Kind: StatusErr, Code: "start_failed"})
		return fmt.Sprintf("ERR %v", err)
	}
	s.SetStatus(Status{Kind: StatusRunning})
	return "OK"
}

func (s *Server) msrStop() string {
	if err := s.ctrl.StopMeasure(s.ctx); err != nil {
		s.SetStatus(Status{Kind: StatusErr, Code: "stop_failed"})
		return fmt.Sprintf("ERR %v", err)
	}
	// The final FINISHED transition is driven by the assembly pipeline's
	// OnMeasureEnd callback once every agent's TERM has sealed the measure.
	return "OK"
}

func (s *Server) msrAbort() string {
	if err := s.ctrl.StopMeasure(s.ctx); err != nil {
		s.SetStatus(Status{Kind: StatusErr, Code: "abort_failed"})
		return fmt.Sprintf("ERR %v", err)
	}
	s.SetStatus(Status{Kind: StatusIdle})
	return "OK"
}

func (s *Server) msrLst() string {
	measures := s.store.List()
	if len(measures) == 0 {
		return "OK 0"
	}
	var b strings.Builder
	for i, m := range measures {
		fmt.Fprintf(&b, "%d starts=%d incomplete=%v\r\n", i, len(m.Starts), m.Incomplete)
	}
	fmt.Fprintf(&b, "OK %d", len(measures))
	return b.String()
}

func (s *Server) msrSav(args []string) string {
	if len(args) != 3 {
		return fmt.Sprintf("ERR %v", ErrBadArgs)
	}
	num, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("ERR %v", ErrBadArgs)
	}
	format, err := persist.ParseFormat(args[1])
	if err != nil {
		return fmt.Sprintf("ERR %v", err)
	}
	path, err := persist.SanitizePath(args[2])
	if err != nil {
		return fmt.Sprintf("ERR %v", err)
	}
	m, ok := s.store.Get(num)
	if !ok {
		return fmt.Sprintf("ERR %v", ErrNoSuchMeasure)
	}
	if err := s.bridge.Persist(m, path, format); err != nil {
		return fmt.Sprintf("ERR %v", err)
	}
	return "OK"
}

func (s *Server) msrStat(args []string) string {
	var (
		m  *model.Measure
		ok bool
	)
	if len(args) == 0 {
		m, ok = s.store.Latest()
	} else {
		num, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Sprintf("ERR %v", ErrBadArgs)
		}
		m, ok = s.store.Get(num)
	}
	if !ok {
		return fmt.Sprintf("ERR %v", ErrNoSuchMeasure)
	}
	return fmt.Sprintf("OK starts=%d incomplete=%v elapsed_ns=%d time_bin_ps=%.4f",
		len(m.Starts), m.Incomplete, m.ElapsedNS, m.TimeBinPS)
}

func (s *Server) msrDel(args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("ERR %v", ErrBadArgs)
	}
	num, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("ERR %v", ErrBadArgs)
	}
	if !s.store.Delete(num) {
		return fmt.Sprintf("ERR %v", ErrNoSuchMeasure)
	}
	return "OK"
}
