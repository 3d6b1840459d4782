// Package persist is the Persistence Bridge (spec §4.10, component C10):
// it accepts a completed model.Measure and a destination path, computes
// each event's stoptime in picoseconds, and dispatches to one of the
// formats spec.md names (RAW/PS/US/BINPS/BINRAW/DEBUG/MATPSv{1,2,3}). MAT
// output is built on internal/matfile; the plain-text/binary formats are
// simple io.Writer dumps grounded on the teacher's habit of keeping ambient
// I/O helpers thin (see internal/logging for the same "small wrapper,
// no cleverness" texture).
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/matfile"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

// Format names the on-disk encodings spec §4.10 lists.
type Format int

const (
	FormatRAW Format = iota
	FormatPS
	FormatUS
	FormatBINPS
	FormatBINRAW
	FormatDEBUG
	FormatMATPSv1
	FormatMATPSv2
	FormatMATPSv3
)

// ParseFormat maps a client-supplied MSR SAV <fmt> token to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(s) {
	case "RAW":
		return FormatRAW, nil
	case "PS":
		return FormatPS, nil
	case "US":
		return FormatUS, nil
	case "BINPS":
		return FormatBINPS, nil
	case "BINRAW":
		return FormatBINRAW, nil
	case "DEBUG":
		return FormatDEBUG, nil
	case "MATPSV1":
		return FormatMATPSv1, nil
	case "MATPSV2":
		return FormatMATPSv2, nil
	case "MATPSV3":
		return FormatMATPSv3, nil
	default:
		return 0, fmt.Errorf("persist: unknown format %q", s)
	}
}

// savePathPattern is the allowed save-path shape from spec §6.4.
var savePathPattern = regexp.MustCompile(`^/home/[A-Za-z0-9._\-/]+$`)

// ErrInvalidPath is the spec §7 PersistErr::InvalidPath sentinel.
var ErrInvalidPath = fmt.Errorf("persist: invalid save path")

// SanitizePath validates and cleans a client-supplied save path: it must
// match savePathPattern and ".." segments are stripped (spec §6.4).
func SanitizePath(p string) (string, error) {
	cleaned := filepath.Clean(strings.ReplaceAll(p, "..", ""))
	if !savePathPattern.MatchString(cleaned) {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// StoptimePS computes one event's stoptime in picoseconds (spec §4.10).
// By the time an event reaches the Master its StoptimeBins already carries
// the Agent's one-time start01 fold (internal/evbuf.Buffer.ComputeStart01);
// persist therefore adds only the retrigger-period term for startcount >= 1
// instead of re-applying start01, which the Master never observes directly
// (see DESIGN.md).
func StoptimePS(bins int32, startcount uint32, tbinPS float64) float64 {
	base := float64(bins) * tbinPS
	if startcount == 0 {
		return base
	}
	return base + float64(startcount)*float64(wire.AutoRetrig+1)*wire.TrefPS
}

// Bridge dispatches a sealed Measure to the format-specific writer.
type Bridge struct {
	// OpenFile lets tests substitute an in-memory sink; defaults to os.Create.
	OpenFile func(path string) (io.WriteCloser, error)
}

// New constructs a Bridge with the default filesystem sink.
func New() *Bridge {
	return &Bridge{OpenFile: func(path string) (io.WriteCloser, error) {
		return os.Create(path)
	}}
}

// AutoPersister adapts a Bridge to internal/assembly.Persister, which calls
// Persist with no path or format: autosaved and end-of-measure Measures get
// a generated filename under Dir in Format.
type AutoPersister struct {
	Bridge *Bridge
	Dir    string
	Format Format

	seq int
}

// Persist implements internal/assembly.Persister.
func (a *AutoPersister) Persist(m *model.Measure) error {
	a.seq++
	name := fmt.Sprintf("measure_%06d_%d.dat", a.seq, time.Now().UnixNano())
	path := filepath.Join(a.Dir, name)
	return a.Bridge.Persist(m, path, a.Format)
}

// Persist writes m to path in the given format. path must already be
// sanitized by SanitizePath; Persist does not re-validate it.
func (b *Bridge) Persist(m *model.Measure, path string, format Format) error {
	f, err := b.OpenFile(path)
	if err != nil {
		return fmt.Errorf("persist: open %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logging.L().Warn("persist_close_failed", "path", path, "error", cerr)
		}
	}()

	switch format {
	case FormatRAW:
		return writeRAW(f, m)
	case FormatPS:
		return writeText(f, m, psScale)
	case FormatUS:
		return writeText(f, m, usScale)
	case FormatBINPS:
		return writeBinary(f, m, psScale)
	case FormatBINRAW:
		return writeBinaryRaw(f, m)
	case FormatDEBUG:
		return writeDebug(f, m)
	case FormatMATPSv1, FormatMATPSv2, FormatMATPSv3:
		return writeMAT(f, m, format)
	default:
		return fmt.Errorf("persist: unsupported format %v", format)
	}
}

const (
	psScale = 1.0
	usScale = 1e-6 // convert ps -> us for MSR US output
)

// writeRAW dumps raw (start index, channel, bins, retrig) tuples, one event
// per line.
func writeRAW(w io.Writer, m *model.Measure) error {
	bw := bufio.NewWriter(w)
	for si, s := range m.Starts {
		for _, e := range s.Events {
			if _, err := fmt.Fprintf(bw, "%d\t%d\t%d\t%d\n", si, e.Channel, e.StoptimeBins, e.Retrig); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// writeText dumps (start index, channel, stoptime) tuples, the stoptime
// scaled from picoseconds, one event per line, shared by PS and US formats.
func writeText(w io.Writer, m *model.Measure, scale float64) error {
	bw := bufio.NewWriter(w)
	for si, s := range m.Starts {
		for _, e := range s.Events {
			ps := StoptimePS(e.StoptimeBins, e.Retrig, m.TimeBinPS)
			if _, err := fmt.Fprintf(bw, "%d\t%d\t%.3f\n", si, e.Channel, ps*scale); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// writeBinary dumps fixed-width little-endian (int32 channel, int64
// stoptime) records, the scaled stoptime truncated to an integer.
func writeBinary(w io.Writer, m *model.Measure, scale float64) error {
	for _, s := range m.Starts {
		for _, e := range s.Events {
			ps := StoptimePS(e.StoptimeBins, e.Retrig, m.TimeBinPS) * scale
			var rec [12]byte
			binary.LittleEndian.PutUint32(rec[0:4], uint32(e.Channel))
			binary.LittleEndian.PutUint64(rec[4:12], uint64(int64(ps)))
			if _, err := w.Write(rec[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeBinaryRaw dumps fixed-width (int32 channel, int32 bins, uint32
// retrig) records without any scaling.
func writeBinaryRaw(w io.Writer, m *model.Measure) error {
	for _, s := range m.Starts {
		for _, e := range s.Events {
			var rec [12]byte
			binary.LittleEndian.PutUint32(rec[0:4], uint32(e.Channel))
			binary.LittleEndian.PutUint32(rec[4:8], uint32(e.StoptimeBins))
			binary.LittleEndian.PutUint32(rec[8:12], e.Retrig)
			if _, err := w.Write(rec[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeDebug dumps a human-readable summary of the Measure.
func writeDebug(w io.Writer, m *model.Measure) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "measure: starts=%d time_bin_ps=%.4f incomplete=%v elapsed_ns=%d\n",
		len(m.Starts), m.TimeBinPS, m.Incomplete, m.ElapsedNS)
	for si, s := range m.Starts {
		fmt.Fprintf(bw, "start %d: window_begin_ns=%d window_duration_ns=%d events=%d\n",
			si, s.WindowBeginNS, s.WindowDurationNS, len(s.Events))
	}
	return bw.Flush()
}

// writeMAT builds a MAT v5.0 container with one struct per start (fields:
// channel, stoptime_ps, retrig) and streams it via matfile.Writer.GetBytes
// so the whole file is never held in memory at once (spec §4.10).
func writeMAT(w io.Writer, m *model.Measure, format Format) error {
	values := make([]*matfile.MatValue, 0, len(m.Starts)+1)

	meta, err := matfile.NewStruct("measure_info", []string{"num_starts", "time_bin_ps", "format"},
		[]*matfile.MatValue{
			matfile.NewVectorI32("num_starts", []int32{int32(len(m.Starts))}),
			matfile.NewVectorF64("time_bin_ps", []float64{m.TimeBinPS}),
			matfile.NewVectorI32("format", []int32{int32(format)}),
		})
	if err != nil {
		return fmt.Errorf("persist: build measure_info: %w", err)
	}
	values = append(values, meta)

	for si, s := range m.Starts {
		channels := make([]int32, len(s.Events))
		stoptimes := make([]float64, len(s.Events))
		retrigs := make([]int32, len(s.Events))
		for i, e := range s.Events {
			channels[i] = e.Channel
			stoptimes[i] = StoptimePS(e.StoptimeBins, e.Retrig, m.TimeBinPS)
			retrigs[i] = int32(e.Retrig)
		}
		name := fmt.Sprintf("start_%d", si)
		sv, err := matfile.NewStruct(name, []string{"channel", "stoptime_ps", "retrig"},
			[]*matfile.MatValue{
				matfile.NewVectorI32("channel", channels),
				matfile.NewVectorF64("stoptime_ps", stoptimes),
				matfile.NewVectorI32("retrig", retrigs),
			})
		if err != nil {
			return fmt.Errorf("persist: build %s: %w", name, err)
		}
		values = append(values, sv)
	}

	mw := matfile.NewWriter(time.Now(), values)
	buf := make([]byte, 32*1024)
	for {
		n, err := mw.GetBytes(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
}
