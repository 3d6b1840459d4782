package persist

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/wyrdmeister/atmd-go/internal/model"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func newTestBridge(buf *bytes.Buffer) *Bridge {
	return &Bridge{OpenFile: func(path string) (io.WriteCloser, error) {
		return nopCloser{buf}, nil
	}}
}

func sampleMeasure() *model.Measure {
	return &model.Measure{
		TimeBinPS: 81.0,
		Starts: []model.MasterStart{
			{
				WindowBeginNS:    1000,
				WindowDurationNS: 500,
				Events: []model.MasterEvent{
					{Channel: 1, StoptimeBins: 100, Retrig: 0},
					{Channel: -11, StoptimeBins: 200, Retrig: 3},
				},
			},
		},
	}
}

func TestPersistRAW(t *testing.T) {
	var buf bytes.Buffer
	b := newTestBridge(&buf)
	if err := b.Persist(sampleMeasure(), "/home/x.raw", FormatRAW); err != nil {
		t.Fatalf("persist raw: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty RAW output")
	}
}

func TestPersistMAT(t *testing.T) {
	var buf bytes.Buffer
	b := newTestBridge(&buf)
	if err := b.Persist(sampleMeasure(), "/home/x.mat", FormatMATPSv1); err != nil {
		t.Fatalf("persist mat: %v", err)
	}
	if buf.Len() < 128 {
		t.Fatalf("expected at least a full MAT header, got %d bytes", buf.Len())
	}
}

func TestStoptimePSZeroRetrig(t *testing.T) {
	got := StoptimePS(100, 0, 81.0)
	want := 100.0 * 81.0
	if got != want {
		t.Fatalf("StoptimePS(100,0,81) = %v, want %v", got, want)
	}
}

func TestStoptimePSWithRetrigAddsPeriods(t *testing.T) {
	got := StoptimePS(100, 2, 81.0)
	want := 100.0*81.0 + 2*float64(200)*25_000.0
	if got != want {
		t.Fatalf("StoptimePS(100,2,81) = %v, want %v", got, want)
	}
}

func TestSanitizePathStripsDotDot(t *testing.T) {
	p, err := SanitizePath("/home/user/../../etc/passwd")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if strings.Contains(p, "..") {
		t.Fatalf("expected \"..\" segments stripped, got %q", p)
	}
}

func TestSanitizePathAcceptsValid(t *testing.T) {
	p, err := SanitizePath("/home/user/data/run1.mat")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if p != "/home/user/data/run1.mat" {
		t.Fatalf("unexpected cleaned path: %q", p)
	}
}

func TestSanitizePathRejectsOutsideHome(t *testing.T) {
	if _, err := SanitizePath("/etc/passwd"); err == nil {
		t.Fatal("expected rejection of path outside /home")
	}
}

func TestParseFormatUnknown(t *testing.T) {
	if _, err := ParseFormat("NOPE"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
