package textproto

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/persist"
)

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func bufferBridge() *persist.Bridge {
	return &persist.Bridge{OpenFile: func(path string) (io.WriteCloser, error) {
		return nopWriteCloser{&bytes.Buffer{}}, nil
	}}
}

type fakeCtrl struct {
	startErr error
	stopErr  error
	started  int
	stopped  int
}

func (f *fakeCtrl) StartMeasure(ctx context.Context, def model.MeasureDef, tdmaCycle uint32) error {
	f.started++
	return f.startErr
}

func (f *fakeCtrl) StopMeasure(ctx context.Context) error {
	f.stopped++
	return f.stopErr
}

func newTestServer(t *testing.T, ctrl Controller) (*Server, func()) {
	t.Helper()
	store := NewMeasureStore()
	s := NewServer(ctrl, store, bufferBridge(), WithListenAddr("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("server exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	return s, cancel
}

func dialAndSend(t *testing.T, addr string, lines ...string) []string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var responses []string
	reader := bufio.NewReader(conn)
	for _, line := range lines {
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		// STATUS broadcasts and MSR LST listing lines share the stream with
		// command responses; a command's response is its OK/ERR line.
		for {
			resp, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			resp = strings.TrimRight(resp, "\r\n")
			if strings.HasPrefix(resp, "OK") || strings.HasPrefix(resp, "ERR") {
				responses = append(responses, resp)
				break
			}
		}
	}
	return responses
}

func TestSetGetOverConnection(t *testing.T) {
	s, cancel := newTestServer(t, &fakeCtrl{})
	defer cancel()

	resp := dialAndSend(t, s.Addr(), "SET WINDOW_TIME_NS 500", "GET WINDOW_TIME_NS")
	if resp[0] != "OK" {
		t.Fatalf("expected OK for SET, got %q", resp[0])
	}
	if resp[1] != "OK 500" {
		t.Fatalf("expected OK 500 for GET, got %q", resp[1])
	}
}

func TestMsrStartStopOverConnection(t *testing.T) {
	ctrl := &fakeCtrl{}
	s, cancel := newTestServer(t, ctrl)
	defer cancel()

	resp := dialAndSend(t, s.Addr(), "MSR START", "MSR STATUS", "MSR STOP")
	if resp[0] != "OK" {
		t.Fatalf("expected OK for MSR START, got %q", resp[0])
	}
	if resp[1] != "OK RUNNING" {
		t.Fatalf("expected OK RUNNING, got %q", resp[1])
	}
	if resp[2] != "OK" {
		t.Fatalf("expected OK for MSR STOP, got %q", resp[2])
	}
	if ctrl.started != 1 || ctrl.stopped != 1 {
		t.Fatalf("expected 1 start and 1 stop, got %d/%d", ctrl.started, ctrl.stopped)
	}
}

func TestMsrStartFailurePropagatesError(t *testing.T) {
	ctrl := &fakeCtrl{startErr: errors.New("agent busy")}
	s, cancel := newTestServer(t, ctrl)
	defer cancel()

	resp := dialAndSend(t, s.Addr(), "MSR START", "MSR STATUS")
	if !strings.HasPrefix(resp[0], "ERR") {
		t.Fatalf("expected ERR for failed start, got %q", resp[0])
	}
	if resp[1] != "OK ERR start_failed" {
		t.Fatalf("expected status ERR start_failed, got %q", resp[1])
	}
}

func TestMsrSavAndStatLifecycle(t *testing.T) {
	s, cancel := newTestServer(t, &fakeCtrl{})
	defer cancel()

	_ = s.store.Persist(&model.Measure{
		TimeBinPS: 81,
		Starts: []model.MasterStart{
			{Events: []model.MasterEvent{{Channel: 1, StoptimeBins: 10}}},
		},
	})

	resp := dialAndSend(t, s.Addr(),
		"MSR LST",
		"MSR STAT 0",
		"MSR SAV 0 RAW /home/test/out.raw",
		"MSR DEL 0",
		"MSR STAT 0",
	)
	if !strings.Contains(resp[0], "OK") {
		t.Fatalf("unexpected LST response: %q", resp[0])
	}
	if !strings.HasPrefix(resp[1], "OK starts=1") {
		t.Fatalf("unexpected STAT response: %q", resp[1])
	}
	if resp[2] != "OK" {
		t.Fatalf("expected OK for SAV, got %q", resp[2])
	}
	if resp[3] != "OK" {
		t.Fatalf("expected OK for DEL, got %q", resp[3])
	}
	if !strings.HasPrefix(resp[4], "ERR") {
		t.Fatalf("expected ERR for STAT after delete, got %q", resp[4])
	}
}

func TestMsrSavRejectsPathOutsideHome(t *testing.T) {
	s, cancel := newTestServer(t, &fakeCtrl{})
	defer cancel()

	_ = s.store.Persist(&model.Measure{})
	resp := dialAndSend(t, s.Addr(), "MSR SAV 0 RAW /etc/passwd")
	if !strings.HasPrefix(resp[0], "ERR") {
		t.Fatalf("expected ERR for out-of-home path, got %q", resp[0])
	}
}

func TestUnknownVerb(t *testing.T) {
	s, cancel := newTestServer(t, &fakeCtrl{})
	defer cancel()

	resp := dialAndSend(t, s.Addr(), "BOGUS")
	if !strings.HasPrefix(resp[0], "ERR") {
		t.Fatalf("expected ERR for unknown verb, got %q", resp[0])
	}
}

func TestStatusBroadcastReachesOtherClients(t *testing.T) {
	s, cancel := newTestServer(t, &fakeCtrl{})
	defer cancel()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	// Give the server a moment to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)
	s.SetStatus(Status{Kind: StatusFinished})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if strings.TrimRight(line, "\r\n") != "STATUS FINISHED" {
		t.Fatalf("expected STATUS FINISHED broadcast, got %q", line)
	}
}
