package rtnet

import (
	"context"
	"testing"
	"time"
)

func TestTXWriterDeliversToSink(t *testing.T) {
	sock := newFakeSocket([6]byte{1, 2, 3, 4, 5, 6})
	w := NewTXWriter(context.Background(), sock, 4, "data")
	defer w.Close()

	dst := [6]byte{9, 9, 9, 9, 9, 9}
	if err := w.Send(dst, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		sock.mu.Lock()
		n := len(sock.sent)
		sock.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.sent) != 1 {
		t.Fatalf("expected 1 sent frame, got %d", len(sock.sent))
	}
	if sock.sent[0].dst != dst {
		t.Fatalf("dst mismatch: got %v", sock.sent[0].dst)
	}
	if string(sock.sent[0].payload) != "hello" {
		t.Fatalf("payload mismatch: got %q", sock.sent[0].payload)
	}
}

func TestFakeSocketRecvRoundTrip(t *testing.T) {
	sock := newFakeSocket([6]byte{1, 2, 3, 4, 5, 6})
	sock.deliver([6]byte{7, 7, 7, 7, 7, 7}, []byte("world"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, err := sock.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(pkt.Data[:pkt.Len]) != "world" {
		t.Fatalf("unexpected payload: %q", pkt.Data[:pkt.Len])
	}
	if pkt.Src != [6]byte{7, 7, 7, 7, 7, 7} {
		t.Fatalf("unexpected src: %v", pkt.Src)
	}
}
