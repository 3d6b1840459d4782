package evbuf

import (
	"testing"

	"github.com/wyrdmeister/atmd-go/internal/model"
)

func TestPushGrowsAndPreservesOrder(t *testing.T) {
	b := New(2)
	for i := 0; i < 10; i++ {
		if err := b.Push(model.StopEvent{Channel: int8(i % 8), StoptimeBins: int32(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if b.Len() != 10 {
		t.Fatalf("expected 10 events, got %d", b.Len())
	}
	for i := 0; i < 10; i++ {
		if b.At(i).StoptimeBins != int32(i) {
			t.Fatalf("event %d out of order: %+v", i, b.At(i))
		}
	}
}

func TestComputeStart01Idempotence(t *testing.T) {
	b := New(4)
	_ = b.Push(model.StopEvent{Channel: 1, StoptimeBins: 100, Retrig: 2})
	_ = b.Push(model.StopEvent{Channel: 1, StoptimeBins: 200, Retrig: 0})

	if err := b.ComputeStart01(50); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if b.At(0).StoptimeBins != 150 || b.At(0).Retrig != 1 {
		t.Fatalf("unexpected fold result: %+v", b.At(0))
	}
	if b.At(1).StoptimeBins != 200 {
		t.Fatalf("event with retrig=0 must be untouched: %+v", b.At(1))
	}

	if err := b.ComputeStart01(50); err == nil {
		t.Fatal("expected error on second compute_start01 call")
	}
}

func TestClearResetsStart01Guard(t *testing.T) {
	b := New(4)
	_ = b.Push(model.StopEvent{Retrig: 1})
	if err := b.ComputeStart01(1); err != nil {
		t.Fatal(err)
	}
	b.Clear()
	_ = b.Push(model.StopEvent{Retrig: 1})
	if err := b.ComputeStart01(1); err != nil {
		t.Fatalf("expected fresh start after Clear to allow compute again: %v", err)
	}
}
