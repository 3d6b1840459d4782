package textproto

import (
	"testing"

	"github.com/wyrdmeister/atmd-go/internal/model"
)

func TestMeasureStorePersistAndList(t *testing.T) {
	s := NewMeasureStore()
	_ = s.Persist(&model.Measure{Starts: []model.MasterStart{{}}})
	_ = s.Persist(&model.Measure{Starts: []model.MasterStart{{}, {}}})

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 measures, got %d", len(list))
	}
	if len(list[1].Starts) != 2 {
		t.Fatalf("expected second measure to have 2 starts, got %d", len(list[1].Starts))
	}
}

func TestMeasureStoreGetOutOfRange(t *testing.T) {
	s := NewMeasureStore()
	if _, ok := s.Get(0); ok {
		t.Fatal("expected no measure at index 0 on empty store")
	}
}

func TestMeasureStoreDeleteShiftsIndices(t *testing.T) {
	s := NewMeasureStore()
	_ = s.Persist(&model.Measure{ElapsedNS: 1})
	_ = s.Persist(&model.Measure{ElapsedNS: 2})
	_ = s.Persist(&model.Measure{ElapsedNS: 3})

	if !s.Delete(1) {
		t.Fatal("expected delete to succeed")
	}
	m, ok := s.Get(1)
	if !ok || m.ElapsedNS != 3 {
		t.Fatalf("expected index 1 to now be the third measure, got %+v", m)
	}
}

func TestMeasureStoreClear(t *testing.T) {
	s := NewMeasureStore()
	_ = s.Persist(&model.Measure{})
	s.Clear()
	if len(s.List()) != 0 {
		t.Fatal("expected empty store after Clear")
	}
}

func TestMeasureStoreLatest(t *testing.T) {
	s := NewMeasureStore()
	if _, ok := s.Latest(); ok {
		t.Fatal("expected no latest on empty store")
	}
	_ = s.Persist(&model.Measure{ElapsedNS: 1})
	_ = s.Persist(&model.Measure{ElapsedNS: 2})
	m, ok := s.Latest()
	if !ok || m.ElapsedNS != 2 {
		t.Fatalf("expected latest to be the last persisted measure, got %+v", m)
	}
}
