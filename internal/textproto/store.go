package textproto

import (
	"sync"

	"github.com/wyrdmeister/atmd-go/internal/model"
)

// MeasureStore is the "measures store on master" of spec §5: the assembly
// pipeline (data_task) is the sole writer, MSR LST/SAV/STAT/DEL/CLR are the
// readers. Measures are numbered by insertion order starting at 0, matching
// the positional <num> argument MSR SAV/STAT/DEL take.
type MeasureStore struct {
	mu       sync.Mutex
	measures []*model.Measure
}

// NewMeasureStore returns an empty store.
func NewMeasureStore() *MeasureStore {
	return &MeasureStore{}
}

// Persist implements internal/assembly.Persister: every Measure the
// assembly pipeline finalizes (autosave or measure end) lands here first.
func (s *MeasureStore) Persist(m *model.Measure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measures = append(s.measures, m)
	return nil
}

// List returns a snapshot of stored measures in insertion order.
func (s *MeasureStore) List() []*model.Measure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Measure, len(s.measures))
	copy(out, s.measures)
	return out
}

// Get returns the measure at position num, if any.
func (s *MeasureStore) Get(num int) (*model.Measure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if num < 0 || num >= len(s.measures) {
		return nil, false
	}
	return s.measures[num], true
}

// Latest returns the most recently stored measure, if any.
func (s *MeasureStore) Latest() (*model.Measure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.measures) == 0 {
		return nil, false
	}
	return s.measures[len(s.measures)-1], true
}

// Delete removes the measure at position num, shifting later measures down
// (so <num> always addresses the current list, matching MSR LST's output).
func (s *MeasureStore) Delete(num int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if num < 0 || num >= len(s.measures) {
		return false
	}
	s.measures = append(s.measures[:num], s.measures[num+1:]...)
	return true
}

// Clear drops every stored measure (MSR CLR).
func (s *MeasureStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measures = nil
}
