package execution

import (
	"sort"
	"sync"
	"sync/atomic"

	"boundless-bastion/internal/model"
)

// record holds one execution. The snapshot pointer is replaced, never
// mutated, so readers always see a consistent value.
type record struct {
	seq  uint64
	snap atomic.Pointer[model.Execution]
	done chan struct{}
}

func (r *record) load() model.Execution {
	return *r.snap.Load()
}

// transition applies mutate to a copy of the current snapshot and publishes
// it, provided the status is still from. It reports the resulting snapshot
// and whether this call performed the transition.
func (r *record) transition(from model.ExecutionStatus, mutate func(*model.Execution)) (model.Execution, bool) {
	for {
		cur := r.snap.Load()
		if cur.Status != from {
			return *cur, false
		}
		next := *cur
		mutate(&next)
		if r.snap.CompareAndSwap(cur, &next) {
			return next, true
		}
	}
}

// Store indexes executions and tracks how many non-terminal executions
// reference each command.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	active  map[string]int
	seq     uint64
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*record),
		active:  make(map[string]int),
	}
}

func (s *Store) add(e model.Execution) *record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec := &record{seq: s.seq, done: make(chan struct{})}
	rec.snap.Store(&e)
	s.records[e.ID] = rec
	if e.Status.Terminal() {
		close(rec.done)
	} else {
		s.active[e.CommandID]++
	}
	return rec
}

func (s *Store) release(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[commandID] <= 1 {
		delete(s.active, commandID)
		return
	}
	s.active[commandID]--
}

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// ActiveFor returns the number of pending or running executions of a command.
func (s *Store) ActiveFor(commandID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[commandID]
}

// Get returns the current snapshot of an execution.
func (s *Store) Get(id string) (model.Execution, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return model.Execution{}, model.NotFound("get execution", "execution", id)
	}
	return rec.load(), nil
}

// List returns matching executions, most recent first. Executions that
// started at the same instant are ordered by dispatch sequence, newest first.
func (s *Store) List(filter model.ExecutionFilter) []model.Execution {
	type entry struct {
		seq  uint64
		exec model.Execution
	}

	s.mu.RLock()
	entries := make([]entry, 0, len(s.records))
	for _, rec := range s.records {
		e := rec.load()
		if filter.Match(e) {
			entries = append(entries, entry{seq: rec.seq, exec: e})
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].exec.SortTime(), entries[j].exec.SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entries[i].seq > entries[j].seq
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			entries = entries[:0]
		} else {
			entries = entries[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}

	out := make([]model.Execution, len(entries))
	for i, en := range entries {
		out[i] = en.exec
	}
	return out
}

// Counts returns the number of executions per status.
func (s *Store) Counts() map[model.ExecutionStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[model.ExecutionStatus]int{
		model.StatusPending:   0,
		model.StatusRunning:   0,
		model.StatusSucceeded: 0,
		model.StatusFailed:    0,
	}
	for _, rec := range s.records {
		counts[rec.load().Status]++
	}
	return counts
}

// Len returns the number of stored executions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
