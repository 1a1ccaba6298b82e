package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"beesense/internal/escalation"
)

type memoryStore struct {
	mu     sync.Mutex
	data   map[string]Record
	closed bool
	now    func() time.Time
}

// NewMemory returns a volatile Store.
func NewMemory() Store {
	return &memoryStore{data: map[string]Record{}, now: time.Now}
}

func (s *memoryStore) Get(_ context.Context, entity string) (escalation.State, bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return escalation.State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return escalation.State{}, false, ErrClosed
	}
	r, ok := s.data[entity]
	return r.State, ok, nil
}

func (s *memoryStore) CompareAndSwap(_ context.Context, entity string, prev, next *escalation.State) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	cur, ok := s.data[entity]
	if !matches(cur.State, ok, prev) {
		return false, nil
	}
	if next == nil {
		delete(s.data, entity)
	} else {
		s.data[entity] = Record{Entity: entity, State: truncate(*next), UpdatedAt: s.now()}
	}
	return true, nil
}

func (s *memoryStore) Put(_ context.Context, entity string, st escalation.State) error {
	entity, err := normEntity(entity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data[entity] = Record{Entity: entity, State: truncate(st), UpdatedAt: s.now()}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, entity string) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.data[entity]
	delete(s.data, entity)
	return ok, nil
}

func (s *memoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(s.data))
	for _, r := range s.data {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// truncate drops sub-millisecond precision so every driver round-trips equally.
func truncate(st escalation.State) escalation.State {
	st.LastNotifiedAt = time.UnixMilli(st.LastNotifiedAt.UnixMilli())
	return st
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Entity < rs[j].Entity })
}
