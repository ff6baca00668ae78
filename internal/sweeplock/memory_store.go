package sweeplock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sweep rows in process, for tests and single-replica janitors.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	sweeps map[string]Sweep
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, sweeps: make(map[string]Sweep)}
}

func (s *MemoryStore) Begin(_ context.Context, name, holder string, ttl, gap time.Duration) (Sweep, bool, error) {
	if err := ValidateBegin(name, holder, ttl, gap); err != nil {
		return Sweep{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.sweeps[name]
	if !ok {
		cur = Sweep{Name: name}
	}
	if !cur.Due(now, gap) {
		return cur, false, nil
	}
	cur.Holder = holder
	cur.HeldUntil = now.Add(ttl)
	cur.StartedAt = now
	s.sweeps[name] = cur
	return cur, true, nil
}

func (s *MemoryStore) Finish(_ context.Context, name, holder string, rep Report) (Sweep, error) {
	if err := validateHolder(name, holder); err != nil {
		return Sweep{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sweeps[name]
	switch {
	case !ok:
		return Sweep{}, ErrNotFound
	case cur.Holder != holder:
		return cur, ErrNotHolder
	}
	// A lapsed hold nobody took over still belongs to its holder.
	cur.Holder = ""
	cur.HeldUntil = time.Time{}
	cur.FinishedAt = s.now()
	cur.FinishedBy = holder
	cur.Last = rep
	s.sweeps[name] = cur
	return cur, nil
}

func (s *MemoryStore) Abandon(_ context.Context, name, holder string) error {
	if err := validateHolder(name, holder); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sweeps[name]
	switch {
	case !ok:
		return ErrNotFound
	case cur.Holder == "":
		return nil
	case cur.Holder != holder:
		return ErrNotHolder
	}
	cur.Holder = ""
	cur.HeldUntil = time.Time{}
	cur.StartedAt = time.Time{}
	s.sweeps[name] = cur
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Sweep, error) {
	if name == "" {
		return Sweep{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sweeps[name]
	if !ok {
		return Sweep{}, ErrNotFound
	}
	return cur, nil
}
