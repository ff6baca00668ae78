package pool

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]AccountRecord
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		accounts: make(map[string]AccountRecord),
	}
}

// Put stores rec as-is, overwriting any existing record. Tests use it to seed
// arbitrary states, including corrupt timestamps.
func (s *MemoryStore) Put(rec AccountRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[rec.AccountID] = rec
}

func (s *MemoryStore) Get(_ context.Context, accountID string) (AccountRecord, error) {
	if err := validateAccountID(accountID); err != nil {
		return AccountRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accounts[accountID]
	if !ok {
		return AccountRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ScanByStatus(_ context.Context, status Status) ([]AccountRecord, error) {
	if !status.Valid() {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AccountRecord, 0, len(s.accounts))
	for _, rec := range s.accounts {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	// Map order is random; sort so tests are deterministic. Callers must not rely on it.
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts), nil
}

func (s *MemoryStore) Transition(_ context.Context, accountID string, expected, next Status, op TimestampOp) error {
	if err := ValidateTransition(accountID, expected, next, op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != expected {
		return ErrConflict
	}

	rec.Status = next
	switch op {
	case TimestampSet:
		rec.LeaseTimestamp = FormatTimestamp(s.now())
	case TimestampClear:
		rec.LeaseTimestamp = ""
	}
	s.accounts[accountID] = rec
	return nil
}

func (s *MemoryStore) Register(_ context.Context, accountID string) (bool, error) {
	if err := validateAccountID(accountID); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return false, nil
	}
	s.accounts[accountID] = AccountRecord{AccountID: accountID, Status: StatusAvailable}
	return true, nil
}
