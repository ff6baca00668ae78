package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("pool: invalid input")
	ErrNotFound     = errors.New("pool: account not found")
	ErrConflict     = errors.New("pool: status changed concurrently")
	ErrNoTimestamp  = errors.New("pool: lease timestamp absent")
)

// Status is the lifecycle state of a pooled account.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusInUse     Status = "IN_USE"
	StatusFailed    Status = "FAILED"
	StatusDirty     Status = "DIRTY"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusFailed, StatusDirty:
		return true
	default:
		return false
	}
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
	}
	return s, nil
}

// TimestampOp describes what a Transition does to the lease timestamp.
type TimestampOp int

const (
	TimestampKeep TimestampOp = iota
	TimestampSet
	TimestampClear
)

func (op TimestampOp) valid() bool {
	return op == TimestampKeep || op == TimestampSet || op == TimestampClear
}

// AccountRecord is one member of the pool.
//
// LeaseTimestamp is kept exactly as persisted (ISO-8601 text, possibly empty or
// corrupt); use LeasedAt to interpret it.
type AccountRecord struct {
	AccountID      string
	Status         Status
	LeaseTimestamp string
}

// LeasedAt parses LeaseTimestamp. It returns ErrNoTimestamp when the field is empty.
func (r AccountRecord) LeasedAt() (time.Time, error) {
	return ParseTimestamp(r.LeaseTimestamp)
}

// Store is the durable record of account state.
//
// Semantics:
//   - Transition is a compare-and-swap on Status. It returns ErrConflict when the stored
//     status differs from expected and ErrNotFound when the account is unknown.
//   - ScanByStatus may return a stale view; callers must rely on Transition for exclusion.
//   - Register is idempotent and never modifies an existing record.
type Store interface {
	Get(ctx context.Context, accountID string) (AccountRecord, error)
	ScanByStatus(ctx context.Context, status Status) ([]AccountRecord, error)
	Count(ctx context.Context) (int, error)
	Transition(ctx context.Context, accountID string, expected, next Status, op TimestampOp) error
	Register(ctx context.Context, accountID string) (bool, error)
}

const timestampLayout = time.RFC3339Nano

// naive ISO-8601 layouts written by older tooling without a zone; read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// FormatTimestamp renders t the way the store persists lease timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, ErrNoTimestamp
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("pool: invalid lease timestamp %q", v)
}

// ValidateTransition checks the arguments shared by every Store implementation.
func ValidateTransition(accountID string, expected, next Status, op TimestampOp) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidInput)
	}
	if !expected.Valid() || !next.Valid() {
		return fmt.Errorf("%w: invalid status %q -> %q", ErrInvalidInput, expected, next)
	}
	if !op.valid() {
		return fmt.Errorf("%w: invalid timestamp op %d", ErrInvalidInput, op)
	}
	return nil
}

func validateAccountID(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidInput)
	}
	return nil
}
