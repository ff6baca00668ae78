// Package sweeplock spaces janitor sweeps out across replicas.
//
// Each named sweep is one ledger row. A replica takes the sweep with Begin,
// which succeeds only when nobody holds it and the previous sweep started at
// least a gap ago. The holder ends it with Finish, recording when it finished
// and what it did, or with Abandon when the sweep could not run. A hold lapses
// after its TTL so a crashed janitor does not block the pool forever.
package sweeplock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultName is the sweep shared by every account-janitor replica.
const DefaultName = "account-pool/janitor"

var (
	ErrInvalidInput  = errors.New("sweeplock: invalid input")
	ErrInvalidConfig = errors.New("sweeplock: invalid config")
	ErrNotFound      = errors.New("sweeplock: not found")
	// ErrNotHolder means the caller's hold lapsed and was taken over or cleared.
	ErrNotHolder = errors.New("sweeplock: not the sweep holder")
)

// Report is what one finished sweep did to the pool.
type Report struct {
	Scanned  int
	Released int
	Skipped  int
	Failed   int
}

// Sweep is the ledger row for one named sweep.
type Sweep struct {
	Name string

	// Holder is empty when no sweep is running.
	Holder    string
	HeldUntil time.Time
	StartedAt time.Time

	// FinishedAt is zero until the first sweep completes.
	FinishedAt time.Time
	FinishedBy string
	Last       Report
}

// Running reports whether a live hold exists at now.
func (s Sweep) Running(now time.Time) bool {
	return s.Holder != "" && s.HeldUntil.After(now)
}

// Due reports whether a new sweep may start at now given the minimum gap
// between sweep starts.
func (s Sweep) Due(now time.Time, gap time.Duration) bool {
	if s.Running(now) {
		return false
	}
	return s.StartedAt.IsZero() || now.Sub(s.StartedAt) >= gap
}

// Store persists sweep rows.
//
// Begin creates the row on first use. It returns the row as it stands after
// the call and whether the caller now holds the sweep. Finish and Abandon
// return ErrNotHolder when holder no longer holds it.
type Store interface {
	Begin(ctx context.Context, name, holder string, ttl, gap time.Duration) (Sweep, bool, error)
	Finish(ctx context.Context, name, holder string, rep Report) (Sweep, error)
	Abandon(ctx context.Context, name, holder string) error
	Get(ctx context.Context, name string) (Sweep, error)
}

// ValidateBegin is shared by store implementations.
func ValidateBegin(name, holder string, ttl, gap time.Duration) error {
	if name == "" || holder == "" || ttl <= 0 || gap < 0 {
		return fmt.Errorf("%w: name/holder must be non-empty, ttl > 0 and gap >= 0", ErrInvalidInput)
	}
	return nil
}

func validateHolder(name, holder string) error {
	if name == "" || holder == "" {
		return fmt.Errorf("%w: name/holder must be non-empty", ErrInvalidInput)
	}
	return nil
}

// Coordinator is one replica's handle on a named sweep.
type Coordinator struct {
	store  Store
	name   string
	holder string
	ttl    time.Duration
	gap    time.Duration
}

type Config struct {
	Name   string
	Holder string
	// TTL bounds how long one sweep may hold the row before others assume it crashed.
	TTL time.Duration
	// Gap is the minimum time between sweep starts across all replicas.
	Gap time.Duration
}

func NewCoordinator(store Store, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if err := ValidateBegin(cfg.Name, cfg.Holder, cfg.TTL, cfg.Gap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Coordinator{store: store, name: cfg.Name, holder: cfg.Holder, ttl: cfg.TTL, gap: cfg.Gap}, nil
}

func (c *Coordinator) Begin(ctx context.Context) (bool, error) {
	if c == nil || c.store == nil {
		return false, fmt.Errorf("%w: nil coordinator", ErrInvalidConfig)
	}
	_, ok, err := c.store.Begin(ctx, c.name, c.holder, c.ttl, c.gap)
	return ok, err
}

func (c *Coordinator) Finish(ctx context.Context, rep Report) error {
	if c == nil || c.store == nil {
		return fmt.Errorf("%w: nil coordinator", ErrInvalidConfig)
	}
	_, err := c.store.Finish(ctx, c.name, c.holder, rep)
	return err
}

// Abandon releases the hold without recording a finish, so the next replica
// to tick may retry straight away.
func (c *Coordinator) Abandon(ctx context.Context) error {
	if c == nil || c.store == nil {
		return fmt.Errorf("%w: nil coordinator", ErrInvalidConfig)
	}
	return c.store.Abandon(ctx, c.name, c.holder)
}

// Last returns the sweep row, for logging what the previous sweep did.
func (c *Coordinator) Last(ctx context.Context) (Sweep, error) {
	if c == nil || c.store == nil {
		return Sweep{}, fmt.Errorf("%w: nil coordinator", ErrInvalidConfig)
	}
	return c.store.Get(ctx, c.name)
}

func (c *Coordinator) Holder() string {
	if c == nil {
		return ""
	}
	return c.holder
}
