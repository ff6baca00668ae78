package leasing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandbox-infra/account-pool/internal/broker"
	"github.com/sandbox-infra/account-pool/internal/events"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

// DefaultReleaseSessionDuration is enough for one cloud-nuke run.
const DefaultReleaseSessionDuration = time.Hour

type ReleaserConfig struct {
	SessionDuration  time.Duration
	FallbackDuration time.Duration
}

type Releaser struct {
	core

	session  time.Duration
	fallback time.Duration
}

func NewReleaser(deps Deps, cfg ReleaserConfig) (*Releaser, error) {
	c, err := newCore(deps)
	if err != nil {
		return nil, err
	}
	if cfg.SessionDuration < 0 || cfg.FallbackDuration < 0 {
		return nil, fmt.Errorf("%w: durations must be >= 0", ErrInvalidConfig)
	}
	r := &Releaser{core: c, session: cfg.SessionDuration, fallback: cfg.FallbackDuration}
	if r.session == 0 {
		r.session = DefaultReleaseSessionDuration
	}
	if r.fallback == 0 {
		r.fallback = broker.DefaultFallback
	}
	return r, nil
}

// Release returns a leased account to the pool (target AVAILABLE) or parks it
// for inspection (target FAILED). It returns the status the account ended in.
func (r *Releaser) Release(ctx context.Context, accountID string, target pool.Status) (pool.Status, error) {
	if target != pool.StatusAvailable && target != pool.StatusFailed {
		return "", fmt.Errorf("%w: release target must be %s or %s, got %q", ErrInvalidInput, pool.StatusAvailable, pool.StatusFailed, target)
	}
	rec, err := r.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if rec.Status != pool.StatusInUse && rec.Status != pool.StatusFailed {
		return rec.Status, &InvalidStateError{AccountID: accountID, Current: rec.Status}
	}

	if target == pool.StatusFailed {
		// Keep the timestamp so the janitor can age the account out later.
		if err := r.store.Transition(ctx, accountID, rec.Status, pool.StatusFailed, pool.TimestampKeep); err != nil {
			return rec.Status, storeErr("mark failed", accountID, err)
		}
		r.log.Info("account marked failed", "account", accountID)
		r.publish(ctx, events.KindFailed, accountID, pool.StatusFailed, "")
		return pool.StatusFailed, nil
	}

	return r.reclaim(ctx, rec, events.KindReleased)
}

// Reclaim returns a FAILED account to the pool for the janitor. The record is
// re-read first: anything no longer FAILED is refused with InvalidStateError,
// and a FAILED record leased at or after cutoff is refused with ErrTooRecent.
// A missing or unreadable lease timestamp is always eligible.
func (r *Releaser) Reclaim(ctx context.Context, accountID string, cutoff time.Time) (pool.Status, error) {
	rec, err := r.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if rec.Status != pool.StatusFailed {
		return rec.Status, &InvalidStateError{AccountID: accountID, Current: rec.Status, Expected: pool.StatusFailed}
	}
	if leasedAt, err := rec.LeasedAt(); err == nil && !leasedAt.Before(cutoff) {
		return rec.Status, fmt.Errorf("%w: %s leased at %s", ErrTooRecent, accountID, rec.LeaseTimestamp)
	}
	return r.reclaim(ctx, rec, events.KindReclaimed)
}

func (r *Releaser) load(ctx context.Context, accountID string) (pool.AccountRecord, error) {
	if r == nil || r.store == nil {
		return pool.AccountRecord{}, fmt.Errorf("%w: nil releaser", ErrInvalidConfig)
	}
	if accountID == "" {
		return pool.AccountRecord{}, fmt.Errorf("%w: empty account id", ErrInvalidInput)
	}
	rec, err := r.store.Get(ctx, accountID)
	if err != nil {
		return pool.AccountRecord{}, storeErr("get", accountID, err)
	}
	return rec, nil
}

func (r *Releaser) reclaim(ctx context.Context, rec pool.AccountRecord, kind events.Kind) (pool.Status, error) {
	id := rec.AccountID

	creds, _, err := broker.AssumeWithFallback(ctx, r.broker, id, r.session, r.fallback)
	if err != nil {
		return r.abandon(ctx, rec, fmt.Errorf("leasing: assume role in %s: %w", id, err))
	}
	if err := r.sanitizer.Wipe(ctx, id, creds); err != nil {
		// The account may still hold resources; do not touch its identities.
		return r.abandon(ctx, rec, fmt.Errorf("%w: %s: %w", ErrSanitizeFailed, id, err))
	}
	if err := r.identity.Teardown(ctx, creds); err != nil {
		return r.abandon(ctx, rec, fmt.Errorf("leasing: teardown user in %s: %w", id, err))
	}

	if err := r.store.Transition(ctx, id, rec.Status, pool.StatusAvailable, pool.TimestampClear); err != nil {
		return rec.Status, storeErr("release", id, err)
	}
	r.log.Info("account returned to pool", "account", id, "from", string(rec.Status))
	r.publish(ctx, kind, id, pool.StatusAvailable, "")
	return pool.StatusAvailable, nil
}

// abandon marks the account DIRTY and reports cause. If the DIRTY transition
// itself fails the account keeps its current status and both errors are returned.
func (r *Releaser) abandon(ctx context.Context, rec pool.AccountRecord, cause error) (pool.Status, error) {
	if err := r.markDirty(ctx, rec.AccountID, rec.Status, cause); err != nil {
		return rec.Status, errors.Join(cause, err)
	}
	return pool.StatusDirty, cause
}
