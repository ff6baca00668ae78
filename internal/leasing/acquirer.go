package leasing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandbox-infra/account-pool/internal/broker"
	"github.com/sandbox-infra/account-pool/internal/events"
	"github.com/sandbox-infra/account-pool/internal/identity"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

const (
	DefaultDeadline     = 10 * time.Second
	DefaultPollInterval = 2 * time.Second
)

type AcquirerConfig struct {
	// Deadline bounds the whole acquire call, measured with Now.
	Deadline     time.Duration
	PollInterval time.Duration

	SessionDuration  time.Duration
	FallbackDuration time.Duration

	// Sleep waits between scans. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Lease is a successfully acquired account and the ephemeral user's access key.
type Lease struct {
	AccountID string
	AccessKey identity.AccessKey
}

type Acquirer struct {
	core

	deadline time.Duration
	poll     time.Duration
	session  time.Duration
	fallback time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewAcquirer(deps Deps, cfg AcquirerConfig) (*Acquirer, error) {
	c, err := newCore(deps)
	if err != nil {
		return nil, err
	}
	if cfg.Deadline < 0 || cfg.PollInterval < 0 || cfg.SessionDuration < 0 || cfg.FallbackDuration < 0 {
		return nil, fmt.Errorf("%w: durations must be >= 0", ErrInvalidConfig)
	}
	a := &Acquirer{
		core:     c,
		deadline: cfg.Deadline,
		poll:     cfg.PollInterval,
		session:  cfg.SessionDuration,
		fallback: cfg.FallbackDuration,
		sleep:    cfg.Sleep,
	}
	if a.deadline == 0 {
		a.deadline = DefaultDeadline
	}
	if a.poll == 0 {
		a.poll = DefaultPollInterval
	}
	if a.session == 0 {
		a.session = broker.DefaultSessionDuration
	}
	if a.fallback == 0 {
		a.fallback = broker.DefaultFallback
	}
	if a.sleep == nil {
		a.sleep = sleepCtx
	}
	return a, nil
}

type claimOutcome int

const (
	claimNext claimOutcome = iota
	claimStopPass
	claimLeased
)

// Acquire claims an AVAILABLE account, wipes it, and provisions a fresh
// ephemeral user in it. It polls until the configured deadline.
func (a *Acquirer) Acquire(ctx context.Context) (Lease, error) {
	if a == nil || a.store == nil {
		return Lease{}, fmt.Errorf("%w: nil acquirer", ErrInvalidConfig)
	}

	start := a.now()
	remaining := func() time.Duration { return a.deadline - a.now().Sub(start) }

	// Count is retried each poll until it answers once.
	var countErr error
	counted := false
	for remaining() > 0 {
		if !counted {
			n, err := a.store.Count(ctx)
			switch {
			case err != nil:
				countErr = err
				a.log.Warn("count accounts", "err", err)
			case n == 0:
				return Lease{}, ErrEmptyPool
			default:
				counted = true
			}
		}

		if counted {
			lease, done, err := a.pass(ctx, remaining)
			if err != nil {
				return Lease{}, err
			}
			if done {
				return lease, nil
			}
		}

		wait := min(a.poll, remaining())
		if wait <= 0 {
			break
		}
		a.log.Debug("no account available, waiting", "wait", wait.String())
		if err := a.sleep(ctx, wait); err != nil {
			return Lease{}, fmt.Errorf("leasing: acquire: %w", err)
		}
	}

	timeout := &TimeoutError{Deadline: a.deadline, InUse: a.inUse(ctx)}
	if !counted && countErr != nil {
		return Lease{}, errors.Join(timeout, fmt.Errorf("%w: count accounts: %w", ErrStoreUnavailable, countErr))
	}
	return Lease{}, timeout
}

// pass scans AVAILABLE accounts once and tries to claim each in turn.
func (a *Acquirer) pass(ctx context.Context, remaining func() time.Duration) (Lease, bool, error) {
	candidates, err := a.store.ScanByStatus(ctx, pool.StatusAvailable)
	if err != nil {
		a.log.Warn("scan available accounts", "err", err)
	}
	for _, rec := range candidates {
		if remaining() <= 0 {
			break
		}
		lease, outcome, err := a.claim(ctx, rec.AccountID)
		if err != nil {
			return Lease{}, false, err
		}
		if outcome == claimLeased {
			return lease, true, nil
		}
		if outcome == claimStopPass {
			break
		}
	}
	return Lease{}, false, nil
}

func (a *Acquirer) claim(ctx context.Context, accountID string) (Lease, claimOutcome, error) {
	err := a.store.Transition(ctx, accountID, pool.StatusAvailable, pool.StatusInUse, pool.TimestampSet)
	switch {
	case errors.Is(err, pool.ErrConflict), errors.Is(err, pool.ErrNotFound):
		a.log.Debug("lost claim race", "account", accountID, "err", err)
		return Lease{}, claimNext, nil
	case err != nil:
		a.log.Warn("claim account", "account", accountID, "err", err)
		return Lease{}, claimStopPass, nil
	}
	a.log.Info("claimed account", "account", accountID)

	creds, fellBack, err := broker.AssumeWithFallback(ctx, a.broker, accountID, a.session, a.fallback)
	if err != nil {
		return Lease{}, claimNext, fmt.Errorf("%w: assume role in %s: %w", ErrProvisioning, accountID, err)
	}
	if fellBack {
		a.log.Info("session duration rejected, used fallback", "account", accountID, "duration", a.fallback.String())
	}

	if err := a.sanitizer.Wipe(ctx, accountID, creds); err != nil {
		if derr := a.markDirty(ctx, accountID, pool.StatusInUse, err); derr != nil {
			a.log.Warn("account left IN_USE after failed wipe", "account", accountID, "err", derr)
		}
		return Lease{}, claimNext, nil
	}

	if err := a.identity.Teardown(ctx, creds); err != nil {
		return Lease{}, claimNext, fmt.Errorf("%w: teardown previous user in %s: %w", ErrProvisioning, accountID, err)
	}
	key, err := a.identity.Provision(ctx, creds)
	if err != nil {
		return Lease{}, claimNext, fmt.Errorf("%w: provision user in %s: %w", ErrProvisioning, accountID, err)
	}

	a.publish(ctx, events.KindLeased, accountID, pool.StatusInUse, "")
	a.log.Info("leased account", "account", accountID, "user", key.UserName)
	return Lease{AccountID: accountID, AccessKey: key}, claimLeased, nil
}

// inUse is a best-effort diagnostic for timeouts.
func (a *Acquirer) inUse(ctx context.Context) []string {
	recs, err := a.store.ScanByStatus(ctx, pool.StatusInUse)
	if err != nil {
		a.log.Warn("scan in-use accounts", "err", err)
		return nil
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.AccountID)
	}
	return ids
}
