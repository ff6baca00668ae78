// Package leasing implements the account lease lifecycle: acquiring a clean
// account, releasing it back to the pool, and reaping abandoned FAILED leases.
//
// All mutual exclusion is delegated to pool.Store.Transition. Nothing here holds
// a lock across calls to the broker, the sanitizer, or the identity provider.
package leasing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sandbox-infra/account-pool/internal/broker"
	"github.com/sandbox-infra/account-pool/internal/events"
	"github.com/sandbox-infra/account-pool/internal/identity"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

var (
	ErrInvalidConfig = errors.New("leasing: invalid config")
	ErrInvalidInput  = errors.New("leasing: invalid input")

	// ErrEmptyPool means the store holds no accounts at all. It is a setup
	// problem, not contention, so Acquire fails without polling.
	ErrEmptyPool = errors.New("leasing: account pool is empty")
	ErrTimeout   = errors.New("leasing: timed out waiting for an available account")

	ErrInvalidState     = errors.New("leasing: invalid account state")
	ErrStoreUnavailable = errors.New("leasing: store unavailable")
	ErrSanitizeFailed   = errors.New("leasing: sanitize failed")
	// ErrProvisioning is fatal to an acquire attempt. The claimed account is left IN_USE.
	ErrProvisioning = errors.New("leasing: provisioning failed")

	// ErrTooRecent means a FAILED account is still inside its inspection window.
	ErrTooRecent = errors.New("leasing: account failed too recently to reclaim")
)

// TimeoutError lists the accounts that were leased when Acquire gave up.
type TimeoutError struct {
	Deadline time.Duration
	InUse    []string
}

func (e *TimeoutError) Error() string {
	if len(e.InUse) == 0 {
		return fmt.Sprintf("%v after %s", ErrTimeout, e.Deadline)
	}
	return fmt.Sprintf("%v after %s (in use: %s)", ErrTimeout, e.Deadline, strings.Join(e.InUse, ", "))
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// InvalidStateError is returned when a release or reclaim finds the account in
// a status it may not act on. Expected is empty for releases, which accept any
// leased status.
type InvalidStateError struct {
	AccountID string
	Current   pool.Status
	Expected  pool.Status
}

func (e *InvalidStateError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("Account %s is not %s (current status: %s)", e.AccountID, e.Expected, e.Current)
	}
	return fmt.Sprintf("Account %s is not leased (current status: %s)", e.AccountID, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// Sanitizer wipes an account using elevated credentials.
type Sanitizer interface {
	Wipe(ctx context.Context, accountID string, creds broker.Credentials) error
}

// IdentityProvider manages the ephemeral user handed to lease holders.
// Teardown must be a no-op when the user does not exist.
type IdentityProvider interface {
	Teardown(ctx context.Context, creds broker.Credentials) error
	Provision(ctx context.Context, creds broker.Credentials) (identity.AccessKey, error)
}

// Publisher receives lifecycle events. Publish failures are logged and never
// change the outcome of an operation.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Deps are the collaborators shared by Acquirer and Releaser.
type Deps struct {
	Store     pool.Store
	Broker    broker.Broker
	Sanitizer Sanitizer
	Identity  IdentityProvider

	Events Publisher
	Log    *slog.Logger
	Now    func() time.Time
}

type core struct {
	store     pool.Store
	broker    broker.Broker
	sanitizer Sanitizer
	identity  IdentityProvider
	events    Publisher
	log       *slog.Logger
	now       func() time.Time
}

func newCore(d Deps) (core, error) {
	switch {
	case d.Store == nil:
		return core{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	case d.Broker == nil:
		return core{}, fmt.Errorf("%w: nil broker", ErrInvalidConfig)
	case d.Sanitizer == nil:
		return core{}, fmt.Errorf("%w: nil sanitizer", ErrInvalidConfig)
	case d.Identity == nil:
		return core{}, fmt.Errorf("%w: nil identity provider", ErrInvalidConfig)
	}
	c := core{
		store:     d.Store,
		broker:    d.Broker,
		sanitizer: d.Sanitizer,
		identity:  d.Identity,
		events:    d.Events,
		log:       d.Log,
		now:       d.Now,
	}
	if c.events == nil {
		c.events = events.Discard{}
	}
	if c.log == nil {
		c.log = discardLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (c *core) publish(ctx context.Context, kind events.Kind, accountID string, status pool.Status, reason string) {
	e := events.New(kind, accountID, string(status), reason, c.now())
	if err := c.events.Publish(ctx, e); err != nil {
		c.log.Warn("publish lifecycle event", "account", accountID, "event", string(kind), "err", err)
	}
}

// markDirty quarantines an account whose reclamation could not be completed.
func (c *core) markDirty(ctx context.Context, accountID string, from pool.Status, cause error) error {
	c.log.Error("marking account dirty", "account", accountID, "from", string(from), "err", cause)
	if err := c.store.Transition(ctx, accountID, from, pool.StatusDirty, pool.TimestampClear); err != nil {
		c.log.Error("mark account dirty", "account", accountID, "err", err)
		return storeErr("mark dirty", accountID, err)
	}
	c.publish(ctx, events.KindDirty, accountID, pool.StatusDirty, cause.Error())
	return nil
}

// storeErr keeps Conflict and NotFound visible and folds everything else into ErrStoreUnavailable.
func storeErr(op, accountID string, err error) error {
	if errors.Is(err, pool.ErrConflict) || errors.Is(err, pool.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("leasing: %s %s: %w", op, accountID, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, accountID, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
