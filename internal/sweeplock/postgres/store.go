// Package postgres keeps the janitor sweep ledger next to the account pool table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sandbox-infra/account-pool/internal/sweeplock"
)

var ErrInvalidConfig = errors.New("sweeplock/postgres: invalid config")

const sweepColumns = `name, COALESCE(holder, ''), held_until, started_at, finished_at, finished_by, scanned, released, skipped, failed`

// Store uses the database clock for holds and gaps so replicas with skewed clocks agree.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sweeplock/postgres: ensure schema: %w", err)
	}
	return nil
}

// Begin takes the sweep in one statement. The row is created on first use;
// an existing row is taken only when its hold is absent or lapsed and the last
// start is at least gap old.
func (s *Store) Begin(ctx context.Context, name, holder string, ttl, gap time.Duration) (sweeplock.Sweep, bool, error) {
	if s == nil || s.pool == nil {
		return sweeplock.Sweep{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := sweeplock.ValidateBegin(name, holder, ttl, gap); err != nil {
		return sweeplock.Sweep{}, false, err
	}

	got, err := scanSweep(s.pool.QueryRow(ctx, `
		INSERT INTO account_pool_sweeps (name, holder, held_until, started_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
			held_until = EXCLUDED.held_until,
			started_at = EXCLUDED.started_at,
			updated_at = now()
		WHERE (account_pool_sweeps.holder IS NULL OR account_pool_sweeps.held_until <= now())
			AND (account_pool_sweeps.started_at IS NULL
				OR account_pool_sweeps.started_at <= now() - ($4::bigint * interval '1 millisecond'))
		RETURNING `+sweepColumns,
		name, holder, millis(ttl), millis(gap)))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return sweeplock.Sweep{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return sweeplock.Sweep{}, false, fmt.Errorf("sweeplock/postgres: begin: %w", err)
	}
	return got, true, nil
}

func (s *Store) Finish(ctx context.Context, name, holder string, rep sweeplock.Report) (sweeplock.Sweep, error) {
	if s == nil || s.pool == nil {
		return sweeplock.Sweep{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || holder == "" {
		return sweeplock.Sweep{}, sweeplock.ErrInvalidInput
	}

	got, err := scanSweep(s.pool.QueryRow(ctx, `
		UPDATE account_pool_sweeps
		SET holder = NULL,
			held_until = NULL,
			finished_at = now(),
			finished_by = $2,
			scanned = $3,
			released = $4,
			skipped = $5,
			failed = $6,
			updated_at = now()
		WHERE name = $1 AND holder = $2
		RETURNING `+sweepColumns,
		name, holder, rep.Scanned, rep.Released, rep.Skipped, rep.Failed))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return sweeplock.Sweep{}, gerr
		}
		return cur, sweeplock.ErrNotHolder
	}
	if err != nil {
		return sweeplock.Sweep{}, fmt.Errorf("sweeplock/postgres: finish: %w", err)
	}
	return got, nil
}

func (s *Store) Abandon(ctx context.Context, name, holder string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || holder == "" {
		return sweeplock.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE account_pool_sweeps
		SET holder = NULL, held_until = NULL, started_at = NULL, updated_at = now()
		WHERE name = $1 AND holder = $2
	`, name, holder)
	if err != nil {
		return fmt.Errorf("sweeplock/postgres: abandon: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.Get(ctx, name)
	switch {
	case err != nil:
		return err
	case cur.Holder != "":
		return sweeplock.ErrNotHolder
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (sweeplock.Sweep, error) {
	if s == nil || s.pool == nil {
		return sweeplock.Sweep{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return sweeplock.Sweep{}, sweeplock.ErrInvalidInput
	}

	got, err := scanSweep(s.pool.QueryRow(ctx, `SELECT `+sweepColumns+` FROM account_pool_sweeps WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return sweeplock.Sweep{}, sweeplock.ErrNotFound
	}
	if err != nil {
		return sweeplock.Sweep{}, fmt.Errorf("sweeplock/postgres: get: %w", err)
	}
	return got, nil
}

func scanSweep(row pgx.Row) (sweeplock.Sweep, error) {
	var sw sweeplock.Sweep
	var heldUntil, started, finished *time.Time
	err := row.Scan(
		&sw.Name, &sw.Holder, &heldUntil, &started, &finished, &sw.FinishedBy,
		&sw.Last.Scanned, &sw.Last.Released, &sw.Last.Skipped, &sw.Last.Failed,
	)
	if err != nil {
		return sweeplock.Sweep{}, err
	}
	sw.HeldUntil = deref(heldUntil)
	sw.StartedAt = deref(started)
	sw.FinishedAt = deref(finished)
	return sw, nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func millis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
