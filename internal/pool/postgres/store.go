package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

var ErrInvalidConfig = errors.New("pool/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pgPool *pgxpool.Pool) (*Store, error) {
	if pgPool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pgPool, now: time.Now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("pool/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, accountID string) (pool.AccountRecord, error) {
	if s == nil || s.pool == nil {
		return pool.AccountRecord{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if accountID == "" {
		return pool.AccountRecord{}, pool.ErrInvalidInput
	}

	var (
		status string
		ts     *string
	)
	err := s.pool.QueryRow(ctx, `SELECT status, lease_timestamp FROM account_pool WHERE account_id = $1`, accountID).Scan(&status, &ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pool.AccountRecord{}, pool.ErrNotFound
		}
		return pool.AccountRecord{}, fmt.Errorf("pool/postgres: get: %w", err)
	}
	return toRecord(accountID, status, ts), nil
}

func (s *Store) ScanByStatus(ctx context.Context, status pool.Status) ([]pool.AccountRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if !status.Valid() {
		return nil, pool.ErrInvalidInput
	}

	rows, err := s.pool.Query(ctx, `SELECT account_id, status, lease_timestamp FROM account_pool WHERE status = $1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("pool/postgres: scan: %w", err)
	}
	defer rows.Close()

	var out []pool.AccountRecord
	for rows.Next() {
		var (
			id string
			st string
			ts *string
		)
		if err := rows.Scan(&id, &st, &ts); err != nil {
			return nil, fmt.Errorf("pool/postgres: scan row: %w", err)
		}
		out = append(out, toRecord(id, st, ts))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pool/postgres: scan rows: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM account_pool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pool/postgres: count: %w", err)
	}
	return n, nil
}

func (s *Store) Transition(ctx context.Context, accountID string, expected, next pool.Status, op pool.TimestampOp) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := pool.ValidateTransition(accountID, expected, next, op); err != nil {
		return err
	}

	var query string
	args := []any{accountID, string(expected), string(next)}
	switch op {
	case pool.TimestampSet:
		query = `
			UPDATE account_pool
			SET status = $3, lease_timestamp = $4, updated_at = now()
			WHERE account_id = $1 AND status = $2
		`
		args = append(args, pool.FormatTimestamp(s.now()))
	case pool.TimestampClear:
		query = `
			UPDATE account_pool
			SET status = $3, lease_timestamp = NULL, updated_at = now()
			WHERE account_id = $1 AND status = $2
		`
	default:
		query = `
			UPDATE account_pool
			SET status = $3, updated_at = now()
			WHERE account_id = $1 AND status = $2
		`
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("pool/postgres: transition: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the account is gone or someone else moved it first.
	if _, gerr := s.Get(ctx, accountID); gerr != nil {
		return gerr
	}
	return pool.ErrConflict
}

func (s *Store) Register(ctx context.Context, accountID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if accountID == "" {
		return false, pool.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO account_pool (account_id, status, created_at, updated_at)
		VALUES ($1, 'AVAILABLE', now(), now())
		ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	if err != nil {
		return false, fmt.Errorf("pool/postgres: register: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func toRecord(id, status string, ts *string) pool.AccountRecord {
	rec := pool.AccountRecord{AccountID: id, Status: pool.Status(status)}
	if ts != nil {
		rec.LeaseTimestamp = *ts
	}
	return rec
}
