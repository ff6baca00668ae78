package leasing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandbox-infra/account-pool/internal/pool"
)

// DefaultAgeThreshold is how long a FAILED account is kept for manual inspection.
const DefaultAgeThreshold = 3 * time.Hour

// Reclaimer returns a FAILED account leased before cutoff to AVAILABLE.
// It must re-read the record and refuse anything no longer eligible.
// *Releaser implements it.
type Reclaimer interface {
	Reclaim(ctx context.Context, accountID string, cutoff time.Time) (pool.Status, error)
}

// SweepGate spaces sweeps out across janitor replicas. Begin reports whether
// this replica may sweep now; exactly one of Finish or Abandon follows a
// granted Begin.
type SweepGate interface {
	Begin(ctx context.Context) (bool, error)
	Finish(ctx context.Context, rep SweepReport) error
	Abandon(ctx context.Context) error
}

type JanitorConfig struct {
	AgeThreshold time.Duration
	// Gate is optional. Overlapping sweeps are safe without it.
	Gate SweepGate

	Log *slog.Logger
	Now func() time.Time
}

type SweepReport struct {
	Scanned  int
	Released int
	Skipped  int
	Failed   int
}

type Janitor struct {
	store     pool.Store
	reclaimer Reclaimer
	threshold time.Duration
	gate      SweepGate
	log       *slog.Logger
	now       func() time.Time
}

func NewJanitor(store pool.Store, reclaimer Reclaimer, cfg JanitorConfig) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if reclaimer == nil {
		return nil, fmt.Errorf("%w: nil reclaimer", ErrInvalidConfig)
	}
	if cfg.AgeThreshold < 0 {
		return nil, fmt.Errorf("%w: age threshold must be >= 0", ErrInvalidConfig)
	}
	j := &Janitor{
		store:     store,
		reclaimer: reclaimer,
		threshold: cfg.AgeThreshold,
		gate:      cfg.Gate,
		log:       cfg.Log,
		now:       cfg.Now,
	}
	if j.threshold == 0 {
		j.threshold = DefaultAgeThreshold
	}
	if j.log == nil {
		j.log = discardLogger()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// Sweep reclaims FAILED accounts older than the age threshold, and any FAILED
// account whose lease timestamp is missing or unreadable. Per-account failures
// are counted and logged; only a failed scan aborts the sweep.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	if j == nil || j.store == nil {
		return SweepReport{}, fmt.Errorf("%w: nil janitor", ErrInvalidConfig)
	}

	recs, err := j.store.ScanByStatus(ctx, pool.StatusFailed)
	if err != nil {
		return SweepReport{}, fmt.Errorf("%w: scan failed accounts: %w", ErrStoreUnavailable, err)
	}

	rep := SweepReport{Scanned: len(recs)}
	cutoff := j.now().Add(-j.threshold)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		leasedAt, terr := rec.LeasedAt()
		switch {
		case errors.Is(terr, pool.ErrNoTimestamp):
			j.log.Warn("failed account has no lease timestamp, reclaiming", "account", rec.AccountID)
		case terr != nil:
			j.log.Warn("failed account has corrupt lease timestamp, reclaiming", "account", rec.AccountID, "timestamp", rec.LeaseTimestamp)
		case !leasedAt.Before(cutoff):
			rep.Skipped++
			continue
		}

		// The scan may be stale; Reclaim re-checks status and age on a fresh read.
		_, err := j.reclaimer.Reclaim(ctx, rec.AccountID, cutoff)
		switch {
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrTooRecent):
			rep.Skipped++
			j.log.Info("account changed since scan, skipping", "account", rec.AccountID, "err", err)
		case err != nil:
			rep.Failed++
			j.log.Error("reclaim failed account", "account", rec.AccountID, "err", err)
		default:
			rep.Released++
		}
	}

	j.log.Info("sweep complete", "scanned", rep.Scanned, "released", rep.Released, "skipped", rep.Skipped, "failed", rep.Failed)
	return rep, nil
}

// SweepOnce sweeps if the gate allows it. ran is false when another replica
// holds the sweep or swept too recently.
func (j *Janitor) SweepOnce(ctx context.Context) (rep SweepReport, ran bool, err error) {
	if j == nil {
		return SweepReport{}, false, fmt.Errorf("%w: nil janitor", ErrInvalidConfig)
	}
	if j.gate == nil {
		rep, err = j.Sweep(ctx)
		return rep, true, err
	}

	ok, err := j.gate.Begin(ctx)
	if err != nil {
		return SweepReport{}, false, fmt.Errorf("leasing: begin sweep: %w", err)
	}
	if !ok {
		j.log.Debug("sweep not due on this replica, skipping")
		return SweepReport{}, false, nil
	}

	// Bookkeeping must reach the gate even when ctx was cancelled mid-sweep.
	bctx := context.WithoutCancel(ctx)
	rep, err = j.Sweep(ctx)
	if err != nil {
		if aerr := j.gate.Abandon(bctx); aerr != nil {
			j.log.Warn("abandon sweep", "err", aerr)
		}
		return rep, true, err
	}
	if ferr := j.gate.Finish(bctx, rep); ferr != nil {
		j.log.Warn("record finished sweep", "err", ferr)
	}
	return rep, true, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	if j == nil {
		return fmt.Errorf("%w: nil janitor", ErrInvalidConfig)
	}
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}

	j.tick(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	if _, _, err := j.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		j.log.Error("sweep", "err", err)
	}
}
