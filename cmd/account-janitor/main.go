// Command account-janitor returns abandoned FAILED accounts to the pool.
//
// With --interval 0 (the default) it runs a single sweep, suitable for cron.
// Otherwise it sweeps on that interval until interrupted. With --coordinate,
// replicas share a sweep ledger in the postgres store so that at most one of
// them sweeps at a time and sweeps start no closer than about one interval apart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sandbox-infra/account-pool/internal/leasing"
	"github.com/sandbox-infra/account-pool/internal/poolcli"
	"github.com/sandbox-infra/account-pool/internal/sweeplock"
	sweeplockpg "github.com/sandbox-infra/account-pool/internal/sweeplock/postgres"
)

type sweeper interface {
	SweepOnce(ctx context.Context) (leasing.SweepReport, bool, error)
	Run(ctx context.Context, interval time.Duration) error
}

type janitorOptions struct {
	MaxAge     time.Duration
	Interval   time.Duration
	Coordinate bool
	HoldTTL    time.Duration
	Owner      string
}

type opener func(ctx context.Context, so poolcli.StoreOptions, lo poolcli.LifecycleOptions, jo janitorOptions, log *slog.Logger) (sweeper, func(), error)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(runMain(ctx, os.Args[1:], os.Stderr, log, openJanitor))
}

func runMain(ctx context.Context, args []string, stderr io.Writer, log *slog.Logger, open opener) int {
	var (
		so poolcli.StoreOptions
		lo poolcli.LifecycleOptions
		jo janitorOptions
	)
	fs := flag.NewFlagSet("account-janitor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	so.Register(fs)
	lo.Register(fs, "ReleaseSession", leasing.DefaultReleaseSessionDuration)
	fs.DurationVar(&jo.MaxAge, "max-age", leasing.DefaultAgeThreshold, "reclaim FAILED accounts leased longer ago than this")
	fs.DurationVar(&jo.Interval, "interval", 0, "sweep interval; 0 runs a single sweep and exits")
	fs.BoolVar(&jo.Coordinate, "coordinate", false, "share sweeps with other replicas through the postgres store")
	fs.DurationVar(&jo.HoldTTL, "sweep-hold-ttl", 30*time.Minute, "how long one sweep may hold the ledger before other replicas assume it crashed")
	fs.StringVar(&jo.Owner, "owner", "", "unique janitor instance id (default: hostname plus a random suffix)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if jo.MaxAge <= 0 || jo.Interval < 0 {
		fmt.Fprintln(stderr, "error: --max-age must be > 0 and --interval must be >= 0")
		return 2
	}
	if jo.Coordinate && jo.HoldTTL <= 0 {
		fmt.Fprintln(stderr, "error: --sweep-hold-ttl must be > 0")
		return 2
	}
	if strings.TrimSpace(jo.Owner) == "" {
		jo.Owner = defaultOwner()
	}

	j, closeFn, err := open(ctx, so, lo, jo, log)
	if err != nil {
		log.Error("init", "err", err)
		return 2
	}
	defer closeFn()

	if jo.Interval == 0 {
		rep, ran, err := j.SweepOnce(ctx)
		if err != nil {
			log.Error("sweep", "err", err)
			return 1
		}
		if !ran {
			log.Info("sweep skipped, another replica is sweeping")
			return 0
		}
		if rep.Failed > 0 {
			log.Warn("some accounts could not be reclaimed", "failed", rep.Failed)
		}
		return 0
	}

	log.Info("account janitor started", "owner", jo.Owner, "interval", jo.Interval.String(), "maxAge", jo.MaxAge.String(), "coordinate", jo.Coordinate)
	if err := j.Run(ctx, jo.Interval); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("janitor", "err", err)
		return 1
	}
	log.Info("shutdown")
	return 0
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "janitor"
	}
	return host + "-" + uuid.NewString()[:8]
}

func openJanitor(ctx context.Context, so poolcli.StoreOptions, lo poolcli.LifecycleOptions, jo janitorOptions, log *slog.Logger) (sweeper, func(), error) {
	rt, err := poolcli.Open(ctx, so, log)
	if err != nil {
		return nil, nil, err
	}
	deps, err := rt.Deps(lo, log)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	r, err := leasing.NewReleaser(deps, leasing.ReleaserConfig{
		SessionDuration:  lo.SessionDuration,
		FallbackDuration: lo.FallbackDuration,
	})
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	cfg := leasing.JanitorConfig{AgeThreshold: jo.MaxAge, Log: log}
	if jo.Coordinate {
		c, err := newCoordinator(ctx, rt, jo)
		if err != nil {
			rt.Close()
			return nil, nil, err
		}
		if last, err := c.Last(ctx); err == nil && !last.FinishedAt.IsZero() {
			log.Info("previous sweep", "by", last.FinishedBy, "finishedAt", last.FinishedAt, "released", last.Last.Released, "failed", last.Last.Failed)
		}
		cfg.Gate = ledgerGate{c: c}
	}

	j, err := leasing.NewJanitor(deps.Store, r, cfg)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	return j, rt.Close, nil
}

// sweepGap is the minimum spacing between sweep starts, slightly under the
// interval to absorb ticker jitter.
func sweepGap(interval time.Duration) time.Duration {
	return interval - interval/10
}

func newCoordinator(ctx context.Context, rt *poolcli.Runtime, jo janitorOptions) (*sweeplock.Coordinator, error) {
	if rt.Postgres == nil {
		return nil, fmt.Errorf("%w: --coordinate requires --store-driver postgres", poolcli.ErrInvalidConfig)
	}
	ledger, err := sweeplockpg.New(rt.Postgres)
	if err != nil {
		return nil, err
	}
	if err := ledger.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return sweeplock.NewCoordinator(ledger, sweeplock.Config{
		Holder: jo.Owner,
		TTL:    jo.HoldTTL,
		Gap:    sweepGap(jo.Interval),
	})
}

// ledgerGate records janitor sweeps in the sweep ledger.
type ledgerGate struct {
	c *sweeplock.Coordinator
}

func (g ledgerGate) Begin(ctx context.Context) (bool, error) { return g.c.Begin(ctx) }

func (g ledgerGate) Finish(ctx context.Context, rep leasing.SweepReport) error {
	return g.c.Finish(ctx, sweeplock.Report{
		Scanned:  rep.Scanned,
		Released: rep.Released,
		Skipped:  rep.Skipped,
		Failed:   rep.Failed,
	})
}

func (g ledgerGate) Abandon(ctx context.Context) error { return g.c.Abandon(ctx) }
