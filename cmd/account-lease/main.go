// Command account-lease acquires a clean sandbox account and prints credentials
// for a fresh IAM user in it as one JSON document on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandbox-infra/account-pool/internal/broker"
	"github.com/sandbox-infra/account-pool/internal/leasing"
	"github.com/sandbox-infra/account-pool/internal/poolcli"
)

type acquireFunc func(ctx context.Context) (leasing.Lease, error)

type opener func(ctx context.Context, so poolcli.StoreOptions, lo poolcli.LifecycleOptions, cfg leasing.AcquirerConfig, log *slog.Logger) (acquireFunc, func(), error)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, log, openAcquirer))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, log *slog.Logger, open opener) int {
	var (
		so poolcli.StoreOptions
		lo poolcli.LifecycleOptions
	)
	defaultTimeout, err := poolcli.EnvSeconds(poolcli.EnvLeaseTimeout, leasing.DefaultDeadline)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("account-lease", flag.ContinueOnError)
	fs.SetOutput(stderr)
	so.Register(fs)
	lo.Register(fs, "LeasedSession", broker.DefaultSessionDuration)
	timeout := fs.Duration("timeout", defaultTimeout, "give up after this long (env "+poolcli.EnvLeaseTimeout+", seconds)")
	pollInterval := fs.Duration("poll-interval", leasing.DefaultPollInterval, "wait between scans of the pool")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *timeout <= 0 || *pollInterval <= 0 {
		fmt.Fprintln(stderr, "error: --timeout and --poll-interval must be > 0")
		return 2
	}

	acquire, closeFn, err := open(ctx, so, lo, leasing.AcquirerConfig{
		Deadline:         *timeout,
		PollInterval:     *pollInterval,
		SessionDuration:  lo.SessionDuration,
		FallbackDuration: lo.FallbackDuration,
	}, log)
	if err != nil {
		log.Error("init", "err", err)
		return 2
	}
	defer closeFn()

	start := time.Now()
	lease, err := acquire(ctx)
	if err != nil {
		var te *leasing.TimeoutError
		switch {
		case errors.As(err, &te):
			log.Error("no account available", "timeout", te.Deadline.String(), "inUse", te.InUse)
		case errors.Is(err, leasing.ErrEmptyPool):
			log.Error("account pool has no accounts; seed it with account-pool-seed", "err", err)
		default:
			log.Error("acquire", "err", err)
		}
		return 1
	}

	if err := json.NewEncoder(stdout).Encode(leasing.NewLeaseDocument(lease)); err != nil {
		log.Error("write lease document", "err", err)
		return 1
	}
	log.Info("lease granted", "account", lease.AccountID, "elapsed", time.Since(start).String())
	return 0
}

func openAcquirer(ctx context.Context, so poolcli.StoreOptions, lo poolcli.LifecycleOptions, cfg leasing.AcquirerConfig, log *slog.Logger) (acquireFunc, func(), error) {
	rt, err := poolcli.Open(ctx, so, log)
	if err != nil {
		return nil, nil, err
	}
	deps, err := rt.Deps(lo, log)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	a, err := leasing.NewAcquirer(deps, cfg)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	return a.Acquire, rt.Close, nil
}
