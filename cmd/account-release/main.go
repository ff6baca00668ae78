// Command account-release returns a leased sandbox account to the pool, or
// parks it as FAILED for inspection.
//
//	account-release [flags] <account_id> [--status AVAILABLE|FAILED]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sandbox-infra/account-pool/internal/leasing"
	"github.com/sandbox-infra/account-pool/internal/pool"
	"github.com/sandbox-infra/account-pool/internal/poolcli"
)

type releaseFunc func(ctx context.Context, accountID string, target pool.Status) (pool.Status, error)

type opener func(ctx context.Context, so poolcli.StoreOptions, lo poolcli.LifecycleOptions, cfg leasing.ReleaserConfig, log *slog.Logger) (releaseFunc, func(), error)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, log, openReleaser))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, log *slog.Logger, open opener) int {
	var (
		so poolcli.StoreOptions
		lo poolcli.LifecycleOptions
	)
	fs := flag.NewFlagSet("account-release", flag.ContinueOnError)
	fs.SetOutput(stderr)
	so.Register(fs)
	lo.Register(fs, "ReleaseSession", leasing.DefaultReleaseSessionDuration)
	status := fs.String("status", string(pool.StatusAvailable), "status to release to: AVAILABLE|FAILED")

	accountID, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	target, err := pool.ParseStatus(*status)
	if err != nil || (target != pool.StatusAvailable && target != pool.StatusFailed) {
		writeError(stderr, accountID, fmt.Errorf("invalid --status %q: must be AVAILABLE or FAILED", *status))
		return 2
	}

	release, closeFn, err := open(ctx, so, lo, leasing.ReleaserConfig{
		SessionDuration:  lo.SessionDuration,
		FallbackDuration: lo.FallbackDuration,
	}, log)
	if err != nil {
		log.Error("init", "err", err)
		return 2
	}
	defer closeFn()

	newStatus, err := release(ctx, accountID, target)
	if err != nil {
		log.Error("release", "account", accountID, "status", string(newStatus), "err", err)
		writeError(stderr, accountID, err)
		return 1
	}
	if err := json.NewEncoder(stdout).Encode(leasing.NewReleaseDocument(accountID, newStatus)); err != nil {
		log.Error("write release document", "err", err)
		return 1
	}
	return 0
}

// parseArgs accepts flags on either side of the account id.
func parseArgs(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", fmt.Errorf("usage: %s [flags] <account_id>", fs.Name())
	}
	accountID := strings.TrimSpace(fs.Arg(0))
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if accountID == "" {
		return "", fmt.Errorf("account id must not be empty")
	}
	return accountID, nil
}

func writeError(w io.Writer, accountID string, err error) {
	_ = json.NewEncoder(w).Encode(leasing.NewErrorDocument(accountID, err))
}

func openReleaser(ctx context.Context, so poolcli.StoreOptions, lo poolcli.LifecycleOptions, cfg leasing.ReleaserConfig, log *slog.Logger) (releaseFunc, func(), error) {
	rt, err := poolcli.Open(ctx, so, log)
	if err != nil {
		return nil, nil, err
	}
	deps, err := rt.Deps(lo, log)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	r, err := leasing.NewReleaser(deps, cfg)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	return r.Release, rt.Close, nil
}
