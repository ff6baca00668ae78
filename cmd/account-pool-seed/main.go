// Command account-pool-seed registers accounts in the pool as AVAILABLE.
// Accounts that already exist are left untouched, whatever their status.
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
	"regexp"
	"strings"
	"syscall"

	"github.com/sandbox-infra/account-pool/internal/poolcli"
)

var accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

type registrar interface {
	Register(ctx context.Context, accountID string) (bool, error)
}

type opener func(ctx context.Context, so poolcli.StoreOptions, log *slog.Logger) (registrar, func(), error)

type seedResult struct {
	Registered []string `json:"registered"`
	Existing   []string `json:"existing"`
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, log, openStore))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, log *slog.Logger, open opener) int {
	var (
		so       poolcli.StoreOptions
		accounts stringListFlag
	)
	fs := flag.NewFlagSet("account-pool-seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	so.Register(fs)
	fs.Var(&accounts, "account", "12-digit AWS account id to register (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	ids, err := collectAccountIDs(accounts, fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	store, closeFn, err := open(ctx, so, log)
	if err != nil {
		log.Error("init", "err", err)
		return 2
	}
	defer closeFn()

	res := seedResult{Registered: []string{}, Existing: []string{}}
	for _, id := range ids {
		created, err := store.Register(ctx, id)
		if err != nil {
			log.Error("register account", "account", id, "err", err)
			return 1
		}
		if created {
			log.Info("registered account", "account", id)
			res.Registered = append(res.Registered, id)
		} else {
			log.Info("account already in pool", "account", id)
			res.Existing = append(res.Existing, id)
		}
	}

	if err := json.NewEncoder(stdout).Encode(res); err != nil {
		log.Error("write result", "err", err)
		return 1
	}
	return 0
}

func collectAccountIDs(flagged, positional []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, id := range append(append([]string(nil), flagged...), positional...) {
		id = strings.TrimSpace(id)
		if !accountIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid account id %q: must be 12 digits", id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one --account is required")
	}
	return out, nil
}

func openStore(ctx context.Context, so poolcli.StoreOptions, log *slog.Logger) (registrar, func(), error) {
	rt, err := poolcli.Open(ctx, so, log)
	if err != nil {
		return nil, nil, err
	}
	return rt.Store, rt.Close, nil
}
