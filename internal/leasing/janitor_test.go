package leasing

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sandbox-infra/account-pool/internal/events"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

func (h *harness) janitor(t *testing.T, store pool.Store, cfg JanitorConfig) *Janitor {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = h.clock.Now
	}
	j, err := NewJanitor(store, h.releaser(t), cfg)
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	return j
}

func TestSweep_AgeThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness()
	put := func(id string, age time.Duration) {
		h.store.Put(pool.AccountRecord{AccountID: id, Status: pool.StatusFailed, LeaseTimestamp: pool.FormatTimestamp(t0.Add(-age))})
	}
	put("111111111111", 4*time.Hour)
	put("222222222222", 2*time.Hour)
	put("333333333333", 3*time.Hour)
	h.store.Put(pool.AccountRecord{AccountID: "444444444444", Status: pool.StatusInUse, LeaseTimestamp: pool.FormatTimestamp(t0.Add(-10 * time.Hour))})

	rep, err := h.janitor(t, h.store, JanitorConfig{}).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep != (SweepReport{Scanned: 3, Released: 1, Skipped: 2}) {
		t.Fatalf("report: %+v", rep)
	}

	want := map[string]pool.Status{
		"111111111111": pool.StatusAvailable,
		"222222222222": pool.StatusFailed,
		"333333333333": pool.StatusFailed, // exactly at the threshold is still inside the window
		"444444444444": pool.StatusInUse,  // only FAILED accounts are swept
	}
	for id, st := range want {
		if got := h.record(t, id).Status; got != st {
			t.Fatalf("%s: got %s want %s", id, got, st)
		}
	}
}

func TestSweep_MissingOrCorruptTimestampIsReclaimedImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed})
	h.store.Put(pool.AccountRecord{AccountID: "222222222222", Status: pool.StatusFailed, LeaseTimestamp: "yesterday-ish"})
	// Naive timestamps from the legacy scripts are read as UTC.
	h.store.Put(pool.AccountRecord{AccountID: "333333333333", Status: pool.StatusFailed, LeaseTimestamp: "2026-02-09T11:30:00.123456"})

	rep, err := h.janitor(t, h.store, JanitorConfig{}).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Released != 2 || rep.Skipped != 1 {
		t.Fatalf("report: %+v", rep)
	}
	for _, id := range []string{"111111111111", "222222222222"} {
		if got := h.record(t, id).Status; got != pool.StatusAvailable {
			t.Fatalf("%s: got %s want AVAILABLE", id, got)
		}
	}
}

func TestSweep_PerAccountFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	h := newHarness()
	for _, id := range []string{"111111111111", "222222222222", "333333333333"} {
		h.store.Put(pool.AccountRecord{AccountID: id, Status: pool.StatusFailed})
	}
	h.sanitizer.failOn["222222222222"] = true

	rep, err := h.janitor(t, h.store, JanitorConfig{}).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Released != 2 || rep.Failed != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if got := h.record(t, "222222222222").Status; got != pool.StatusDirty {
		t.Fatalf("failed reclaim: got %s want DIRTY", got)
	}
	if got := h.record(t, "333333333333").Status; got != pool.StatusAvailable {
		t.Fatalf("later account: got %s want AVAILABLE", got)
	}
}

func TestSweep_ScanError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	fs := &flakyStore{Store: h.store, failScans: 1}
	if _, err := h.janitor(t, fs, JanitorConfig{}).Sweep(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestSweep_OverlappingSweepsReclaimOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed})

	const sweepers = 4
	reports := make([]SweepReport, sweepers)
	var wg sync.WaitGroup
	for i := 0; i < sweepers; i++ {
		j := h.janitor(t, h.store, JanitorConfig{})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := j.Sweep(context.Background())
			if err != nil {
				t.Errorf("Sweep: %v", err)
			}
			reports[i] = rep
		}(i)
	}
	wg.Wait()

	released := 0
	for _, rep := range reports {
		released += rep.Released
	}
	if released != 1 {
		t.Fatalf("released %d times: %+v", released, reports)
	}
	if got := h.record(t, "111111111111").Status; got != pool.StatusAvailable {
		t.Fatalf("final status: got %s", got)
	}
}

// staleScanStore returns a real scan and then lets the test change the store
// before the janitor acts on the snapshot.
type staleScanStore struct {
	pool.Store
	afterScan func()
}

func (s *staleScanStore) ScanByStatus(ctx context.Context, st pool.Status) ([]pool.AccountRecord, error) {
	recs, err := s.Store.ScanByStatus(ctx, st)
	if s.afterScan != nil {
		s.afterScan()
	}
	return recs, err
}

func TestSweep_StaleScanDoesNotTouchReleasedAccount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		after pool.AccountRecord
	}{
		{
			name:  "re-leased",
			after: pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusInUse, LeaseTimestamp: pool.FormatTimestamp(t0)},
		},
		{
			name:  "failed again recently",
			after: pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed, LeaseTimestamp: pool.FormatTimestamp(t0.Add(-time.Minute))},
		},
		{
			name:  "available",
			after: pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusAvailable},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness()
			h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed, LeaseTimestamp: pool.FormatTimestamp(t0.Add(-4 * time.Hour))})
			store := &staleScanStore{Store: h.store, afterScan: func() { h.store.Put(tc.after) }}

			rep, err := h.janitor(t, store, JanitorConfig{}).Sweep(context.Background())
			if err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			if rep != (SweepReport{Scanned: 1, Skipped: 1}) {
				t.Fatalf("report: %+v", rep)
			}
			if len(h.broker.Calls()) != 0 || len(h.sanitizer.Wiped()) != 0 || len(h.identity.Ops()) != 0 {
				t.Fatalf("account changed since the scan must not be reclaimed")
			}
			if got := h.record(t, "111111111111"); got != tc.after {
				t.Fatalf("record: got %+v want %+v", got, tc.after)
			}
		})
	}
}

func TestReclaim_RequiresFailedStatus(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seedLeased(h, "111111111111", pool.StatusInUse)

	got, err := h.releaser(t).Reclaim(context.Background(), "111111111111", t0)
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected *InvalidStateError, got %v", err)
	}
	if got != pool.StatusInUse {
		t.Fatalf("reported status: got %s", got)
	}
	if want := "Account 111111111111 is not FAILED (current status: IN_USE)"; err.Error() != want {
		t.Fatalf("message: got %q want %q", err.Error(), want)
	}
	if len(h.sanitizer.Wiped()) != 0 {
		t.Fatalf("sanitizer must not run")
	}
}

func TestReclaim_CutoffIsRecheckedOnFreshRecord(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seedLeased(h, "111111111111", pool.StatusFailed) // leased one hour before t0
	r := h.releaser(t)

	if _, err := r.Reclaim(context.Background(), "111111111111", t0.Add(-time.Hour)); !errors.Is(err, ErrTooRecent) {
		t.Fatalf("expected ErrTooRecent at the cutoff, got %v", err)
	}
	got, err := r.Reclaim(context.Background(), "111111111111", t0)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if got != pool.StatusAvailable {
		t.Fatalf("new status: got %s", got)
	}
	if kinds := h.events.Kinds(); !reflect.DeepEqual(kinds, []events.Kind{events.KindReclaimed}) {
		t.Fatalf("events: %v", kinds)
	}
}

type scriptedGate struct {
	mu        sync.Mutex
	grant     bool
	begins    int
	finished  []SweepReport
	abandoned int
	onBegin   func()
}

func (g *scriptedGate) Begin(context.Context) (bool, error) {
	g.mu.Lock()
	g.begins++
	on := g.onBegin
	g.mu.Unlock()
	if on != nil {
		on()
	}
	return g.grant, nil
}

func (g *scriptedGate) Finish(_ context.Context, rep SweepReport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finished = append(g.finished, rep)
	return nil
}

func (g *scriptedGate) Abandon(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abandoned++
	return nil
}

func TestSweepOnce_Gate(t *testing.T) {
	t.Parallel()

	t.Run("refused", func(t *testing.T) {
		t.Parallel()

		h := newHarness()
		h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed})
		g := &scriptedGate{grant: false}

		_, ran, err := h.janitor(t, h.store, JanitorConfig{Gate: g}).SweepOnce(context.Background())
		if err != nil || ran {
			t.Fatalf("SweepOnce: ran=%v err=%v", ran, err)
		}
		if len(g.finished) != 0 || g.abandoned != 0 {
			t.Fatalf("refused sweep must not report: %+v", g)
		}
		if got := h.record(t, "111111111111").Status; got != pool.StatusFailed {
			t.Fatalf("status: got %s", got)
		}
	})

	t.Run("granted", func(t *testing.T) {
		t.Parallel()

		h := newHarness()
		h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed})
		g := &scriptedGate{grant: true}

		rep, ran, err := h.janitor(t, h.store, JanitorConfig{Gate: g}).SweepOnce(context.Background())
		if err != nil || !ran {
			t.Fatalf("SweepOnce: ran=%v err=%v", ran, err)
		}
		if want := (SweepReport{Scanned: 1, Released: 1}); rep != want || !reflect.DeepEqual(g.finished, []SweepReport{want}) {
			t.Fatalf("report %+v, gate saw %+v", rep, g.finished)
		}
	})

	t.Run("scan error abandons", func(t *testing.T) {
		t.Parallel()

		h := newHarness()
		g := &scriptedGate{grant: true}
		fs := &flakyStore{Store: h.store, failScans: 1}

		_, ran, err := h.janitor(t, fs, JanitorConfig{Gate: g}).SweepOnce(context.Background())
		if !ran || !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("SweepOnce: ran=%v err=%v", ran, err)
		}
		if g.abandoned != 1 || len(g.finished) != 0 {
			t.Fatalf("gate: abandoned=%d finished=%v", g.abandoned, g.finished)
		}
	})
}

func TestRun_RefusedTickSkipsSweep(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := &scriptedGate{grant: false, onBegin: cancel}

	j := h.janitor(t, h.store, JanitorConfig{Gate: g})
	if err := j.Run(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if g.begins != 1 {
		t.Fatalf("gate calls: got %d want 1", g.begins)
	}
	if got := h.record(t, "111111111111").Status; got != pool.StatusFailed {
		t.Fatalf("refused replica must not sweep: got %s", got)
	}
}

type cancellingReclaimer struct {
	inner  Reclaimer
	cancel context.CancelFunc
	ids    []string
}

func (r *cancellingReclaimer) Reclaim(ctx context.Context, id string, cutoff time.Time) (pool.Status, error) {
	r.ids = append(r.ids, id)
	st, err := r.inner.Reclaim(ctx, id, cutoff)
	r.cancel()
	return st, err
}

func TestRun_GrantedSweepsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: pool.StatusFailed})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc := &cancellingReclaimer{inner: h.releaser(t), cancel: cancel}
	g := &scriptedGate{grant: true}

	j, err := NewJanitor(h.store, rc, JanitorConfig{Gate: g, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	if err := j.Run(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(rc.ids) != 1 {
		t.Fatalf("reclaims: %v", rc.ids)
	}
	if got := h.record(t, "111111111111").Status; got != pool.StatusAvailable {
		t.Fatalf("status: got %s", got)
	}
	// Cancellation arrived mid-sweep; the finished sweep is still recorded.
	if len(g.finished) != 1 {
		t.Fatalf("gate finished: %v", g.finished)
	}
}

func TestJanitor_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	if _, err := NewJanitor(nil, h.releaser(t), JanitorConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewJanitor(h.store, nil, JanitorConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	j := h.janitor(t, h.store, JanitorConfig{})
	if err := j.Run(context.Background(), 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
