package leasing

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sandbox-infra/account-pool/internal/events"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

func seedLeased(h *harness, id string, st pool.Status) {
	h.store.Put(pool.AccountRecord{AccountID: id, Status: st, LeaseTimestamp: pool.FormatTimestamp(t0.Add(-time.Hour))})
}

func TestRelease_ToAvailable(t *testing.T) {
	t.Parallel()

	for _, from := range []pool.Status{pool.StatusInUse, pool.StatusFailed} {
		from := from
		t.Run(string(from), func(t *testing.T) {
			t.Parallel()

			h := newHarness()
			seedLeased(h, "111111111111", from)
			r := h.releaser(t)

			got, err := r.Release(context.Background(), "111111111111", pool.StatusAvailable)
			if err != nil {
				t.Fatalf("Release: %v", err)
			}
			if got != pool.StatusAvailable {
				t.Fatalf("new status: got %s", got)
			}
			rec := h.record(t, "111111111111")
			if rec.Status != pool.StatusAvailable || rec.LeaseTimestamp != "" {
				t.Fatalf("unexpected record: %+v", rec)
			}
			if calls := h.broker.Calls(); len(calls) != 1 || calls[0].Duration != time.Hour {
				t.Fatalf("broker calls: %+v", calls)
			}
			if ops := h.identity.Ops(); !reflect.DeepEqual(ops, []string{"teardown:111111111111"}) {
				t.Fatalf("identity ops: %v", ops)
			}
			if kinds := h.events.Kinds(); !reflect.DeepEqual(kinds, []events.Kind{events.KindReleased}) {
				t.Fatalf("events: %v", kinds)
			}
		})
	}
}

func TestRelease_ToFailedKeepsTimestampAndSkipsReclamation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seedLeased(h, "111111111111", pool.StatusInUse)
	before := h.record(t, "111111111111").LeaseTimestamp
	h.clock.Advance(time.Hour)

	got, err := h.releaser(t).Release(context.Background(), "111111111111", pool.StatusFailed)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got != pool.StatusFailed {
		t.Fatalf("new status: got %s", got)
	}
	rec := h.record(t, "111111111111")
	if rec.Status != pool.StatusFailed || rec.LeaseTimestamp != before {
		t.Fatalf("expected FAILED with original timestamp %q, got %+v", before, rec)
	}
	if len(h.broker.Calls()) != 0 || len(h.sanitizer.Wiped()) != 0 || len(h.identity.Ops()) != 0 {
		t.Fatalf("reclamation must be skipped for FAILED")
	}
}

func TestRelease_NotLeased(t *testing.T) {
	t.Parallel()

	for _, st := range []pool.Status{pool.StatusAvailable, pool.StatusDirty} {
		st := st
		t.Run(string(st), func(t *testing.T) {
			t.Parallel()

			h := newHarness()
			h.store.Put(pool.AccountRecord{AccountID: "111111111111", Status: st})

			got, err := h.releaser(t).Release(context.Background(), "111111111111", pool.StatusAvailable)
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
			if got != st {
				t.Fatalf("reported status: got %s want %s", got, st)
			}
			want := "Account 111111111111 is not leased (current status: " + string(st) + ")"
			if err.Error() != want {
				t.Fatalf("message: got %q want %q", err.Error(), want)
			}
			if h.record(t, "111111111111").Status != st {
				t.Fatalf("record must be unchanged")
			}

			raw, err := json.Marshal(NewErrorDocument("111111111111", err))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if doc["status"] != "error" || doc["current_status"] != string(st) || doc["account_id"] != "111111111111" {
				t.Fatalf("unexpected error document: %s", raw)
			}
		})
	}
}

func TestRelease_UnknownAccount(t *testing.T) {
	t.Parallel()

	h := newHarness()
	_, err := h.releaser(t).Release(context.Background(), "999999999999", pool.StatusAvailable)
	if !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	raw, _ := json.Marshal(NewErrorDocument("999999999999", err))
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	if _, ok := doc["current_status"]; ok {
		t.Fatalf("current_status must be omitted for unknown accounts: %s", raw)
	}
}

func TestRelease_InvalidTarget(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seedLeased(h, "111111111111", pool.StatusInUse)
	for _, target := range []pool.Status{pool.StatusDirty, pool.StatusInUse, ""} {
		if _, err := h.releaser(t).Release(context.Background(), "111111111111", target); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("target %q: expected ErrInvalidInput, got %v", target, err)
		}
	}
}

func TestRelease_GetErrorIsStoreUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness()
	d := h.deps()
	d.Store = &flakyStore{Store: h.store, getErr: errors.New("RequestTimeout")}
	r, err := NewReleaser(d, ReleaserConfig{})
	if err != nil {
		t.Fatalf("NewReleaser: %v", err)
	}
	if _, err := r.Release(context.Background(), "111111111111", pool.StatusAvailable); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRelease_BrokenReclamationMarksDirty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		setup        func(h *harness)
		wantSentinel error
		wantTeardown bool
	}{
		{
			name:         "sanitizer failure",
			setup:        func(h *harness) { h.sanitizer.failOn["111111111111"] = true },
			wantSentinel: ErrSanitizeFailed,
		},
		{
			name:  "broker failure",
			setup: func(h *harness) { h.broker.err = errors.New("AccessDenied") },
		},
		{
			name:         "teardown failure",
			setup:        func(h *harness) { h.identity.teardownErr = errors.New("Throttling") },
			wantTeardown: true,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness()
			seedLeased(h, "111111111111", pool.StatusInUse)
			tc.setup(h)

			got, err := h.releaser(t).Release(context.Background(), "111111111111", pool.StatusAvailable)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantSentinel != nil && !errors.Is(err, tc.wantSentinel) {
				t.Fatalf("expected %v, got %v", tc.wantSentinel, err)
			}
			if got != pool.StatusDirty {
				t.Fatalf("new status: got %s want DIRTY", got)
			}
			rec := h.record(t, "111111111111")
			if rec.Status != pool.StatusDirty || rec.LeaseTimestamp != "" {
				t.Fatalf("expected DIRTY with cleared timestamp, got %+v", rec)
			}
			if tore := len(h.identity.Ops()) > 0; tore != tc.wantTeardown {
				t.Fatalf("teardown attempted=%v want %v", tore, tc.wantTeardown)
			}
			if kinds := h.events.Kinds(); !reflect.DeepEqual(kinds, []events.Kind{events.KindDirty}) {
				t.Fatalf("events: %v", kinds)
			}
		})
	}
}

func TestRelease_DirtyTransitionFailureKeepsStatus(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seedLeased(h, "111111111111", pool.StatusInUse)
	h.sanitizer.failOn["111111111111"] = true
	d := h.deps()
	d.Store = &flakyStore{Store: h.store, transitionErr: errors.New("connection reset")}
	r, err := NewReleaser(d, ReleaserConfig{})
	if err != nil {
		t.Fatalf("NewReleaser: %v", err)
	}

	got, err := r.Release(context.Background(), "111111111111", pool.StatusAvailable)
	if !errors.Is(err, ErrSanitizeFailed) || !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected both sanitize and store errors, got %v", err)
	}
	if got != pool.StatusInUse {
		t.Fatalf("reported status: got %s want IN_USE", got)
	}
}

func TestLeaseDocument_JSONShape(t *testing.T) {
	t.Parallel()

	doc := NewLeaseDocument(Lease{AccountID: "111111111111"})
	doc.Credentials.AccessKeyID = "AKIA"
	doc.Credentials.SecretAccessKey = "secret"
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"account_id":"111111111111","status":"success","credentials":{"AccessKeyId":"AKIA","SecretAccessKey":"secret","SessionToken":null,"Expiration":null}}`
	if string(raw) != want {
		t.Fatalf("document:\n got %s\nwant %s", raw, want)
	}
}
