package leasing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandbox-infra/account-pool/internal/broker"
	"github.com/sandbox-infra/account-pool/internal/events"
	"github.com/sandbox-infra/account-pool/internal/identity"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

var t0 = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type brokerCall struct {
	AccountID string
	Duration  time.Duration
}

// fakeBroker issues credentials whose key id embeds the account so later fakes can tell accounts apart.
type fakeBroker struct {
	mu          sync.Mutex
	calls       []brokerCall
	maxDuration time.Duration
	err         error
}

func (b *fakeBroker) AssumeElevated(_ context.Context, accountID string, d time.Duration) (broker.Credentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, brokerCall{AccountID: accountID, Duration: d})
	if b.err != nil {
		return broker.Credentials{}, b.err
	}
	if b.maxDuration > 0 && d > b.maxDuration {
		return broker.Credentials{}, broker.ErrValidationRejected
	}
	return broker.Credentials{AccessKeyID: "ASIA-" + accountID, SecretAccessKey: "elevated", SessionToken: "token"}, nil
}

func (b *fakeBroker) Calls() []brokerCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]brokerCall(nil), b.calls...)
}

type fakeSanitizer struct {
	mu     sync.Mutex
	failOn map[string]bool
	wiped  []string
}

func (s *fakeSanitizer) Wipe(_ context.Context, accountID string, creds broker.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if creds.AccessKeyID != "ASIA-"+accountID {
		return errors.New("wrong credentials for account")
	}
	s.wiped = append(s.wiped, accountID)
	if s.failOn[accountID] {
		return errors.New("cloud-nuke: DependencyViolation")
	}
	return nil
}

func (s *fakeSanitizer) Wiped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wiped...)
}

// fakeIdentity tracks one ephemeral user per account.
type fakeIdentity struct {
	mu           sync.Mutex
	users        map[string]bool
	ops          []string
	teardownErr  error
	provisionErr error
}

func accountOf(creds broker.Credentials) string {
	return strings.TrimPrefix(creds.AccessKeyID, "ASIA-")
}

func (f *fakeIdentity) Teardown(_ context.Context, creds broker.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := accountOf(creds)
	f.ops = append(f.ops, "teardown:"+acct)
	if f.teardownErr != nil {
		return f.teardownErr
	}
	delete(f.users, acct)
	return nil
}

func (f *fakeIdentity) Provision(_ context.Context, creds broker.Credentials) (identity.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := accountOf(creds)
	f.ops = append(f.ops, "provision:"+acct)
	if f.provisionErr != nil {
		return identity.AccessKey{}, f.provisionErr
	}
	if f.users == nil {
		f.users = make(map[string]bool)
	}
	if f.users[acct] {
		return identity.AccessKey{}, errors.New("EntityAlreadyExists")
	}
	f.users[acct] = true
	return identity.AccessKey{UserName: identity.DefaultUserName, AccessKeyID: "AKIA-" + acct, SecretAccessKey: "user-secret"}, nil
}

func (f *fakeIdentity) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Version)
	}
	return out
}

// flakyStore injects store failures around a real MemoryStore.
type flakyStore struct {
	pool.Store

	mu            sync.Mutex
	countErr      error
	failCounts    int
	getErr        error
	failScans     int
	transitionErr error
}

func (s *flakyStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	fail := s.failCounts > 0
	if fail {
		s.failCounts--
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.New("RequestLimitExceeded")
	}
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.Store.Count(ctx)
}

func (s *flakyStore) Get(ctx context.Context, id string) (pool.AccountRecord, error) {
	if s.getErr != nil {
		return pool.AccountRecord{}, s.getErr
	}
	return s.Store.Get(ctx, id)
}

func (s *flakyStore) ScanByStatus(ctx context.Context, st pool.Status) ([]pool.AccountRecord, error) {
	s.mu.Lock()
	fail := s.failScans > 0
	if fail {
		s.failScans--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("ProvisionedThroughputExceededException")
	}
	return s.Store.ScanByStatus(ctx, st)
}

func (s *flakyStore) Transition(ctx context.Context, id string, expected, next pool.Status, op pool.TimestampOp) error {
	if s.transitionErr != nil {
		return s.transitionErr
	}
	return s.Store.Transition(ctx, id, expected, next, op)
}

type harness struct {
	clock     *fakeClock
	store     *pool.MemoryStore
	broker    *fakeBroker
	sanitizer *fakeSanitizer
	identity  *fakeIdentity
	events    *recordingPublisher
}

func newHarness(ids ...string) *harness {
	clock := newFakeClock()
	h := &harness{
		clock:     clock,
		store:     pool.NewMemoryStore(clock.Now),
		broker:    &fakeBroker{},
		sanitizer: &fakeSanitizer{failOn: map[string]bool{}},
		identity:  &fakeIdentity{},
		events:    &recordingPublisher{},
	}
	for _, id := range ids {
		h.store.Put(pool.AccountRecord{AccountID: id, Status: pool.StatusAvailable})
	}
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Store:     h.store,
		Broker:    h.broker,
		Sanitizer: h.sanitizer,
		Identity:  h.identity,
		Events:    h.events,
		Now:       h.clock.Now,
	}
}

func (h *harness) acquirer(t *testing.T, cfg AcquirerConfig) *Acquirer {
	t.Helper()
	if cfg.Sleep == nil {
		cfg.Sleep = h.clock.Sleep
	}
	a, err := NewAcquirer(h.deps(), cfg)
	if err != nil {
		t.Fatalf("NewAcquirer: %v", err)
	}
	return a
}

func (h *harness) releaser(t *testing.T) *Releaser {
	t.Helper()
	r, err := NewReleaser(h.deps(), ReleaserConfig{})
	if err != nil {
		t.Fatalf("NewReleaser: %v", err)
	}
	return r
}

func (h *harness) record(t *testing.T, id string) pool.AccountRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec
}
