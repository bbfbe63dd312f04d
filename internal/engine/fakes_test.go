package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/engine/condition"
	"statusflow/internal/registry"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return testNow.Add(-time.Duration(n) * 24 * time.Hour) }

type storeKey struct {
	kind domain.Kind
	id   string
}

type memStore struct {
	mu       sync.Mutex
	entities map[storeKey]domain.Entity
	fail     map[string]error
	updates  int
}

func newMemStore() *memStore {
	return &memStore{entities: map[storeKey]domain.Entity{}, fail: map[string]error{}}
}

func (s *memStore) put(e domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[storeKey{e.Kind, e.ID}] = e
}

func (s *memStore) get(kind domain.Kind, id string) domain.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[storeKey{kind, id}]
}

// setStatus simulates a concurrent writer.
func (s *memStore) setStatus(kind domain.Kind, id string, st domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[storeKey{kind, id}]
	e.Status = st
	s.entities[storeKey{kind, id}] = e
}

func (s *memStore) FindCandidates(_ context.Context, kind domain.Kind, statuses []domain.Status) ([]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[domain.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.Entity
	for k, e := range s.entities {
		if k.kind == kind && want[e.Status] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, kind domain.Kind, id string, u domain.StatusUpdate, expected domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[id]; err != nil {
		return err
	}
	e, ok := s.entities[storeKey{kind, id}]
	if !ok {
		return errors.New("not found")
	}
	if e.Status != expected {
		return domain.ErrConflict
	}
	e.Status = u.To
	e.StatusChangedAt = u.ChangedAt
	u.Derived.ApplyTo(&e)
	s.entities[storeKey{kind, id}] = e
	s.updates++
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	records []engine.AuditRecord
}

func (a *memAudit) Record(_ context.Context, rec engine.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memAudit) count(action string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.records {
		if r.Action == action {
			n++
		}
	}
	return n
}

type memNotifier struct {
	mu   sync.Mutex
	sent []engine.NotificationRequest
}

func (n *memNotifier) Enqueue(_ context.Context, req engine.NotificationRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, req)
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Store  *memStore
	Audit  *memAudit
	Notify *memNotifier
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, config.Default(), nil)
}

// newTestEnvWith builds an engine over cfg with extra predicates added to
// the condition set.
func newTestEnvWith(t *testing.T, cfg *config.Config, extra map[string]condition.Predicate) testEnv {
	t.Helper()
	opts := make([]condition.Option, 0, len(extra))
	for name, p := range extra {
		opts = append(opts, condition.WithPredicate(name, p))
	}
	conds, err := condition.NewSet(cfg.Conditions, opts...)
	require.NoError(t, err)
	reg, err := registry.Build(cfg, conds)
	require.NoError(t, err)

	store, audit, notify := newMemStore(), &memAudit{}, &memNotifier{}
	eng := engine.New(reg, conds, store, audit, notify)
	eng.Now = func() time.Time { return testNow }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{Engine: eng, Store: store, Audit: audit, Notify: notify, Ctx: context.Background()}
}

func entity(kind domain.Kind, id string, status domain.Status, changed time.Time) domain.Entity {
	return domain.Entity{ID: id, Kind: kind, Status: status, StatusChangedAt: changed}
}

// withKind swaps one kind's config in a copy of the default config.
func withKind(t *testing.T, kind domain.Kind, edit func(*config.KindConfig)) *config.Config {
	t.Helper()
	cfg := config.Default()
	kc := cfg.Kinds[kind.String()]
	edit(&kc)
	cfg.Kinds[kind.String()] = kc
	return cfg
}
