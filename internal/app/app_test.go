package app_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/app"
	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/events"
	"statusflow/internal/lock"
	"statusflow/internal/registry"
	"statusflow/internal/repo"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func openApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Logger:    app.NewLogger(io.Discard, "debug", "text"),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSaveEntityUsesInitialStatus(t *testing.T) {
	ctx := context.Background()
	a := openApp(t)

	saved, created, err := a.SaveEntity(ctx, domain.Entity{Kind: domain.KindExpense, ID: "e1", Amount: 120}, domain.Actor{ID: "root"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.Status("pending"), saved.Status)

	_, created, err = a.SaveEntity(ctx, domain.Entity{Kind: domain.KindExpense, ID: "e1", Amount: 150}, domain.Actor{ID: "root"})
	require.NoError(t, err)
	assert.False(t, created)

	evts, err := a.Repo.LatestEvents(ctx, repo.EventFilters{EntityID: "e1"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.TypeEntityUpdated, evts[0].Type)
	assert.Equal(t, events.TypeEntityCreated, evts[1].Type)
}

func TestSaveEntityRejectsUnknownStatusAndKind(t *testing.T) {
	ctx := context.Background()
	a := openApp(t)

	_, _, err := a.SaveEntity(ctx, domain.Entity{Kind: domain.KindExpense, ID: "e1", Status: "lost"}, domain.Actor{ID: "root"})
	var cfgErr *registry.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, engine.IsConfigurationError(err))

	_, _, err = a.SaveEntity(ctx, domain.Entity{Kind: domain.Kind(200), ID: "x"}, domain.Actor{ID: "root"})
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestTransitionResolvesRoleCapabilities(t *testing.T) {
	ctx := context.Background()
	a := openApp(t)
	require.NoError(t, a.Repo.AssignRole(ctx, nil, "alice", "member"))
	require.NoError(t, a.Repo.AssignRole(ctx, nil, "bob", "manager"))
	_, _, err := a.SaveEntity(ctx, domain.Entity{Kind: domain.KindTimeEntry, ID: "t1"}, domain.Actor{ID: "alice"})
	require.NoError(t, err)

	res, err := a.Transition(ctx, domain.KindTimeEntry, "t1", "submitted", domain.Actor{ID: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "submitted for validation", res.Reason)

	res, err = a.Transition(ctx, domain.KindTimeEntry, "t1", "validated", domain.Actor{ID: "alice"})
	require.NoError(t, err)
	require.NotNil(t, res.Denial)
	assert.True(t, res.Denial.IsPermission())

	avail, err := a.Available(ctx, domain.KindTimeEntry, "t1", domain.Actor{ID: "bob"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Status{"draft", "validated", "rejected"}, avail)

	res, err = a.Transition(ctx, domain.KindTimeEntry, "t1", "validated", domain.Actor{ID: "bob"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, "bob", res.Entity.ValidatedBy)

	_, err = a.Transition(ctx, domain.KindTimeEntry, "missing", "submitted", domain.Actor{ID: "bob"})
	assert.True(t, app.IsNotFound(err))
}

func TestSystemActorHoldsEveryCapability(t *testing.T) {
	a := openApp(t)
	caps, err := a.Capabilities(context.Background(), domain.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, domain.AllCapabilities(), caps)
}

func TestRunPassAppliesDueAutoTransitions(t *testing.T) {
	ctx := context.Background()
	a := openApp(t)
	_, _, err := a.SaveEntity(ctx, domain.Entity{
		Kind: domain.KindTimeEntry, ID: "old", Status: "submitted", StatusChangedAt: now.Add(-8 * 24 * time.Hour),
	}, domain.Actor{ID: "root"})
	require.NoError(t, err)
	_, _, err = a.SaveEntity(ctx, domain.Entity{
		Kind: domain.KindTimeEntry, ID: "fresh", Status: "submitted", StatusChangedAt: now.Add(-2 * 24 * time.Hour),
	}, domain.Actor{ID: "root"})
	require.NoError(t, err)

	locker := &lock.Local{Now: func() time.Time { return now }}
	summary, skipped, err := a.RunPass(ctx, []domain.Kind{domain.KindTimeEntry}, locker, time.Minute)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, 1, summary.TotalTransitioned)

	old, err := a.Repo.GetEntity(ctx, domain.KindTimeEntry, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.Status("validated"), old.Status)
	assert.Equal(t, domain.SystemActor.ID, old.ValidatedBy)

	fresh, err := a.Repo.GetEntity(ctx, domain.KindTimeEntry, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.Status("submitted"), fresh.Status)

	// the lock was released, so a second pass runs and finds nothing due
	summary, skipped, err = a.RunPass(ctx, []domain.Kind{domain.KindTimeEntry}, locker, time.Minute)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, 0, summary.TotalTransitioned)
}

func TestRepeatedPassesNotifyOncePerStay(t *testing.T) {
	ctx := context.Background()
	a := openApp(t)
	_, _, err := a.SaveEntity(ctx, domain.Entity{
		Kind: domain.KindWorkItem, ID: "stalled", Status: "in_progress", AssigneeID: "dev", StatusChangedAt: now.Add(-20 * 24 * time.Hour),
	}, domain.Actor{ID: "root"})
	require.NoError(t, err)

	locker := &lock.Local{Now: func() time.Time { return now }}
	for i := 0; i < 3; i++ {
		_, skipped, err := a.RunPass(ctx, []domain.Kind{domain.KindWorkItem}, locker, time.Minute)
		require.NoError(t, err)
		require.False(t, skipped)
	}

	sent, err := a.Repo.ListNotifications(ctx, repo.NotificationFilters{RecipientID: "dev"})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "stalled", sent[0].EntityID)
}

func TestRunPassSkipsWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	a := openApp(t)
	locker := &lock.Local{}
	release, err := locker.Acquire(ctx, app.PassLockKey, time.Minute)
	require.NoError(t, err)
	defer release(ctx)

	summary, skipped, err := a.RunPass(ctx, nil, locker, time.Minute)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Empty(t, summary.PerKind)
}

func TestOpenRejectsBrokenRegistry(t *testing.T) {
	cfg := config.Default()
	kc := cfg.Kinds["expense"]
	kc.Initial = "nowhere"
	cfg.Kinds["expense"] = kc

	_, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, Logger: app.NewLogger(io.Discard, "", "")})
	require.Error(t, err)
	assert.True(t, engine.IsConfigurationError(err))
}
