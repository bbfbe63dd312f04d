// Package app wires the database, the registry and the engine for the CLI
// and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"statusflow/internal/config"
	"statusflow/internal/db"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/engine/auth"
	"statusflow/internal/engine/condition"
	"statusflow/internal/events"
	"statusflow/internal/lock"
	"statusflow/internal/metrics"
	"statusflow/internal/migrate"
	"statusflow/internal/registry"
	"statusflow/internal/repo"
)

type Options struct {
	Workspace string
	DBPath    string
	// Config overrides the workspace registry file when set.
	Config      *config.Config
	Logger      *slog.Logger
	Now         func() time.Time
	Concurrency int
}

type App struct {
	DB         *sql.DB
	Config     *config.Config
	Conditions *condition.Set
	Registry   *registry.Registry
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Service
	Metrics    *metrics.Recorder
	Engine     engine.Engine
	Logger     *slog.Logger
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// BuildRegistry compiles the named conditions and the registry from cfg.
func BuildRegistry(cfg *config.Config) (*condition.Set, *registry.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	conds, err := condition.NewSet(cfg.Conditions)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Build(cfg, conds)
	if err != nil {
		return nil, nil, err
	}
	return conds, reg, nil
}

// Open opens and migrates the workspace database, loads the registry and
// wires the engine. The registry falls back to the built-in default when
// the workspace has no file.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conds, reg, err := BuildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		DB:         conn,
		Config:     cfg,
		Conditions: conds,
		Registry:   reg,
		Repo:       repo.Repo{DB: conn, Now: now},
		Events:     events.Writer{DB: conn, Now: now},
		Auth:       auth.Service{DB: conn},
		Metrics:    metrics.New(),
		Logger:     logger,
	}
	eng := engine.New(reg, conds, a.Repo, a.Events, a.Repo)
	eng.Observer = a.Metrics
	eng.Logger = logger
	eng.Now = now
	eng.Concurrency = opts.Concurrency
	eng.Listeners = []engine.Listener{engine.ListenerFunc(func(_ context.Context, c engine.StatusChange) {
		logger.Debug("status changed",
			"kind", c.Kind.String(), "id", c.EntityID,
			"from", string(c.From), "to", string(c.To), "actor", c.Actor.ID)
	})}
	a.Engine = eng
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Capabilities resolves the caller's capabilities. The system actor holds
// all of them.
func (a *App) Capabilities(ctx context.Context, actor domain.Actor) (domain.CapabilitySet, error) {
	if actor.System {
		return domain.AllCapabilities(), nil
	}
	return a.Auth.ActorCapabilities(ctx, actor.ID)
}

// SaveEntity creates an entity in its kind's initial status, or refreshes
// the attributes of an existing one. An explicit status on create must be
// declared for the kind.
func (a *App) SaveEntity(ctx context.Context, e domain.Entity, actor domain.Actor) (domain.Entity, bool, error) {
	if !e.Kind.Valid() {
		return domain.Entity{}, false, domain.ErrUnknownKind
	}
	if e.Status == "" {
		initial, err := a.Registry.Initial(e.Kind)
		if err != nil {
			return domain.Entity{}, false, err
		}
		e.Status = initial
	} else if !a.Registry.HasStatus(e.Kind, e.Status) {
		return domain.Entity{}, false, &registry.ConfigurationError{Kind: e.Kind.String(), Status: string(e.Status), Msg: "unknown status"}
	}
	created, err := a.Repo.UpsertEntity(ctx, e)
	if err != nil {
		return domain.Entity{}, false, err
	}
	evt := events.TypeEntityUpdated
	if created {
		evt = events.TypeEntityCreated
	}
	if err := a.Events.Append(ctx, nil, evt, e.Kind.String(), e.ID, actor.ID, events.EventPayload{}); err != nil {
		a.Logger.Warn("entity event not recorded", "kind", e.Kind.String(), "id", e.ID, "err", err)
	}
	saved, err := a.Repo.GetEntity(ctx, e.Kind, e.ID)
	return saved, created, err
}

// Transition loads the entity and requests its move to `to` on behalf of
// actor.
func (a *App) Transition(ctx context.Context, kind domain.Kind, id string, to domain.Status, actor domain.Actor) (engine.Result, error) {
	e, err := a.Repo.GetEntity(ctx, kind, id)
	if err != nil {
		return engine.Result{}, err
	}
	caps, err := a.Capabilities(ctx, actor)
	if err != nil {
		return engine.Result{}, err
	}
	return a.Engine.RequestTransition(ctx, kind, e, to, actor, caps)
}

func (a *App) Available(ctx context.Context, kind domain.Kind, id string, actor domain.Actor) ([]domain.Status, error) {
	e, err := a.Repo.GetEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	caps, err := a.Capabilities(ctx, actor)
	if err != nil {
		return nil, err
	}
	return a.Engine.AvailableTransitions(kind, e, caps)
}

func (a *App) Describe(ctx context.Context, kind domain.Kind, id string, actor domain.Actor) (engine.StatusInfo, error) {
	e, err := a.Repo.GetEntity(ctx, kind, id)
	if err != nil {
		return engine.StatusInfo{}, err
	}
	caps, err := a.Capabilities(ctx, actor)
	if err != nil {
		return engine.StatusInfo{}, err
	}
	return a.Engine.DescribeStatus(kind, e, caps)
}

// PassLockKey names the lock shared by every scheduler of a workspace.
const PassLockKey = "scheduled-pass"

// RunPass runs one scheduled pass under locker. skipped is true when
// another scheduler holds the lock; that is not an error.
func (a *App) RunPass(ctx context.Context, kinds []domain.Kind, locker lock.Locker, ttl time.Duration) (summary engine.PassSummary, skipped bool, err error) {
	if locker != nil {
		release, err := locker.Acquire(ctx, PassLockKey, ttl)
		if errors.Is(err, lock.ErrHeld) {
			a.Logger.Info("scheduled pass skipped, lock held", "key", PassLockKey)
			return engine.PassSummary{}, true, nil
		}
		if err != nil {
			return engine.PassSummary{}, false, err
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				a.Logger.Warn("pass lock not released", "err", rerr)
			}
		}()
	}
	summary, err = a.Engine.RunScheduledPass(ctx, kinds)
	return summary, false, err
}

// IsNotFound reports missing entities, roles or keys.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
