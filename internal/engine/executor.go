package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"statusflow/internal/domain"
	"statusflow/internal/registry"
)

// Result of applying a transition. Exactly one of Applied, Denial or
// Conflict describes the outcome.
type Result struct {
	From     domain.Status
	To       domain.Status
	Reason   string
	Applied  bool
	Denial   *Denial
	Conflict bool
	Entity   domain.Entity
}

// ValidationHook runs after the built-in checks and before persisting. A
// non-nil error becomes a validation denial.
type ValidationHook func(ctx context.Context, kind domain.Kind, entity domain.Entity, to domain.Status) error

type applyOptions struct {
	hooks []ValidationHook
}

type ApplyOption func(*applyOptions)

func WithValidation(h ValidationHook) ApplyOption {
	return func(o *applyOptions) {
		if h != nil {
			o.hooks = append(o.hooks, h)
		}
	}
}

// Executor is the single path through which every status mutation flows.
type Executor struct {
	Registry  *registry.Registry
	Store     Store
	Audit     Auditor
	Listeners []Listener
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x Executor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

// Apply validates and persists entity's move to `to`. Denials and conflicts
// come back in the Result; the error is reserved for configuration and
// store failures. The system actor bypasses capability checks but not
// dwell time.
func (x Executor) Apply(ctx context.Context, kind domain.Kind, entity domain.Entity, to domain.Status, actor domain.Actor, caps domain.CapabilitySet, opts ...ApplyOption) (Result, error) {
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}
	obs := observerOr(x.Observer)
	from := entity.Status
	res := Result{From: from, To: to, Entity: entity}

	if actor.System {
		caps = domain.AllCapabilities()
	}
	dec, err := Validator{Registry: x.Registry}.Validate(kind, from, to, caps)
	if err != nil {
		return Result{}, err
	}
	res.Reason = dec.Reason
	if !dec.Allowed {
		res.Denial = dec.Denial
		obs.Denied(kind, dec.Denial.Code)
		return res, nil
	}

	now := x.now().UTC()
	if dec.HasDwell {
		elapsed := domain.ElapsedDays(entity.StatusChangedAt, now)
		if elapsed < dec.MinDwellDays {
			res.Denial = &Denial{
				Code:         DenyDwell,
				Reason:       dec.Reason,
				Detail:       fmt.Sprintf("must stay in %s for at least %d day(s), %d elapsed", from, dec.MinDwellDays, elapsed),
				RequiredDays: dec.MinDwellDays,
				ElapsedDays:  elapsed,
			}
			obs.Denied(kind, DenyDwell)
			return res, nil
		}
	}

	target, err := x.Registry.Status(kind, to)
	if err != nil {
		return Result{}, err
	}
	derived := deriveFields(target.OnEnter, entity, actor, now)

	for _, hook := range o.hooks {
		if err := hook(ctx, kind, entity, to); err != nil {
			res.Denial = &Denial{Code: DenyValidation, Reason: dec.Reason, Detail: err.Error()}
			obs.Denied(kind, DenyValidation)
			return res, nil
		}
	}

	update := domain.StatusUpdate{To: to, ChangedAt: now, Derived: derived}
	if err := x.Store.UpdateStatus(ctx, kind, entity.ID, update, from); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			res.Conflict = true
			obs.Conflict(kind)
			x.logger().Info("status transition conflict", "kind", kind.String(), "entity_id", entity.ID, "from", from, "to", to)
			return res, nil
		}
		return Result{}, fmt.Errorf("update status %s/%s: %w", kind, entity.ID, err)
	}

	applied := entity
	applied.Status = to
	applied.StatusChangedAt = now
	derived.ApplyTo(&applied)
	res.Entity = applied
	res.Applied = true
	obs.Transitioned(kind, from, to, actor.System)

	if x.Audit != nil {
		rec := AuditRecord{
			Actor:       actor,
			Action:      ActionStatusChange,
			Kind:        kind,
			EntityID:    entity.ID,
			Description: fmt.Sprintf("%s -> %s", from, to),
			From:        from,
			To:          to,
			Reason:      dec.Reason,
			At:          now,
		}
		// The status is already persisted; a lost audit row is logged, not
		// reported as a failed transition.
		if err := x.Audit.Record(ctx, rec); err != nil {
			x.logger().Error("audit record failed", "kind", kind.String(), "entity_id", entity.ID, "err", err)
		}
	}
	change := StatusChange{Kind: kind, EntityID: entity.ID, From: from, To: to, Actor: actor, Reason: dec.Reason, At: now}
	for _, l := range x.Listeners {
		l.StatusChanged(ctx, change)
	}
	return res, nil
}

// deriveFields stamps the fields declared by the target status. started_at
// keeps the first entry.
func deriveFields(stamps []domain.Stamp, entity domain.Entity, actor domain.Actor, now time.Time) domain.DerivedFields {
	var d domain.DerivedFields
	for _, s := range stamps {
		ts := now
		switch s {
		case domain.StampCompletedAt:
			d.CompletedAt = &ts
		case domain.StampValidatedAt:
			d.ValidatedAt = &ts
		case domain.StampValidatedBy:
			id := actor.ID
			d.ValidatedBy = &id
		case domain.StampPaidAt:
			d.PaidAt = &ts
		case domain.StampStartedAt:
			if entity.StartedAt == nil {
				d.StartedAt = &ts
			}
		case domain.StampEndedAt:
			d.EndedAt = &ts
		}
	}
	return d
}
