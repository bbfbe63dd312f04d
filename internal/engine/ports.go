package engine

import (
	"context"
	"time"

	"statusflow/internal/domain"
	"statusflow/internal/registry"
)

// Store is the persistence collaborator. UpdateStatus writes the status, its
// change timestamp and derived fields together, only if the stored status
// still equals expected; otherwise it returns domain.ErrConflict.
type Store interface {
	FindCandidates(ctx context.Context, kind domain.Kind, statuses []domain.Status) ([]domain.Entity, error)
	UpdateStatus(ctx context.Context, kind domain.Kind, id string, update domain.StatusUpdate, expected domain.Status) error
}

// Audit actions.
const (
	ActionStatusChange = "status_change"
	ActionEscalation   = "escalation"
)

type AuditRecord struct {
	Actor       domain.Actor
	Action      string
	Kind        domain.Kind
	EntityID    string
	Description string
	From        domain.Status
	To          domain.Status
	Reason      string
	At          time.Time
}

type Auditor interface {
	Record(ctx context.Context, rec AuditRecord) error
}

type NotificationRequest struct {
	Kind        domain.Kind
	EntityID    string
	Message     string
	Priority    string
	RecipientID string
	// DedupKey identifies repeats of the same alert. A notifier keeps at most
	// one notification per non-empty key.
	DedupKey string
}

type Notifier interface {
	Enqueue(ctx context.Context, n NotificationRequest) error
}

// StatusChange is emitted to listeners after a transition is persisted.
type StatusChange struct {
	Kind     domain.Kind
	EntityID string
	From     domain.Status
	To       domain.Status
	Actor    domain.Actor
	Reason   string
	At       time.Time
}

type Listener interface {
	StatusChanged(ctx context.Context, c StatusChange)
}

type ListenerFunc func(ctx context.Context, c StatusChange)

func (f ListenerFunc) StatusChanged(ctx context.Context, c StatusChange) { f(ctx, c) }

// Observer receives counters from the engine. internal/metrics implements
// it with prometheus.
type Observer interface {
	Transitioned(kind domain.Kind, from, to domain.Status, system bool)
	Denied(kind domain.Kind, code DenialCode)
	Conflict(kind domain.Kind)
	Escalated(kind domain.Kind, action registry.Action)
	ConditionFault(kind domain.Kind, name string)
	PassCompleted(kind domain.Kind, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Transitioned(domain.Kind, domain.Status, domain.Status, bool) {}
func (nopObserver) Denied(domain.Kind, DenialCode)                              {}
func (nopObserver) Conflict(domain.Kind)                                        {}
func (nopObserver) Escalated(domain.Kind, registry.Action)                      {}
func (nopObserver) ConditionFault(domain.Kind, string)                          {}
func (nopObserver) PassCompleted(domain.Kind, time.Duration)                    {}

func observerOr(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
