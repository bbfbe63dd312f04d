package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a lifecycle state identifier, meaningful only together with its Kind.
type Status string

// Priority drives the priority variation factor of auto-transition rules.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority accepts the empty string as "no priority".
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Entity is the engine's view of an externally owned record.
type Entity struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	Status          Status     `json:"status"`
	StatusChangedAt time.Time  `json:"status_changed_at" format:"date-time"`
	Priority        Priority   `json:"priority,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty" format:"date-time"`
	ChecklistRatio  float64    `json:"checklist_ratio"`
	Amount          float64    `json:"amount"`
	ValidatedAt     *time.Time `json:"validated_at,omitempty" format:"date-time"`
	ValidatedBy     string     `json:"validated_by,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" format:"date-time"`
	PaidAt          *time.Time `json:"paid_at,omitempty" format:"date-time"`
	StartedAt       *time.Time `json:"started_at,omitempty" format:"date-time"`
	EndedAt         *time.Time `json:"ended_at,omitempty" format:"date-time"`
	PeriodStart     *time.Time `json:"period_start,omitempty" format:"date-time"`
	PeriodEnd       *time.Time `json:"period_end,omitempty" format:"date-time"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	ManagerID       string     `json:"manager_id,omitempty"`
}

// Stamp names a derived field set when an entity enters a status.
type Stamp string

const (
	StampCompletedAt Stamp = "completed_at"
	StampValidatedAt Stamp = "validated_at"
	StampValidatedBy Stamp = "validated_by"
	StampPaidAt      Stamp = "paid_at"
	StampStartedAt   Stamp = "started_at"
	StampEndedAt     Stamp = "ended_at"
)

func (s Stamp) Valid() bool {
	switch s {
	case StampCompletedAt, StampValidatedAt, StampValidatedBy, StampPaidAt, StampStartedAt, StampEndedAt:
		return true
	}
	return false
}

// DerivedFields carries the derived values written together with a status change.
// Nil fields are left untouched by the store.
type DerivedFields struct {
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	ValidatedBy *string    `json:"validated_by,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (d DerivedFields) Empty() bool {
	return d.CompletedAt == nil && d.ValidatedAt == nil && d.ValidatedBy == nil &&
		d.PaidAt == nil && d.StartedAt == nil && d.EndedAt == nil
}

// ApplyTo copies the set fields onto e.
func (d DerivedFields) ApplyTo(e *Entity) {
	if d.CompletedAt != nil {
		e.CompletedAt = d.CompletedAt
	}
	if d.ValidatedAt != nil {
		e.ValidatedAt = d.ValidatedAt
	}
	if d.ValidatedBy != nil {
		e.ValidatedBy = *d.ValidatedBy
	}
	if d.PaidAt != nil {
		e.PaidAt = d.PaidAt
	}
	if d.StartedAt != nil {
		e.StartedAt = d.StartedAt
	}
	if d.EndedAt != nil {
		e.EndedAt = d.EndedAt
	}
}

// StatusUpdate is the atomic write requested from the store: the new status,
// its change timestamp and the derived fields travel together.
type StatusUpdate struct {
	To        Status        `json:"to"`
	ChangedAt time.Time     `json:"changed_at"`
	Derived   DerivedFields `json:"derived"`
}

// Actor identifies who requests a change.
type Actor struct {
	ID     string `json:"id"`
	System bool   `json:"system,omitempty"`
}

// SystemActor is used for scanner- and evaluator-initiated changes.
var SystemActor = Actor{ID: "system", System: true}

// Event is an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Notification is an outbox entry awaiting delivery by an external channel.
type Notification struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	EntityID    string `json:"entity_id"`
	Message     string `json:"message"`
	Priority    string `json:"priority"`
	RecipientID string `json:"recipient_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Notification priorities.
const (
	NotifyNormal = "normal"
	NotifyHigh   = "high"
	NotifyUrgent = "urgent"
)

// ElapsedDays is the number of whole days between since and now, floored,
// never negative.
func ElapsedDays(since, now time.Time) int {
	if since.IsZero() || !now.After(since) {
		return 0
	}
	return int(now.Sub(since) / (24 * time.Hour))
}

// ErrConflict is returned by a store when the optimistic status precondition
// no longer holds.
var ErrConflict = errors.New("status changed concurrently")

// APIKey authenticates service accounts such as the scheduler.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
