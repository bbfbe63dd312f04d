package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"statusflow/internal/domain"
	"statusflow/internal/engine/condition"
	"statusflow/internal/registry"
)

// EscalationAction describes an overdue entity and what should happen.
type EscalationAction struct {
	Kind      domain.Kind             `json:"kind"`
	EntityID  string                  `json:"entity_id"`
	Action    registry.Action         `json:"action"`
	Reason    string                  `json:"reason"`
	DaysSince int                     `json:"days_since"`
	Rule      registry.EscalationRule `json:"-"`
}

type EscalationRecord struct {
	EntityID  string          `json:"entity_id"`
	Action    registry.Action `json:"action"`
	DaysSince int             `json:"days_since"`
	// Applied is set for process_payment when the shortcut transition went
	// through.
	Applied bool `json:"applied,omitempty"`
}

type EscalationResult struct {
	Kind         domain.Kind        `json:"kind"`
	Processed    int                `json:"processed"`
	Escalations  []EscalationRecord `json:"escalations"`
	Transitioned []TransitionRecord `json:"transitioned"`
	Conflicts    int                `json:"conflicts"`
	Errors       []ItemError        `json:"errors"`
}

// Evaluator raises escalations for entities that overstay a status.
type Evaluator struct {
	Registry   *registry.Registry
	Conditions *condition.Set
	Store      Store
	Executor   Executor
	Notify     Notifier
	Audit      Auditor
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

func (v Evaluator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v Evaluator) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// Evaluate returns the pending escalation for entity, or nil. It has no
// side effects. A faulting condition is returned as *ConditionError with a
// nil action.
func (v Evaluator) Evaluate(kind domain.Kind, e domain.Entity) (*EscalationAction, error) {
	rule, ok, err := v.Registry.EscalationFor(kind, e.Status)
	if err != nil || !ok {
		return nil, err
	}
	now := v.now().UTC()
	days := domain.ElapsedDays(e.StatusChangedAt, now)
	if days < rule.TimeoutDays {
		return nil, nil
	}
	met, err := v.Conditions.Eval(rule.Condition, condition.Input{Entity: e, Now: now, ThresholdDays: rule.TimeoutDays})
	if err != nil {
		return nil, err
	}
	if !met {
		return nil, nil
	}
	return &EscalationAction{
		Kind:      kind,
		EntityID:  e.ID,
		Action:    rule.Action,
		Reason:    fmt.Sprintf("%s (%d days in %s)", rule.Description, days, e.Status),
		DaysSince: days,
		Rule:      rule,
	}, nil
}

// EvaluatePass evaluates every entity of kind sitting in an escalating
// status and dispatches the resulting actions.
func (v Evaluator) EvaluatePass(ctx context.Context, kind domain.Kind) (EscalationResult, error) {
	res := EscalationResult{Kind: kind, Escalations: []EscalationRecord{}, Transitioned: []TransitionRecord{}, Errors: []ItemError{}}
	statuses, err := v.Registry.EscalationStatuses(kind)
	if err != nil {
		return res, err
	}
	if len(statuses) == 0 {
		return res, nil
	}
	candidates, err := v.Store.FindCandidates(ctx, kind, statuses)
	if err != nil {
		return res, err
	}
	obs := observerOr(v.Observer)
	log := v.logger().With("kind", kind.String())
	for _, e := range candidates {
		res.Processed++
		act, err := v.Evaluate(kind, e)
		if err != nil {
			var ce *ConditionError
			if errors.As(err, &ce) {
				obs.ConditionFault(kind, ce.Name)
				log.Warn("condition failed, treated as not satisfied", "entity_id", e.ID, "condition", ce.Name, "err", err)
				continue
			}
			res.Errors = append(res.Errors, ItemError{EntityID: e.ID, Err: err.Error()})
			log.Error("escalation lookup failed", "entity_id", e.ID, "err", err)
			continue
		}
		if act == nil {
			continue
		}
		rec := EscalationRecord{EntityID: e.ID, Action: act.Action, DaysSince: act.DaysSince}
		if act.Action == registry.ActionProcessPayment {
			r, err := v.Executor.Apply(ctx, kind, e, act.Rule.Target, domain.SystemActor, domain.AllCapabilities())
			switch {
			case err != nil:
				res.Errors = append(res.Errors, ItemError{EntityID: e.ID, Err: err.Error()})
				log.Error("escalation shortcut failed", "entity_id", e.ID, "to", act.Rule.Target, "err", err)
				continue
			case r.Conflict:
				res.Conflicts++
				continue
			case r.Denial != nil:
				log.Info("escalation shortcut denied", "entity_id", e.ID, "to", act.Rule.Target, "reason", r.Denial.Reason, "detail", r.Denial.Detail)
				continue
			}
			rec.Applied = true
			res.Transitioned = append(res.Transitioned, TransitionRecord{EntityID: e.ID, From: r.From, To: r.To, Reason: r.Reason})
		} else if err := v.dispatch(ctx, kind, e, act); err != nil {
			res.Errors = append(res.Errors, ItemError{EntityID: e.ID, Err: err.Error()})
			log.Error("escalation dispatch failed", "entity_id", e.ID, "action", act.Action, "err", err)
			continue
		}
		obs.Escalated(kind, act.Action)
		res.Escalations = append(res.Escalations, rec)
		log.Info("escalation raised", "entity_id", e.ID, "status", e.Status, "action", act.Action, "days_since", act.DaysSince)
	}
	return res, nil
}

func (v Evaluator) dispatch(ctx context.Context, kind domain.Kind, e domain.Entity, act *EscalationAction) error {
	n := NotificationRequest{Kind: kind, EntityID: e.ID, Message: act.Reason, DedupKey: escalationKey(kind, e, act.Action)}
	switch act.Action {
	case registry.ActionNotify:
		n.Priority = domain.NotifyNormal
		n.RecipientID = e.AssigneeID
	case registry.ActionNotifyManager:
		n.Priority = domain.NotifyHigh
		n.RecipientID = e.ManagerID
	case registry.ActionReassign:
		n.Priority = domain.NotifyHigh
		n.RecipientID = e.ManagerID
		n.Message = "reassignment requested: " + act.Reason
	default:
		return fmt.Errorf("unsupported escalation action %q", act.Action)
	}
	if v.Notify != nil {
		if err := v.Notify.Enqueue(ctx, n); err != nil {
			return fmt.Errorf("enqueue notification: %w", err)
		}
	}
	if v.Audit != nil {
		rec := AuditRecord{
			Actor:       domain.SystemActor,
			Action:      ActionEscalation,
			Kind:        kind,
			EntityID:    e.ID,
			Description: string(act.Action) + ": " + act.Reason,
			From:        e.Status,
			Reason:      act.Rule.Description,
			At:          v.now().UTC(),
		}
		if err := v.Audit.Record(ctx, rec); err != nil {
			v.logger().Error("audit record failed", "kind", kind.String(), "entity_id", e.ID, "err", err)
		}
	}
	return nil
}

// escalationKey names one stay in a status. A later pass over the same
// overdue entity produces the same key; re-entering the status does not.
func escalationKey(kind domain.Kind, e domain.Entity, action registry.Action) string {
	return fmt.Sprintf("%s/%s/%s/%d/%s", kind, e.ID, e.Status, e.StatusChangedAt.UTC().Unix(), action)
}
