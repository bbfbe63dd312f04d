package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"statusflow/internal/domain"
	"statusflow/internal/engine/condition"
	"statusflow/internal/registry"
)

type TransitionRecord struct {
	EntityID string        `json:"entity_id"`
	From     domain.Status `json:"from"`
	To       domain.Status `json:"to"`
	Reason   string        `json:"reason"`
}

type ItemError struct {
	EntityID string `json:"entity_id"`
	Err      string `json:"error"`
}

type PassResult struct {
	Kind         domain.Kind        `json:"kind"`
	Processed    int                `json:"processed"`
	Transitioned []TransitionRecord `json:"transitioned"`
	Conflicts    int                `json:"conflicts"`
	Errors       []ItemError        `json:"errors"`
}

// Projection is the scanner's view of one entity against its auto rule.
type Projection struct {
	Rule          registry.AutoRule
	ThresholdDays int
	ElapsedDays   int
	RemainingDays int
	ConditionMet  bool
	Immediate     bool
	// Fault is set when the condition could not be evaluated.
	Fault error
}

// Due reports whether the scanner would apply the rule now.
func (p Projection) Due() bool {
	return p.ConditionMet && p.ElapsedDays >= p.ThresholdDays
}

// Scanner applies time and condition driven transitions for one kind.
type Scanner struct {
	Registry   *registry.Registry
	Conditions *condition.Set
	Store      Store
	Executor   Executor
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// EffectiveThreshold applies the rule's variation factors to its base days.
// immediate is true when a completion override satisfies the rule.
func EffectiveThreshold(rule registry.AutoRule, e domain.Entity) (days int, immediate bool) {
	days = rule.BaseDays
	for _, f := range rule.Factors {
		switch f.Type {
		case registry.FactorPriority:
			days += f.Priority[e.Priority]
		case registry.FactorAmount:
			for i := len(f.Tiers) - 1; i >= 0; i-- {
				if e.Amount >= f.Tiers[i].Min {
					days += f.Tiers[i].Delta
					break
				}
			}
		case registry.FactorCompletion:
			if e.ChecklistRatio >= f.AtLeast {
				immediate = true
			}
		}
	}
	if days < 0 || immediate {
		days = 0
	}
	return days, immediate
}

// Project evaluates entity against the auto rule for its status. ok is false
// when the status has no auto rule.
func (s Scanner) Project(kind domain.Kind, e domain.Entity) (Projection, bool, error) {
	rule, ok, err := s.Registry.AutoTransitionFor(kind, e.Status)
	if err != nil || !ok {
		return Projection{}, false, err
	}
	now := s.now().UTC()
	threshold, immediate := EffectiveThreshold(rule, e)
	p := Projection{
		Rule:          rule,
		ThresholdDays: threshold,
		ElapsedDays:   domain.ElapsedDays(e.StatusChangedAt, now),
		Immediate:     immediate,
	}
	p.RemainingDays = p.ThresholdDays - p.ElapsedDays
	if p.RemainingDays < 0 {
		p.RemainingDays = 0
	}
	met, err := s.Conditions.Eval(rule.Condition, condition.Input{Entity: e, Now: now, ThresholdDays: threshold})
	if err != nil {
		p.Fault = err
	}
	p.ConditionMet = met
	return p, true, nil
}

// RunPass transitions every qualifying entity of kind. The returned error
// covers configuration and candidate-query failures only; per-entity
// failures are collected in the result.
func (s Scanner) RunPass(ctx context.Context, kind domain.Kind) (PassResult, error) {
	res := PassResult{Kind: kind, Transitioned: []TransitionRecord{}, Errors: []ItemError{}}
	sources, err := s.Registry.AutoSources(kind)
	if err != nil {
		return res, err
	}
	if len(sources) == 0 {
		return res, nil
	}
	candidates, err := s.Store.FindCandidates(ctx, kind, sources)
	if err != nil {
		return res, err
	}
	obs := observerOr(s.Observer)
	log := s.logger().With("kind", kind.String())
	for _, e := range candidates {
		res.Processed++
		p, ok, err := s.Project(kind, e)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{EntityID: e.ID, Err: err.Error()})
			log.Error("auto transition lookup failed", "entity_id", e.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if p.Fault != nil {
			var ce *ConditionError
			if errors.As(p.Fault, &ce) {
				obs.ConditionFault(kind, ce.Name)
			}
			log.Warn("condition failed, treated as not satisfied", "entity_id", e.ID, "condition", p.Rule.Condition, "err", p.Fault)
			continue
		}
		if !p.Due() {
			continue
		}
		r, err := s.Executor.Apply(ctx, kind, e, p.Rule.To, domain.SystemActor, domain.AllCapabilities())
		switch {
		case err != nil:
			res.Errors = append(res.Errors, ItemError{EntityID: e.ID, Err: err.Error()})
			log.Error("auto transition failed", "entity_id", e.ID, "from", e.Status, "to", p.Rule.To, "err", err)
		case r.Conflict:
			res.Conflicts++
		case r.Denial != nil:
			log.Info("auto transition denied", "entity_id", e.ID, "from", e.Status, "to", p.Rule.To, "reason", r.Denial.Reason, "detail", r.Denial.Detail)
		case r.Applied:
			res.Transitioned = append(res.Transitioned, TransitionRecord{EntityID: e.ID, From: r.From, To: r.To, Reason: r.Reason})
			log.Info("auto transition applied", "entity_id", e.ID, "from", r.From, "to", r.To)
		}
	}
	return res, nil
}
