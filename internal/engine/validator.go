package engine

import (
	"statusflow/internal/domain"
	"statusflow/internal/registry"
)

// Decision is the validator's verdict. MinDwellDays is informational; the
// executor enforces it.
type Decision struct {
	Allowed      bool
	Reason       string
	MinDwellDays int
	HasDwell     bool
	Denial       *Denial
}

// Validator decides whether a transition is legal for a capability set. It
// never mutates anything and never reads the clock.
type Validator struct {
	Registry *registry.Registry
}

func (v Validator) Validate(kind domain.Kind, from, to domain.Status, caps domain.CapabilitySet) (Decision, error) {
	rule, ok, err := v.Registry.Transition(kind, from, to)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return deny(&Denial{Code: DenyNoSuchTransition, Reason: ReasonNoSuchTransition}), nil
	}
	d := Decision{Reason: rule.Reason, MinDwellDays: rule.MinDwellDays, HasDwell: rule.HasDwell}
	if !rule.Allowed {
		d.Denial = &Denial{Code: DenyDisallowed, Reason: rule.Reason}
		return d, nil
	}
	if !rule.Requires.Empty() && !caps.HasAny(rule.Requires) {
		d.Denial = permissionDenial(rule.Reason, rule.Requires)
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

func deny(d *Denial) Decision {
	return Decision{Reason: d.Reason, Denial: d}
}

// Available lists the targets reachable from `from` with caps, in the
// order the rules are declared.
func (v Validator) Available(kind domain.Kind, from domain.Status, caps domain.CapabilitySet) ([]domain.Status, error) {
	rules, err := v.Registry.TransitionsFrom(kind, from)
	if err != nil {
		return nil, err
	}
	out := []domain.Status{}
	for _, r := range rules {
		d, err := v.Validate(kind, from, r.To, caps)
		if err != nil {
			return nil, err
		}
		if d.Allowed {
			out = append(out, r.To)
		}
	}
	return out, nil
}
