package engine

import (
	"errors"

	"statusflow/internal/domain"
	"statusflow/internal/registry"
)

type StatusView struct {
	ID          domain.Status `json:"id"`
	Label       string        `json:"label"`
	Description string        `json:"description,omitempty"`
	Terminal    bool          `json:"terminal"`
}

type AutoTransitionInfo struct {
	Target        domain.Status `json:"target"`
	Description   string        `json:"description,omitempty"`
	Condition     string        `json:"condition"`
	ConditionMet  bool          `json:"condition_met"`
	ThresholdDays int           `json:"threshold_days"`
	ElapsedDays   int           `json:"elapsed_days"`
	RemainingDays int           `json:"remaining_days"`
}

type StatusInfo struct {
	Kind           domain.Kind         `json:"kind"`
	EntityID       string              `json:"entity_id"`
	Current        StatusView          `json:"current"`
	Available      []domain.Status     `json:"available"`
	AutoTransition *AutoTransitionInfo `json:"auto_transition,omitempty"`
	Escalation     *EscalationAction   `json:"escalation,omitempty"`
}

// Formatter composes the validator, the scanner projection and the
// escalation evaluator into a read model.
type Formatter struct {
	Registry  *registry.Registry
	Validator Validator
	Scanner   Scanner
	Evaluator Evaluator
}

func (f Formatter) Describe(kind domain.Kind, e domain.Entity, caps domain.CapabilitySet) (StatusInfo, error) {
	def, err := f.Registry.Status(kind, e.Status)
	if err != nil {
		return StatusInfo{}, err
	}
	terminal, err := f.Registry.IsTerminal(kind, e.Status)
	if err != nil {
		return StatusInfo{}, err
	}
	available, err := f.Validator.Available(kind, e.Status, caps)
	if err != nil {
		return StatusInfo{}, err
	}
	info := StatusInfo{
		Kind:     kind,
		EntityID: e.ID,
		Current: StatusView{
			ID:          def.ID,
			Label:       def.Label,
			Description: def.Description,
			Terminal:    terminal,
		},
		Available: available,
	}

	p, ok, err := f.Scanner.Project(kind, e)
	if err != nil {
		return StatusInfo{}, err
	}
	if ok {
		info.AutoTransition = &AutoTransitionInfo{
			Target:        p.Rule.To,
			Description:   p.Rule.Description,
			Condition:     p.Rule.Condition,
			ConditionMet:  p.ConditionMet,
			ThresholdDays: p.ThresholdDays,
			ElapsedDays:   p.ElapsedDays,
			RemainingDays: p.RemainingDays,
		}
	}

	act, err := f.Evaluator.Evaluate(kind, e)
	var ce *ConditionError
	if err != nil && !errors.As(err, &ce) {
		return StatusInfo{}, err
	}
	info.Escalation = act
	return info, nil
}
