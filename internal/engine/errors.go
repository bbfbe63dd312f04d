package engine

import (
	"errors"
	"fmt"
	"strings"

	"statusflow/internal/domain"
	"statusflow/internal/engine/condition"
	"statusflow/internal/registry"
)

type DenialCode string

const (
	DenyNoSuchTransition DenialCode = "no_such_transition"
	DenyDisallowed       DenialCode = "disallowed"
	DenyPermission       DenialCode = "permission"
	DenyDwell            DenialCode = "dwell"
	DenyValidation       DenialCode = "validation"
)

// ReasonNoSuchTransition is the reason text for a pair with no rule.
const ReasonNoSuchTransition = "no such transition"

// Denial is the expected negative outcome of validating or applying a
// transition. It is returned inside results, never as an error value, but
// implements error so boundaries can surface it. Reason is always the
// matching rule's reason; Detail explains the refusal.
type Denial struct {
	Code   DenialCode `json:"code"`
	Reason string     `json:"reason"`
	Detail string     `json:"detail,omitempty"`
	// Sufficient lists the capabilities that would have allowed the
	// transition. Set for DenyPermission only.
	Sufficient   domain.CapabilitySet `json:"-"`
	RequiredDays int                  `json:"required_days,omitempty"`
	ElapsedDays  int                  `json:"elapsed_days,omitempty"`
}

func (d *Denial) Error() string {
	if d.Detail != "" {
		return fmt.Sprintf("transition denied (%s): %s: %s", d.Code, d.Reason, d.Detail)
	}
	return fmt.Sprintf("transition denied (%s): %s", d.Code, d.Reason)
}

// IsPermission reports whether the denial is a missing-capability denial.
func (d *Denial) IsPermission() bool { return d != nil && d.Code == DenyPermission }

func permissionDenial(reason string, required domain.CapabilitySet) *Denial {
	return &Denial{
		Code:       DenyPermission,
		Reason:     reason,
		Detail:     "requires one of: " + strings.Join(required.Strings(), ", "),
		Sufficient: required,
	}
}

// ConditionError is a faulting predicate. The scanner and the escalation
// evaluator log it and treat the condition as not satisfied.
type ConditionError = condition.Error

// IsConfigurationError reports whether err is or wraps a registry
// configuration error.
func IsConfigurationError(err error) bool {
	var ce *registry.ConfigurationError
	return errors.As(err, &ce)
}
