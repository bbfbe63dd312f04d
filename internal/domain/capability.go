package domain

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// Capability is an atomic permission an actor may hold.
type Capability uint8

const (
	CapWorkItemEdit Capability = iota
	CapWorkItemReview
	CapTimeEntrySubmit
	CapTimeEntryValidate
	CapExpenseSubmit
	CapExpenseApprove
	CapExpensePay
	CapIterationManage
	CapInitiativeManage
	CapInitiativeApprove
	CapDeliverableSubmit
	CapDeliverableValidate
	CapAdmin

	capabilityCount
)

// ErrUnknownCapability is returned when a capability name is not declared.
var ErrUnknownCapability = errors.New("unknown capability")

var capabilityNames = [capabilityCount]string{
	CapWorkItemEdit:        "work_item.edit",
	CapWorkItemReview:      "work_item.review",
	CapTimeEntrySubmit:     "time_entry.submit",
	CapTimeEntryValidate:   "time_entry.validate",
	CapExpenseSubmit:       "expense.submit",
	CapExpenseApprove:      "expense.approve",
	CapExpensePay:          "expense.pay",
	CapIterationManage:     "iteration.manage",
	CapInitiativeManage:    "initiative.manage",
	CapInitiativeApprove:   "initiative.approve",
	CapDeliverableSubmit:   "deliverable.submit",
	CapDeliverableValidate: "deliverable.validate",
	CapAdmin:               "admin",
}

func (c Capability) String() string {
	if c >= capabilityCount {
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
	return capabilityNames[c]
}

// AllCapabilityNames lists every declared capability name in declaration order.
func AllCapabilityNames() []string {
	out := make([]string, 0, capabilityCount)
	out = append(out, capabilityNames[:]...)
	return out
}

// ParseCapability maps a capability name to its Capability.
func ParseCapability(s string) (Capability, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range capabilityNames {
		if n == name {
			return Capability(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
}

// CapabilitySet is a bitmask of capabilities.
type CapabilitySet uint64

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= 1 << c
	}
	return s
}

// AllCapabilities is the set holding every declared capability.
func AllCapabilities() CapabilitySet {
	return CapabilitySet(1)<<capabilityCount - 1
}

// ParseCapabilities parses capability names strictly; unknown names are errors.
func ParseCapabilities(names []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		c, err := ParseCapability(n)
		if err != nil {
			return 0, err
		}
		s = s.With(c)
	}
	return s, nil
}

// CapabilitiesFromNames parses names leniently, ignoring unknown entries.
// Used for externally sourced grants (token claims, stored roles).
func CapabilitiesFromNames(names []string) CapabilitySet {
	var s CapabilitySet
	for _, n := range names {
		if c, err := ParseCapability(n); err == nil {
			s = s.With(c)
		}
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool { return s&(1<<c) != 0 }

func (s CapabilitySet) With(caps ...Capability) CapabilitySet {
	return s | NewCapabilitySet(caps...)
}

func (s CapabilitySet) Without(caps ...Capability) CapabilitySet {
	return s &^ NewCapabilitySet(caps...)
}

func (s CapabilitySet) Union(o CapabilitySet) CapabilitySet { return s | o }

func (s CapabilitySet) Intersect(o CapabilitySet) CapabilitySet { return s & o }

// HasAny reports whether s holds at least one capability of o (OR semantics).
func (s CapabilitySet) HasAny(o CapabilitySet) bool { return s&o != 0 }

// HasAll reports whether s holds every capability of o (AND semantics).
func (s CapabilitySet) HasAll(o CapabilitySet) bool { return s&o == o }

func (s CapabilitySet) Empty() bool { return s == 0 }

func (s CapabilitySet) Len() int { return bits.OnesCount64(uint64(s & AllCapabilities())) }

// Slice returns the members in declaration order.
func (s CapabilitySet) Slice() []Capability {
	var out []Capability
	for c := Capability(0); c < capabilityCount; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s CapabilitySet) Strings() []string {
	caps := s.Slice()
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.String())
	}
	return out
}

func (s CapabilitySet) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}
