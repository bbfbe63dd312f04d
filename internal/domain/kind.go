package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of entity categories governed by the engine.
type Kind uint8

const (
	KindWorkItem Kind = iota
	KindTimeEntry
	KindExpense
	KindIteration
	KindInitiative
	KindDeliverable

	kindCount
)

// KindCount is the number of declared kinds; registry tables are sized by it.
const KindCount = int(kindCount)

// ErrUnknownKind is returned when a kind name does not match any declared kind.
var ErrUnknownKind = errors.New("unknown kind")

var kindNames = [KindCount]string{
	KindWorkItem:    "work_item",
	KindTimeEntry:   "time_entry",
	KindExpense:     "expense",
	KindIteration:   "iteration",
	KindInitiative:  "initiative",
	KindDeliverable: "deliverable",
}

// AllKinds returns every kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, 0, KindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) Valid() bool { return k < kindCount }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseKind maps a kind name (work_item, expense, ...) to its Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ParseKinds parses a list of kind names. An empty list means all kinds.
func ParseKinds(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return AllKinds(), nil
	}
	out := make([]Kind, 0, len(names))
	seen := map[Kind]bool{}
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
