// Package condition evaluates the named predicates referenced by
// auto-transition and escalation rules.
package condition

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"statusflow/internal/domain"
)

// Built-in predicate names.
const (
	Always            = "always"
	DueDateReached    = "dueDateReached"
	ChecklistAbove80  = "checklistAbove80"
	ValidatedNDaysAgo = "validatedNDaysAgo"
	PeriodStarted     = "periodStarted"
	PeriodEnded       = "periodEnded"
)

// Input is what a predicate sees. ThresholdDays is the effective day
// threshold of the rule being evaluated.
type Input struct {
	Entity        domain.Entity
	Now           time.Time
	ThresholdDays int
}

type Predicate func(in Input) (bool, error)

// Error wraps a predicate failure or panic. Callers treat it as "not
// satisfied" and keep going.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("condition %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var ErrUnknown = errors.New("unknown condition")

var builtins = map[string]Predicate{
	Always: func(Input) (bool, error) { return true, nil },
	DueDateReached: func(in Input) (bool, error) {
		return in.Entity.DueDate != nil && !in.Now.Before(*in.Entity.DueDate), nil
	},
	ChecklistAbove80: func(in Input) (bool, error) {
		return in.Entity.ChecklistRatio >= 0.8, nil
	},
	ValidatedNDaysAgo: func(in Input) (bool, error) {
		if in.Entity.ValidatedAt == nil {
			return false, nil
		}
		return domain.ElapsedDays(*in.Entity.ValidatedAt, in.Now) >= in.ThresholdDays, nil
	},
	PeriodStarted: func(in Input) (bool, error) {
		return in.Entity.PeriodStart != nil && !in.Now.Before(*in.Entity.PeriodStart), nil
	},
	PeriodEnded: func(in Input) (bool, error) {
		return in.Entity.PeriodEnd != nil && !in.Now.Before(*in.Entity.PeriodEnd), nil
	},
}

// Set is the predicate vocabulary: built-ins plus compiled expressions.
// It is immutable once built and safe for concurrent use.
type Set struct {
	preds map[string]Predicate
	exprs map[string]*vm.Program
	src   map[string]string
}

// Option adjusts a Set while it is being built.
type Option func(*Set)

// WithPredicate adds or replaces a Go predicate.
func WithPredicate(name string, p Predicate) Option {
	return func(s *Set) {
		s.preds[name] = p
	}
}

// NewSet compiles the given named expressions. Expression names may not
// shadow a predicate.
func NewSet(expressions map[string]string, opts ...Option) (*Set, error) {
	s := &Set{
		preds: make(map[string]Predicate, len(builtins)),
		exprs: make(map[string]*vm.Program, len(expressions)),
		src:   make(map[string]string, len(expressions)),
	}
	for name, p := range builtins {
		s.preds[name] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	for name, src := range expressions {
		if _, ok := s.preds[name]; ok {
			return nil, fmt.Errorf("condition %s shadows a built-in predicate", name)
		}
		program, err := expr.Compile(src, expr.Env(envOf(Input{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", name, err)
		}
		s.exprs[name] = program
		s.src[name] = src
	}
	return s, nil
}

func (s *Set) Has(name string) bool {
	if _, ok := s.preds[name]; ok {
		return true
	}
	_, ok := s.exprs[name]
	return ok
}

// Names lists every known condition, sorted.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.preds)+len(s.exprs))
	for n := range s.preds {
		out = append(out, n)
	}
	for n := range s.exprs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Source returns the expression text of a declared condition, or "" for a
// built-in.
func (s *Set) Source(name string) string {
	return s.src[name]
}

// Eval runs the named condition. Any failure, panics included, comes back
// as *Error.
func (s *Set) Eval(name string, in Input) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &Error{Name: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	pred, isPred := s.preds[name]
	program, isExpr := s.exprs[name]

	switch {
	case isPred:
		ok, err = pred(in)
	case isExpr:
		var out any
		out, err = expr.Run(program, envOf(in))
		if err == nil {
			b, isBool := out.(bool)
			if !isBool {
				err = fmt.Errorf("expression did not evaluate to a boolean, got %T", out)
			}
			ok = b
		}
	default:
		err = ErrUnknown
	}
	if err != nil {
		return false, &Error{Name: name, Err: err}
	}
	return ok, nil
}

func envOf(in Input) map[string]any {
	e := in.Entity
	daysSinceValidation := -1
	if e.ValidatedAt != nil {
		daysSinceValidation = domain.ElapsedDays(*e.ValidatedAt, in.Now)
	}
	return map[string]any{
		"kind":                  e.Kind.String(),
		"status":                string(e.Status),
		"priority":              string(e.Priority),
		"amount":                e.Amount,
		"checklist":             e.ChecklistRatio,
		"days_in_status":        domain.ElapsedDays(e.StatusChangedAt, in.Now),
		"days_since_validation": daysSinceValidation,
		"validated":             e.ValidatedAt != nil,
		"due_passed":            e.DueDate != nil && !in.Now.Before(*e.DueDate),
		"period_started":        e.PeriodStart != nil && !in.Now.Before(*e.PeriodStart),
		"period_ended":          e.PeriodEnd != nil && !in.Now.Before(*e.PeriodEnd),
		"has_assignee":          e.AssigneeID != "",
		"threshold":             in.ThresholdDays,
	}
}
