// Package registry holds the immutable per-kind workflow tables: statuses,
// transition rules, auto-transition rules and escalation rules.
package registry

import (
	"fmt"
	"sort"

	"statusflow/internal/config"
	"statusflow/internal/domain"
)

// ConfigurationError reports an unknown kind or status, or a registry file
// that cannot be turned into a consistent table. It is always a defect.
type ConfigurationError struct {
	Kind   string
	Status string
	Msg    string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Kind != "" && e.Status != "":
		return fmt.Sprintf("configuration error: %s/%s: %s", e.Kind, e.Status, e.Msg)
	case e.Kind != "":
		return fmt.Sprintf("configuration error: %s: %s", e.Kind, e.Msg)
	}
	return "configuration error: " + e.Msg
}

func configErr(kind, status, format string, args ...any) error {
	return &ConfigurationError{Kind: kind, Status: status, Msg: fmt.Sprintf(format, args...)}
}

type StatusDef struct {
	ID          domain.Status  `json:"id"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	OnEnter     []domain.Stamp `json:"on_enter,omitempty"`
}

// TransitionRule is one row of the transition table. Requires uses OR
// semantics: holding any one member is sufficient.
type TransitionRule struct {
	Kind         domain.Kind
	From         domain.Status
	To           domain.Status
	Allowed      bool
	Requires     domain.CapabilitySet
	MinDwellDays int
	HasDwell     bool
	Reason       string
}

type FactorType string

const (
	FactorPriority   FactorType = config.FactorPriority
	FactorAmount     FactorType = config.FactorAmount
	FactorCompletion FactorType = config.FactorCompletion
)

type AmountTier struct {
	Min   float64
	Delta int
}

// Factor adjusts the base day threshold of an auto-transition rule.
type Factor struct {
	Type     FactorType
	Priority map[domain.Priority]int
	Tiers    []AmountTier // ascending by Min
	AtLeast  float64
}

type AutoRule struct {
	Kind        domain.Kind
	From        domain.Status
	To          domain.Status
	BaseDays    int
	Factors     []Factor
	Condition   string
	Description string
}

type Action string

const (
	ActionNotify         Action = config.ActionNotify
	ActionNotifyManager  Action = config.ActionNotifyManager
	ActionProcessPayment Action = config.ActionProcessPayment
	ActionReassign       Action = config.ActionReassign
)

type EscalationRule struct {
	Kind        domain.Kind
	Status      domain.Status
	TimeoutDays int
	Action      Action
	Target      domain.Status
	Condition   string
	Description string
}

// ConditionSet reports whether a condition name can be evaluated.
type ConditionSet interface {
	Has(name string) bool
}

type kindTable struct {
	initial     domain.Status
	statuses    []StatusDef
	index       map[domain.Status]int
	transitions map[domain.Status][]TransitionRule
	auto        map[domain.Status]AutoRule
	escalations map[domain.Status]EscalationRule
}

// Registry is built once and never mutated; share it by pointer.
type Registry struct {
	kinds [domain.KindCount]*kindTable
}

// Build assembles the registry from a validated config. Every declared kind
// must be configured.
func Build(cfg *config.Config, conds ConditionSet) (*Registry, error) {
	if cfg == nil {
		return nil, configErr("", "", "config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, configErr("", "", "%v", err)
	}
	r := &Registry{}
	for name, kc := range cfg.Kinds {
		kind, err := domain.ParseKind(name)
		if err != nil {
			return nil, configErr(name, "", "%v", err)
		}
		t, err := buildKind(kind, kc, conds)
		if err != nil {
			return nil, err
		}
		r.kinds[kind] = t
	}
	for _, k := range domain.AllKinds() {
		if r.kinds[k] == nil {
			return nil, configErr(k.String(), "", "kind is not configured")
		}
	}
	return r, nil
}

func buildKind(kind domain.Kind, kc config.KindConfig, conds ConditionSet) (*kindTable, error) {
	name := kind.String()
	t := &kindTable{
		initial:     domain.Status(kc.Initial),
		index:       map[domain.Status]int{},
		transitions: map[domain.Status][]TransitionRule{},
		auto:        map[domain.Status]AutoRule{},
		escalations: map[domain.Status]EscalationRule{},
	}
	for i, s := range kc.Statuses {
		def := StatusDef{ID: domain.Status(s.ID), Label: s.Label, Description: s.Description}
		if def.Label == "" {
			def.Label = s.ID
		}
		for _, st := range s.OnEnter {
			stamp := domain.Stamp(st)
			if !stamp.Valid() {
				return nil, configErr(name, s.ID, "unknown on_enter field %q", st)
			}
			def.OnEnter = append(def.OnEnter, stamp)
		}
		t.statuses = append(t.statuses, def)
		t.index[def.ID] = i
	}
	if !t.has(t.initial) {
		return nil, configErr(name, kc.Initial, "initial status is not declared")
	}

	for _, tc := range kc.Transitions {
		from, to := domain.Status(tc.From), domain.Status(tc.To)
		if !t.has(from) {
			return nil, configErr(name, tc.From, "transition source is not declared")
		}
		if !t.has(to) {
			return nil, configErr(name, tc.To, "transition target is not declared")
		}
		if _, dup := t.find(from, to); dup {
			return nil, configErr(name, tc.From, "duplicate transition to %s", tc.To)
		}
		requires, err := domain.ParseCapabilities(tc.Requires)
		if err != nil {
			return nil, configErr(name, tc.From, "transition to %s: %v", tc.To, err)
		}
		rule := TransitionRule{
			Kind:     kind,
			From:     from,
			To:       to,
			Allowed:  tc.Allowed == nil || *tc.Allowed,
			Requires: requires,
			Reason:   tc.Reason,
		}
		if tc.MinDwellDays != nil {
			rule.MinDwellDays = *tc.MinDwellDays
			rule.HasDwell = true
		}
		if rule.Reason == "" {
			rule.Reason = fmt.Sprintf("%s to %s", from, to)
		}
		t.transitions[from] = append(t.transitions[from], rule)
	}

	for _, ac := range kc.Auto {
		from, to := domain.Status(ac.From), domain.Status(ac.To)
		if !t.has(from) {
			return nil, configErr(name, ac.From, "auto rule source is not declared")
		}
		if _, dup := t.auto[from]; dup {
			return nil, configErr(name, ac.From, "more than one auto rule")
		}
		if t.terminal(from) {
			return nil, configErr(name, ac.From, "auto rule on terminal status")
		}
		if rule, ok := t.find(from, to); !ok || !rule.Allowed {
			return nil, configErr(name, ac.From, "auto rule target %s is not an allowed transition", ac.To)
		}
		if conds != nil && !conds.Has(ac.Condition) {
			return nil, configErr(name, ac.From, "unknown condition %q", ac.Condition)
		}
		rule := AutoRule{
			Kind:        kind,
			From:        from,
			To:          to,
			BaseDays:    ac.BaseDays,
			Condition:   ac.Condition,
			Description: ac.Description,
		}
		for _, fc := range ac.Factors {
			f, err := buildFactor(fc)
			if err != nil {
				return nil, configErr(name, ac.From, "%v", err)
			}
			rule.Factors = append(rule.Factors, f)
		}
		t.auto[from] = rule
	}

	for _, ec := range kc.Escalations {
		status := domain.Status(ec.Status)
		if !t.has(status) {
			return nil, configErr(name, ec.Status, "escalation status is not declared")
		}
		if _, dup := t.escalations[status]; dup {
			return nil, configErr(name, ec.Status, "more than one escalation rule")
		}
		if t.terminal(status) {
			return nil, configErr(name, ec.Status, "escalation on terminal status")
		}
		rule := EscalationRule{
			Kind:        kind,
			Status:      status,
			TimeoutDays: ec.TimeoutDays,
			Action:      Action(ec.Action),
			Condition:   ec.Condition,
			Description: ec.Description,
		}
		if rule.Condition == "" {
			rule.Condition = "always"
		}
		if conds != nil && !conds.Has(rule.Condition) {
			return nil, configErr(name, ec.Status, "unknown condition %q", rule.Condition)
		}
		if rule.Action == ActionProcessPayment {
			rule.Target = domain.Status(ec.Target)
			if tr, ok := t.find(status, rule.Target); !ok || !tr.Allowed {
				return nil, configErr(name, ec.Status, "process_payment target %s is not an allowed transition", ec.Target)
			}
		}
		if rule.Description == "" {
			rule.Description = fmt.Sprintf("%s for more than %d days", status, rule.TimeoutDays)
		}
		t.escalations[status] = rule
	}
	return t, nil
}

func buildFactor(fc config.FactorConfig) (Factor, error) {
	f := Factor{Type: FactorType(fc.Type), AtLeast: fc.AtLeast}
	switch f.Type {
	case FactorPriority:
		f.Priority = make(map[domain.Priority]int, len(fc.Adjust))
		for name, delta := range fc.Adjust {
			p, err := domain.ParsePriority(name)
			if err != nil || p == "" {
				return Factor{}, fmt.Errorf("priority factor: unknown priority %q", name)
			}
			f.Priority[p] = delta
		}
	case FactorAmount:
		for _, tier := range fc.Tiers {
			f.Tiers = append(f.Tiers, AmountTier{Min: tier.Min, Delta: tier.Delta})
		}
		sort.Slice(f.Tiers, func(i, j int) bool { return f.Tiers[i].Min < f.Tiers[j].Min })
	case FactorCompletion:
	default:
		return Factor{}, fmt.Errorf("unknown factor type %q", fc.Type)
	}
	return f, nil
}

func (t *kindTable) has(s domain.Status) bool {
	_, ok := t.index[s]
	return ok
}

func (t *kindTable) find(from, to domain.Status) (TransitionRule, bool) {
	for _, r := range t.transitions[from] {
		if r.To == to {
			return r, true
		}
	}
	return TransitionRule{}, false
}

// terminal: no allowed outgoing rule. A status whose only rules are
// disallowed can never be left either.
func (t *kindTable) terminal(s domain.Status) bool {
	for _, r := range t.transitions[s] {
		if r.Allowed {
			return false
		}
	}
	return true
}

func (r *Registry) table(kind domain.Kind) (*kindTable, error) {
	if !kind.Valid() || r.kinds[kind] == nil {
		return nil, configErr(kind.String(), "", "unknown kind")
	}
	return r.kinds[kind], nil
}

func (r *Registry) tableStatus(kind domain.Kind, s domain.Status) (*kindTable, error) {
	t, err := r.table(kind)
	if err != nil {
		return nil, err
	}
	if !t.has(s) {
		return nil, configErr(kind.String(), string(s), "unknown status")
	}
	return t, nil
}

// Kinds returns the configured kinds in declaration order.
func (r *Registry) Kinds() []domain.Kind {
	var out []domain.Kind
	for _, k := range domain.AllKinds() {
		if r.kinds[k] != nil {
			out = append(out, k)
		}
	}
	return out
}

func (r *Registry) Statuses(kind domain.Kind) ([]StatusDef, error) {
	t, err := r.table(kind)
	if err != nil {
		return nil, err
	}
	out := make([]StatusDef, len(t.statuses))
	copy(out, t.statuses)
	return out, nil
}

func (r *Registry) Status(kind domain.Kind, s domain.Status) (StatusDef, error) {
	t, err := r.tableStatus(kind, s)
	if err != nil {
		return StatusDef{}, err
	}
	return t.statuses[t.index[s]], nil
}

// HasStatus is the non-failing membership test, for input validation at
// the boundary.
func (r *Registry) HasStatus(kind domain.Kind, s domain.Status) bool {
	t, err := r.table(kind)
	return err == nil && t.has(s)
}

func (r *Registry) Initial(kind domain.Kind) (domain.Status, error) {
	t, err := r.table(kind)
	if err != nil {
		return "", err
	}
	return t.initial, nil
}

// TransitionsFrom returns every rule whose source is s, including
// disallowed ones, in configuration order.
func (r *Registry) TransitionsFrom(kind domain.Kind, s domain.Status) ([]TransitionRule, error) {
	t, err := r.tableStatus(kind, s)
	if err != nil {
		return nil, err
	}
	out := make([]TransitionRule, len(t.transitions[s]))
	copy(out, t.transitions[s])
	return out, nil
}

// Transition looks up the rule for from -> to. ok is false when no rule
// exists; both statuses must be declared.
func (r *Registry) Transition(kind domain.Kind, from, to domain.Status) (TransitionRule, bool, error) {
	t, err := r.tableStatus(kind, from)
	if err != nil {
		return TransitionRule{}, false, err
	}
	if !t.has(to) {
		return TransitionRule{}, false, configErr(kind.String(), string(to), "unknown status")
	}
	rule, ok := t.find(from, to)
	return rule, ok, nil
}

func (r *Registry) IsTerminal(kind domain.Kind, s domain.Status) (bool, error) {
	t, err := r.tableStatus(kind, s)
	if err != nil {
		return false, err
	}
	return t.terminal(s), nil
}

func (r *Registry) AutoTransitionFor(kind domain.Kind, s domain.Status) (AutoRule, bool, error) {
	t, err := r.tableStatus(kind, s)
	if err != nil {
		return AutoRule{}, false, err
	}
	rule, ok := t.auto[s]
	return rule, ok, nil
}

// AutoSources lists the statuses owning an auto rule, in declaration order.
func (r *Registry) AutoSources(kind domain.Kind) ([]domain.Status, error) {
	t, err := r.table(kind)
	if err != nil {
		return nil, err
	}
	var out []domain.Status
	for _, s := range t.statuses {
		if _, ok := t.auto[s.ID]; ok {
			out = append(out, s.ID)
		}
	}
	return out, nil
}

func (r *Registry) EscalationFor(kind domain.Kind, s domain.Status) (EscalationRule, bool, error) {
	t, err := r.tableStatus(kind, s)
	if err != nil {
		return EscalationRule{}, false, err
	}
	rule, ok := t.escalations[s]
	return rule, ok, nil
}

// EscalationStatuses lists the statuses owning an escalation rule.
func (r *Registry) EscalationStatuses(kind domain.Kind) ([]domain.Status, error) {
	t, err := r.table(kind)
	if err != nil {
		return nil, err
	}
	var out []domain.Status
	for _, s := range t.statuses {
		if _, ok := t.escalations[s.ID]; ok {
			out = append(out, s.ID)
		}
	}
	return out, nil
}
