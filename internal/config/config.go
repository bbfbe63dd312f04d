package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the registry file looked up in a workspace.
const FileName = "statusflow.yml"

// Config models statusflow.yml: the declarative workflow registry plus
// delivery settings for status events.
type Config struct {
	Version    int                   `yaml:"version"`
	Kinds      map[string]KindConfig `yaml:"kinds"`
	Conditions map[string]string     `yaml:"conditions,omitempty"`
	Webhooks   []WebhookConfig       `yaml:"webhooks,omitempty"`
}

type KindConfig struct {
	Initial     string             `yaml:"initial"`
	Statuses    []StatusConfig     `yaml:"statuses"`
	Transitions []TransitionConfig `yaml:"transitions"`
	Auto        []AutoConfig       `yaml:"auto,omitempty"`
	Escalations []EscalationConfig `yaml:"escalations,omitempty"`
}

type StatusConfig struct {
	ID          string   `yaml:"id"`
	Label       string   `yaml:"label,omitempty"`
	Description string   `yaml:"description,omitempty"`
	OnEnter     []string `yaml:"on_enter,omitempty"`
}

type TransitionConfig struct {
	From         string   `yaml:"from"`
	To           string   `yaml:"to"`
	Allowed      *bool    `yaml:"allowed,omitempty"`
	Requires     []string `yaml:"requires,omitempty"`
	MinDwellDays *int     `yaml:"min_dwell_days,omitempty"`
	Reason       string   `yaml:"reason,omitempty"`
}

type AutoConfig struct {
	From        string         `yaml:"from"`
	To          string         `yaml:"to"`
	BaseDays    int            `yaml:"base_days"`
	Condition   string         `yaml:"condition"`
	Factors     []FactorConfig `yaml:"factors,omitempty"`
	Description string         `yaml:"description,omitempty"`
}

// FactorConfig is a variation factor; Type selects which fields apply.
type FactorConfig struct {
	Type    string         `yaml:"type"`
	Adjust  map[string]int `yaml:"adjust,omitempty"`
	Tiers   []AmountTier   `yaml:"tiers,omitempty"`
	AtLeast float64        `yaml:"at_least,omitempty"`
}

type AmountTier struct {
	Min   float64 `yaml:"min"`
	Delta int     `yaml:"delta"`
}

type EscalationConfig struct {
	Status      string `yaml:"status"`
	TimeoutDays int    `yaml:"timeout_days"`
	Action      string `yaml:"action"`
	Target      string `yaml:"target,omitempty"`
	Condition   string `yaml:"condition,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// WebhookConfig is one receiver of status events. Events defaults to
// status.changed and status.escalated; empty Kinds or Statuses match all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Kinds          []string `yaml:"kinds,omitempty"`
	Statuses       []string `yaml:"statuses,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Factor types and escalation actions accepted in the registry file.
const (
	FactorPriority   = "priority"
	FactorAmount     = "amount"
	FactorCompletion = "completion"

	ActionNotify         = "notify"
	ActionNotifyManager  = "notify_manager"
	ActionProcessPayment = "process_payment"
	ActionReassign       = "reassign"
)

// Load reads and validates the registry file from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default registry if the workspace has no file.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks the structure of the file. Cross references between kinds,
// statuses, capabilities and conditions are checked by registry.Build.
func (c *Config) Validate() error {
	if len(c.Kinds) == 0 {
		return fmt.Errorf("config.kinds is required")
	}
	for name, k := range c.Kinds {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.kinds contains empty kind name")
		}
		if k.Initial == "" {
			return fmt.Errorf("kind %s: initial status is required", name)
		}
		if len(k.Statuses) == 0 {
			return fmt.Errorf("kind %s: statuses are required", name)
		}
		seen := map[string]bool{}
		for _, s := range k.Statuses {
			if s.ID == "" {
				return fmt.Errorf("kind %s: status with empty id", name)
			}
			if seen[s.ID] {
				return fmt.Errorf("kind %s: duplicate status %s", name, s.ID)
			}
			seen[s.ID] = true
		}
		for i, t := range k.Transitions {
			if t.From == "" || t.To == "" {
				return fmt.Errorf("kind %s: transition #%d needs from and to", name, i)
			}
			if t.MinDwellDays != nil && *t.MinDwellDays < 0 {
				return fmt.Errorf("kind %s: transition %s -> %s has negative min_dwell_days", name, t.From, t.To)
			}
		}
		for _, a := range k.Auto {
			if a.From == "" || a.To == "" {
				return fmt.Errorf("kind %s: auto rule needs from and to", name)
			}
			if a.BaseDays < 0 {
				return fmt.Errorf("kind %s: auto rule %s has negative base_days", name, a.From)
			}
			if a.Condition == "" {
				return fmt.Errorf("kind %s: auto rule %s needs a condition", name, a.From)
			}
			for _, f := range a.Factors {
				switch f.Type {
				case FactorPriority:
					if len(f.Adjust) == 0 {
						return fmt.Errorf("kind %s: priority factor on %s has no adjust map", name, a.From)
					}
				case FactorAmount:
					if len(f.Tiers) == 0 {
						return fmt.Errorf("kind %s: amount factor on %s has no tiers", name, a.From)
					}
				case FactorCompletion:
					if f.AtLeast <= 0 || f.AtLeast > 1 {
						return fmt.Errorf("kind %s: completion factor on %s needs at_least in (0,1]", name, a.From)
					}
				default:
					return fmt.Errorf("kind %s: unknown factor type %q", name, f.Type)
				}
			}
		}
		for _, e := range k.Escalations {
			if e.Status == "" {
				return fmt.Errorf("kind %s: escalation needs a status", name)
			}
			if e.TimeoutDays < 0 {
				return fmt.Errorf("kind %s: escalation on %s has negative timeout_days", name, e.Status)
			}
			switch e.Action {
			case ActionNotify, ActionNotifyManager, ActionReassign:
			case ActionProcessPayment:
				if e.Target == "" {
					return fmt.Errorf("kind %s: process_payment escalation on %s needs a target", name, e.Status)
				}
			default:
				return fmt.Errorf("kind %s: unknown escalation action %q", name, e.Action)
			}
		}
	}
	for name, expr := range c.Conditions {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(expr) == "" {
			return fmt.Errorf("config.conditions entries need a name and an expression")
		}
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, k := range w.Kinds {
			if _, ok := c.Kinds[k]; !ok {
				return fmt.Errorf("config.webhooks[%d]: unknown kind %q", i, k)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default registry configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `version: 1

kinds:
  work_item:
    initial: backlog
    statuses:
      - id: backlog
        label: Backlog
        description: Captured, not yet planned
      - id: todo
        label: To-Do
        description: Planned for the current iteration
      - id: in_progress
        label: In progress
        description: Someone is working on it
        on_enter: [started_at]
      - id: review
        label: Review
        description: Waiting for a reviewer
      - id: done
        label: Done
        description: Reviewed and complete
        on_enter: [completed_at]
    transitions:
      - {from: backlog, to: todo, reason: planned for work}
      - {from: todo, to: backlog, reason: moved back to backlog}
      - {from: todo, to: in_progress, reason: work started}
      - {from: in_progress, to: todo, reason: work paused}
      - {from: in_progress, to: review, reason: submitted for review}
      - {from: in_progress, to: done, allowed: false, reason: must go through review first}
      - {from: review, to: in_progress, reason: changes requested}
      - {from: review, to: done, requires: [work_item.review, admin], reason: review approved}
    auto:
      - from: backlog
        to: todo
        base_days: 0
        condition: dueDateReached
        description: Overdue backlog items are pulled into To-Do
      - from: in_progress
        to: review
        base_days: 5
        condition: checklistAbove80
        description: Items with a mostly complete checklist go to review
        factors:
          - type: priority
            adjust: {urgent: -2, high: -1, low: 2}
          - type: completion
            at_least: 1.0
    escalations:
      - {status: in_progress, timeout_days: 14, action: notify, description: Work item stalled in progress}
      - {status: review, timeout_days: 5, action: notify_manager, description: Review pending too long}

  time_entry:
    initial: draft
    statuses:
      - {id: draft, label: Draft}
      - {id: submitted, label: Submitted}
      - {id: validated, label: Validated, on_enter: [validated_at, validated_by]}
      - {id: rejected, label: Rejected}
    transitions:
      - {from: draft, to: submitted, reason: submitted for validation}
      - {from: submitted, to: draft, reason: recalled by author}
      - {from: submitted, to: validated, requires: [time_entry.validate, admin], reason: validated by manager}
      - {from: submitted, to: rejected, requires: [time_entry.validate, admin], reason: rejected by manager}
      - {from: rejected, to: draft, reason: reopened for correction}
    auto:
      - from: submitted
        to: validated
        base_days: 7
        condition: always
        description: Unchallenged submissions are validated after a week
    escalations:
      - {status: submitted, timeout_days: 3, action: notify_manager, description: Time entry awaiting validation}

  expense:
    initial: pending
    statuses:
      - {id: pending, label: Pending approval}
      - {id: approved, label: Approved, on_enter: [validated_at, validated_by]}
      - {id: rejected, label: Rejected}
      - {id: paid, label: Paid, on_enter: [paid_at]}
    transitions:
      - {from: pending, to: approved, requires: [expense.approve, admin], reason: expense approved}
      - {from: pending, to: rejected, requires: [expense.approve, admin], reason: expense rejected}
      - {from: rejected, to: pending, reason: expense resubmitted}
      - {from: approved, to: paid, requires: [expense.pay, admin], reason: payment issued}
    auto:
      - from: approved
        to: paid
        base_days: 3
        condition: validatedNDaysAgo
        description: Approved expenses are paid in the next payment run
        factors:
          - type: amount
            tiers:
              - {min: 1000, delta: 1}
              - {min: 5000, delta: 2}
    escalations:
      - {status: pending, timeout_days: 5, action: notify_manager, description: Expense awaiting approval}
      - {status: approved, timeout_days: 7, action: process_payment, target: paid, description: Approved expense not paid in time}

  iteration:
    initial: planned
    statuses:
      - {id: planned, label: Planned}
      - {id: active, label: Active, on_enter: [started_at]}
      - {id: closed, label: Closed, on_enter: [ended_at]}
    transitions:
      - {from: planned, to: active, requires: [iteration.manage, admin], reason: iteration started}
      - {from: active, to: closed, requires: [iteration.manage, admin], min_dwell_days: 1, reason: iteration closed}
    auto:
      - {from: planned, to: active, base_days: 0, condition: periodStarted, description: Iterations start on their first day}
      - {from: active, to: closed, base_days: 0, condition: periodEnded, description: Iterations close after their last day}
    escalations:
      - {status: active, timeout_days: 30, action: notify, description: Iteration running unusually long}

  initiative:
    initial: proposed
    statuses:
      - {id: proposed, label: Proposed}
      - {id: approved, label: Approved}
      - {id: in_progress, label: In progress, on_enter: [started_at]}
      - {id: on_hold, label: On hold}
      - {id: completed, label: Completed, on_enter: [completed_at]}
      - {id: cancelled, label: Cancelled}
    transitions:
      - {from: proposed, to: approved, requires: [initiative.approve, admin], reason: initiative approved}
      - {from: proposed, to: cancelled, requires: [initiative.manage, admin], reason: initiative cancelled}
      - {from: approved, to: in_progress, requires: [initiative.manage, admin], reason: execution started}
      - {from: approved, to: cancelled, requires: [initiative.manage, admin], reason: initiative cancelled}
      - {from: in_progress, to: on_hold, requires: [initiative.manage, admin], reason: put on hold}
      - {from: on_hold, to: in_progress, requires: [initiative.manage, admin], reason: resumed}
      - {from: in_progress, to: completed, requires: [initiative.manage, admin], min_dwell_days: 1, reason: initiative completed}
      - {from: in_progress, to: cancelled, requires: [initiative.manage, admin], reason: initiative cancelled}
      - {from: on_hold, to: cancelled, requires: [initiative.manage, admin], reason: initiative cancelled}
    auto:
      - {from: approved, to: in_progress, base_days: 0, condition: periodStarted, description: Approved initiatives start on their planned date}
    escalations:
      - {status: proposed, timeout_days: 10, action: notify_manager, description: Proposal awaiting a decision}
      - {status: on_hold, timeout_days: 21, action: reassign, description: Initiative on hold for three weeks}

  deliverable:
    initial: draft
    statuses:
      - {id: draft, label: Draft}
      - {id: in_review, label: In review}
      - {id: validated, label: Validated, on_enter: [validated_at, validated_by]}
      - {id: delivered, label: Delivered, on_enter: [completed_at]}
      - {id: rejected, label: Rejected}
    transitions:
      - {from: draft, to: in_review, reason: submitted for review}
      - {from: in_review, to: validated, requires: [deliverable.validate, admin], reason: deliverable validated}
      - {from: in_review, to: rejected, requires: [deliverable.validate, admin], reason: deliverable rejected}
      - {from: rejected, to: draft, reason: reworked}
      - {from: validated, to: delivered, reason: delivered to client}
    auto:
      - from: validated
        to: delivered
        base_days: 2
        condition: validatedNDaysAgo
        description: Validated deliverables ship after the hand-off delay
        factors:
          - type: priority
            adjust: {urgent: -2, high: -1}
    escalations:
      - {status: in_review, timeout_days: 5, action: reassign, description: Deliverable review stalled}
`
