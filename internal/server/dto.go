package server

import (
	"encoding/json"
	"time"

	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/registry"
	"statusflow/internal/repo"
)

// Request payloads

// EntityRequest seeds or refreshes an entity. Status is only honoured on
// create; afterwards status moves through transitions alone.
type EntityRequest struct {
	Status          string     `json:"status,omitempty"`
	StatusChangedAt *time.Time `json:"status_changed_at,omitempty"`
	Priority        string     `json:"priority,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	ChecklistRatio  float64    `json:"checklist_ratio,omitempty" minimum:"0" maximum:"1"`
	Amount          float64    `json:"amount,omitempty" minimum:"0"`
	ValidatedAt     *time.Time `json:"validated_at,omitempty"`
	ValidatedBy     string     `json:"validated_by,omitempty"`
	PeriodStart     *time.Time `json:"period_start,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	ManagerID       string     `json:"manager_id,omitempty"`
}

type TransitionRequest struct {
	To string `json:"to"`
}

type PassRequest struct {
	Kinds []string `json:"kinds,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

// Response payloads

type EntityResponse struct {
	Kind            string     `json:"kind"`
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	Priority        string     `json:"priority,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	ChecklistRatio  float64    `json:"checklist_ratio"`
	Amount          float64    `json:"amount"`
	ValidatedAt     *time.Time `json:"validated_at,omitempty"`
	ValidatedBy     string     `json:"validated_by,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	PeriodStart     *time.Time `json:"period_start,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	ManagerID       string     `json:"manager_id,omitempty"`
}

type DenialResponse struct {
	Code         string   `json:"code"`
	Reason       string   `json:"reason"`
	Sufficient   []string `json:"sufficient,omitempty"`
	RequiredDays int      `json:"required_days,omitempty"`
	ElapsedDays  int      `json:"elapsed_days,omitempty"`
}

type TransitionResponse struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Applied  bool            `json:"applied"`
	Reason   string          `json:"reason"`
	Conflict bool            `json:"conflict,omitempty"`
	Denial   *DenialResponse `json:"denial,omitempty"`
	Entity   *EntityResponse `json:"entity,omitempty"`
}

type AvailableResponse struct {
	Kind      string   `json:"kind"`
	EntityID  string   `json:"entity_id"`
	Current   string   `json:"current"`
	Available []string `json:"available"`
}

type StatusViewResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Terminal    bool   `json:"terminal"`
}

type AutoTransitionResponse struct {
	Target        string `json:"target"`
	Description   string `json:"description,omitempty"`
	Condition     string `json:"condition"`
	ConditionMet  bool   `json:"condition_met"`
	ThresholdDays int    `json:"threshold_days"`
	ElapsedDays   int    `json:"elapsed_days"`
	RemainingDays int    `json:"remaining_days"`
}

type EscalationResponse struct {
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	DaysSince int    `json:"days_since"`
}

type StatusInfoResponse struct {
	Kind           string                  `json:"kind"`
	EntityID       string                  `json:"entity_id"`
	Current        StatusViewResponse      `json:"current"`
	Available      []string                `json:"available"`
	AutoTransition *AutoTransitionResponse `json:"auto_transition,omitempty"`
	Escalation     *EscalationResponse     `json:"escalation,omitempty"`
}

type TransitionRuleResponse struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	Allowed      bool     `json:"allowed"`
	Requires     []string `json:"requires,omitempty"`
	MinDwellDays *int     `json:"min_dwell_days,omitempty"`
	Reason       string   `json:"reason"`
}

type AutoRuleResponse struct {
	From        string `json:"from"`
	To          string `json:"to"`
	BaseDays    int    `json:"base_days"`
	Condition   string `json:"condition"`
	Factors     int    `json:"factors"`
	Description string `json:"description,omitempty"`
}

type EscalationRuleResponse struct {
	Status      string `json:"status"`
	TimeoutDays int    `json:"timeout_days"`
	Action      string `json:"action"`
	Target      string `json:"target,omitempty"`
	Condition   string `json:"condition"`
	Description string `json:"description,omitempty"`
}

type KindRegistryResponse struct {
	Kind        string                   `json:"kind"`
	Initial     string                   `json:"initial"`
	Statuses    []StatusViewResponse     `json:"statuses"`
	Transitions []TransitionRuleResponse `json:"transitions"`
	Auto        []AutoRuleResponse       `json:"auto"`
	Escalations []EscalationRuleResponse `json:"escalations"`
}

type TransitionRecordResponse struct {
	EntityID string `json:"entity_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
}

type EscalationRecordResponse struct {
	EntityID  string `json:"entity_id"`
	Action    string `json:"action"`
	DaysSince int    `json:"days_since"`
	Applied   bool   `json:"applied,omitempty"`
}

type ItemErrorResponse struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

type KindSummaryResponse struct {
	Kind         string                     `json:"kind"`
	Processed    int                        `json:"processed"`
	Transitioned []TransitionRecordResponse `json:"transitioned"`
	Escalations  []EscalationRecordResponse `json:"escalations"`
	Conflicts    int                        `json:"conflicts"`
	Errors       []ItemErrorResponse        `json:"errors"`
	Error        string                     `json:"error,omitempty"`
	Skipped      bool                       `json:"skipped,omitempty"`
}

type PassResponse struct {
	ID                string                `json:"id"`
	Timestamp         time.Time             `json:"timestamp"`
	PerKind           []KindSummaryResponse `json:"per_kind"`
	TotalTransitioned int                   `json:"total_transitioned"`
	Aborted           bool                  `json:"aborted,omitempty"`
	// Skipped is set when another scheduler holds the pass lock.
	Skipped bool `json:"skipped,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type NotificationResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	EntityID    string `json:"entity_id"`
	Message     string `json:"message"`
	Priority    string `json:"priority"`
	RecipientID string `json:"recipient_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type WhoAmIResponse struct {
	ActorID      string   `json:"actor_id"`
	Source       string   `json:"source"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

type RoleResponse struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// Conversion helpers

func entityResponse(e domain.Entity) EntityResponse {
	return EntityResponse{
		Kind:            e.Kind.String(),
		ID:              e.ID,
		Status:          string(e.Status),
		StatusChangedAt: e.StatusChangedAt,
		Priority:        string(e.Priority),
		DueDate:         e.DueDate,
		ChecklistRatio:  e.ChecklistRatio,
		Amount:          e.Amount,
		ValidatedAt:     e.ValidatedAt,
		ValidatedBy:     e.ValidatedBy,
		CompletedAt:     e.CompletedAt,
		PaidAt:          e.PaidAt,
		StartedAt:       e.StartedAt,
		EndedAt:         e.EndedAt,
		PeriodStart:     e.PeriodStart,
		PeriodEnd:       e.PeriodEnd,
		AssigneeID:      e.AssigneeID,
		ManagerID:       e.ManagerID,
	}
}

func (r EntityRequest) toEntity(kind domain.Kind, id string, priority domain.Priority) domain.Entity {
	e := domain.Entity{
		ID:             id,
		Kind:           kind,
		Status:         domain.Status(r.Status),
		Priority:       priority,
		DueDate:        r.DueDate,
		ChecklistRatio: r.ChecklistRatio,
		Amount:         r.Amount,
		ValidatedAt:    r.ValidatedAt,
		ValidatedBy:    r.ValidatedBy,
		PeriodStart:    r.PeriodStart,
		PeriodEnd:      r.PeriodEnd,
		AssigneeID:     r.AssigneeID,
		ManagerID:      r.ManagerID,
	}
	if r.StatusChangedAt != nil {
		e.StatusChangedAt = *r.StatusChangedAt
	}
	return e
}

func transitionResponse(res engine.Result) TransitionResponse {
	out := TransitionResponse{
		From:     string(res.From),
		To:       string(res.To),
		Applied:  res.Applied,
		Reason:   res.Reason,
		Conflict: res.Conflict,
	}
	if d := res.Denial; d != nil {
		out.Denial = &DenialResponse{
			Code:         string(d.Code),
			Reason:       d.Reason,
			Sufficient:   d.Sufficient.Strings(),
			RequiredDays: d.RequiredDays,
			ElapsedDays:  d.ElapsedDays,
		}
	}
	if res.Applied {
		e := entityResponse(res.Entity)
		out.Entity = &e
	}
	return out
}

func statusInfoResponse(info engine.StatusInfo) StatusInfoResponse {
	out := StatusInfoResponse{
		Kind:     info.Kind.String(),
		EntityID: info.EntityID,
		Current: StatusViewResponse{
			ID:          string(info.Current.ID),
			Label:       info.Current.Label,
			Description: info.Current.Description,
			Terminal:    info.Current.Terminal,
		},
		Available: statusStrings(info.Available),
	}
	if a := info.AutoTransition; a != nil {
		out.AutoTransition = &AutoTransitionResponse{
			Target:        string(a.Target),
			Description:   a.Description,
			Condition:     a.Condition,
			ConditionMet:  a.ConditionMet,
			ThresholdDays: a.ThresholdDays,
			ElapsedDays:   a.ElapsedDays,
			RemainingDays: a.RemainingDays,
		}
	}
	if esc := info.Escalation; esc != nil {
		out.Escalation = &EscalationResponse{
			Action:    string(esc.Action),
			Reason:    esc.Reason,
			DaysSince: esc.DaysSince,
		}
	}
	return out
}

func kindRegistryResponse(reg *registry.Registry, kind domain.Kind) (KindRegistryResponse, error) {
	initial, err := reg.Initial(kind)
	if err != nil {
		return KindRegistryResponse{}, err
	}
	defs, err := reg.Statuses(kind)
	if err != nil {
		return KindRegistryResponse{}, err
	}
	out := KindRegistryResponse{
		Kind:        kind.String(),
		Initial:     string(initial),
		Statuses:    []StatusViewResponse{},
		Transitions: []TransitionRuleResponse{},
		Auto:        []AutoRuleResponse{},
		Escalations: []EscalationRuleResponse{},
	}
	for _, def := range defs {
		terminal, _ := reg.IsTerminal(kind, def.ID)
		out.Statuses = append(out.Statuses, StatusViewResponse{
			ID: string(def.ID), Label: def.Label, Description: def.Description, Terminal: terminal,
		})
		rules, err := reg.TransitionsFrom(kind, def.ID)
		if err != nil {
			return KindRegistryResponse{}, err
		}
		for _, r := range rules {
			tr := TransitionRuleResponse{
				From: string(r.From), To: string(r.To), Allowed: r.Allowed,
				Requires: r.Requires.Strings(), Reason: r.Reason,
			}
			if r.HasDwell {
				days := r.MinDwellDays
				tr.MinDwellDays = &days
			}
			out.Transitions = append(out.Transitions, tr)
		}
		if auto, ok, _ := reg.AutoTransitionFor(kind, def.ID); ok {
			out.Auto = append(out.Auto, AutoRuleResponse{
				From: string(auto.From), To: string(auto.To), BaseDays: auto.BaseDays,
				Condition: auto.Condition, Factors: len(auto.Factors), Description: auto.Description,
			})
		}
		if esc, ok, _ := reg.EscalationFor(kind, def.ID); ok {
			out.Escalations = append(out.Escalations, EscalationRuleResponse{
				Status: string(esc.Status), TimeoutDays: esc.TimeoutDays, Action: string(esc.Action),
				Target: string(esc.Target), Condition: esc.Condition, Description: esc.Description,
			})
		}
	}
	return out, nil
}

func passResponse(s engine.PassSummary) PassResponse {
	out := PassResponse{
		ID:                s.ID,
		Timestamp:         s.Timestamp,
		PerKind:           make([]KindSummaryResponse, 0, len(s.PerKind)),
		TotalTransitioned: s.TotalTransitioned,
		Aborted:           s.Aborted,
	}
	for _, ks := range s.PerKind {
		k := KindSummaryResponse{
			Kind:         ks.Kind.String(),
			Processed:    ks.Processed,
			Transitioned: []TransitionRecordResponse{},
			Escalations:  []EscalationRecordResponse{},
			Conflicts:    ks.Conflicts,
			Errors:       []ItemErrorResponse{},
			Error:        ks.Err,
			Skipped:      ks.Skipped,
		}
		for _, t := range ks.Transitioned {
			k.Transitioned = append(k.Transitioned, TransitionRecordResponse{
				EntityID: t.EntityID, From: string(t.From), To: string(t.To), Reason: t.Reason,
			})
		}
		for _, e := range ks.Escalations {
			k.Escalations = append(k.Escalations, EscalationRecordResponse{
				EntityID: e.EntityID, Action: string(e.Action), DaysSince: e.DaysSince, Applied: e.Applied,
			})
		}
		for _, e := range ks.Errors {
			k.Errors = append(k.Errors, ItemErrorResponse{EntityID: e.EntityID, Error: e.Err})
		}
		out.PerKind = append(out.PerKind, k)
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse(n)
}

func roleResponse(r repo.Role) RoleResponse {
	return RoleResponse(r)
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func statusStrings(in []domain.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
