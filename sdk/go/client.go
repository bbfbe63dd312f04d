package statusflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Statusflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Entity is the engine's copy of a tracked record.
type Entity struct {
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

// EntityInput seeds or refreshes an entity. Status only applies on create.
type EntityInput struct {
	Status         string     `json:"status,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	ChecklistRatio float64    `json:"checklist_ratio,omitempty"`
	Amount         float64    `json:"amount,omitempty"`
	ValidatedAt    *time.Time `json:"validated_at,omitempty"`
	PeriodStart    *time.Time `json:"period_start,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	AssigneeID     string     `json:"assignee_id,omitempty"`
	ManagerID      string     `json:"manager_id,omitempty"`
}

// Transition is the outcome of an applied status change.
type Transition struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Applied bool    `json:"applied"`
	Reason  string  `json:"reason"`
	Entity  *Entity `json:"entity,omitempty"`
}

type Available struct {
	Kind      string   `json:"kind"`
	EntityID  string   `json:"entity_id"`
	Current   string   `json:"current"`
	Available []string `json:"available"`
}

// StatusInfo describes the current status and any pending timed rule.
type StatusInfo struct {
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	Current  struct {
		ID          string `json:"id"`
		Label       string `json:"label"`
		Description string `json:"description,omitempty"`
		Terminal    bool   `json:"terminal"`
	} `json:"current"`
	Available      []string `json:"available"`
	AutoTransition *struct {
		Target        string `json:"target"`
		Condition     string `json:"condition"`
		ConditionMet  bool   `json:"condition_met"`
		ThresholdDays int    `json:"threshold_days"`
		ElapsedDays   int    `json:"elapsed_days"`
		RemainingDays int    `json:"remaining_days"`
	} `json:"auto_transition,omitempty"`
	Escalation *struct {
		Action    string `json:"action"`
		Reason    string `json:"reason"`
		DaysSince int    `json:"days_since"`
	} `json:"escalation,omitempty"`
}

type KindSummary struct {
	Kind         string `json:"kind"`
	Processed    int    `json:"processed"`
	Transitioned []struct {
		EntityID string `json:"entity_id"`
		From     string `json:"from"`
		To       string `json:"to"`
		Reason   string `json:"reason"`
	} `json:"transitioned"`
	Escalations []struct {
		EntityID  string `json:"entity_id"`
		Action    string `json:"action"`
		DaysSince int    `json:"days_since"`
		Applied   bool   `json:"applied,omitempty"`
	} `json:"escalations"`
	Conflicts int `json:"conflicts"`
	Errors    []struct {
		EntityID string `json:"entity_id"`
		Error    string `json:"error"`
	} `json:"errors"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Pass is the summary of one scheduled pass.
type Pass struct {
	ID                string        `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	PerKind           []KindSummary `json:"per_kind"`
	TotalTransitioned int           `json:"total_transitioned"`
	Aborted           bool          `json:"aborted,omitempty"`
	Skipped           bool          `json:"skipped,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Notification struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	EntityID    string `json:"entity_id"`
	Message     string `json:"message"`
	Priority    string `json:"priority"`
	RecipientID string `json:"recipient_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type WhoAmI struct {
	ActorID      string   `json:"actor_id"`
	Source       string   `json:"source"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

// APIError wraps non-2xx responses. Code and Details come from the
// {"error":{...}} envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsDenied reports whether err is a refused transition (permission or rule).
func IsDenied(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "transition_denied" || apiErr.Code == "permission_denied"
}

// IsConflict reports whether the entity changed status concurrently.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// PutEntity seeds or refreshes an entity. Requires the admin capability.
func (c *Client) PutEntity(ctx context.Context, kind, id string, in EntityInput) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPut, entityPath(kind, id), in, &resp)
	return resp, err
}

func (c *Client) GetEntity(ctx context.Context, kind, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, entityPath(kind, id), nil, &resp)
	return resp, err
}

// ListEntities lists entities of a kind, optionally in one status.
func (c *Client) ListEntities(ctx context.Context, kind, status string, limit int) ([]Entity, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Entity
	err := c.do(ctx, http.MethodGet, withQuery("entities/"+url.PathEscape(kind), q), nil, &resp)
	return resp, err
}

// Transition requests a status change. Denials come back as *APIError
// (see IsDenied and IsConflict).
func (c *Client) Transition(ctx context.Context, kind, id, to string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/transitions", map[string]string{"to": to}, &resp)
	return resp, err
}

// AvailableTransitions lists the statuses the caller may move the entity to.
func (c *Client) AvailableTransitions(ctx context.Context, kind, id string) (Available, error) {
	var resp Available
	err := c.do(ctx, http.MethodGet, entityPath(kind, id)+"/transitions", nil, &resp)
	return resp, err
}

func (c *Client) DescribeStatus(ctx context.Context, kind, id string) (StatusInfo, error) {
	var resp StatusInfo
	err := c.do(ctx, http.MethodGet, entityPath(kind, id)+"/status", nil, &resp)
	return resp, err
}

// RunPass triggers one scheduled pass over kinds (all when empty).
func (c *Client) RunPass(ctx context.Context, kinds ...string) (Pass, error) {
	var resp Pass
	err := c.do(ctx, http.MethodPost, "scheduler/pass", map[string]any{"kinds": kinds}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Notifications lists outbox entries; pending restricts to undelivered.
func (c *Client) Notifications(ctx context.Context, recipientID string, pending bool) ([]Notification, error) {
	q := url.Values{}
	if recipientID != "" {
		q.Set("recipient_id", recipientID)
	}
	if pending {
		q.Set("pending", "true")
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, withQuery("notifications", q), nil, &resp)
	return resp, err
}

func (c *Client) MarkDelivered(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(id)+"/delivered", nil, nil)
}

func (c *Client) WhoAmI(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func entityPath(kind, id string) string {
	return fmt.Sprintf("entities/%s/%s", url.PathEscape(kind), url.PathEscape(id))
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}
