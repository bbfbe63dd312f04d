package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"statusflow/internal/engine"
)

// Event types written to the audit log.
const (
	TypeStatusChanged   = "status.changed"
	TypeStatusEscalated = "status.escalated"
	TypeEntityCreated   = "entity.created"
	TypeEntityUpdated   = "entity.updated"
	TypeRoleGranted     = "rbac.granted"
	TypeRoleRevoked     = "rbac.revoked"
	TypeRoleDefined     = "rbac.role_defined"
	TypeAPIKeyCreated   = "apikey.created"
	TypeAPIKeyRevoked   = "apikey.revoked"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends audit rows to the events table. It implements
// engine.Auditor.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. tx may be nil to write outside a transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	var ex execer = w.DB
	if tx != nil {
		ex = tx
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Record stores an engine audit record.
func (w Writer) Record(ctx context.Context, rec engine.AuditRecord) error {
	evtType := TypeStatusChanged
	if rec.Action == engine.ActionEscalation {
		evtType = TypeStatusEscalated
	}
	payload := EventPayload{
		"action":      rec.Action,
		"description": rec.Description,
		"from":        string(rec.From),
		"reason":      rec.Reason,
		"system":      rec.Actor.System,
	}
	if rec.To != "" {
		payload["to"] = string(rec.To)
	}
	if !rec.At.IsZero() {
		payload["at"] = rec.At.UTC().Format(time.RFC3339)
	}
	return w.Append(ctx, nil, evtType, rec.Kind.String(), rec.EntityID, rec.Actor.ID, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
