package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"statusflow/internal/domain"
	"statusflow/internal/engine"
)

// Enqueue stores a notification for an external delivery channel. It
// implements engine.Notifier. A request whose DedupKey is already stored is
// dropped.
func (r Repo) Enqueue(ctx context.Context, n engine.NotificationRequest) error {
	priority := n.Priority
	if priority == "" {
		priority = domain.NotifyNormal
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,kind,entity_id,message,priority,recipient_id,created_at,dedup_key) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		uuid.NewString(), n.Kind.String(), n.EntityID, n.Message, priority, nullable(n.RecipientID), formatTime(r.now()), nullable(n.DedupKey))
	return err
}

type NotificationFilters struct {
	RecipientID string
	Kind        string
	Pending     bool
	Limit       int
}

// ListNotifications returns notifications newest first.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT id,kind,entity_id,message,priority,COALESCE(recipient_id,''),created_at FROM notifications WHERE 1=1`
	var args []any
	if f.RecipientID != "" {
		query += ` AND recipient_id=?`
		args = append(args, f.RecipientID)
	}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	if f.Pending {
		query += ` AND delivered_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.EntityID, &n.Message, &n.Priority, &n.RecipientID, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkDelivered flags a notification as handed to its channel.
func (r Repo) MarkDelivered(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=? WHERE id=? AND delivered_at IS NULL`, formatTime(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id=?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	return nil
}
