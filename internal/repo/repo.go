package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"statusflow/internal/domain"
)

// Repo is the SQLite store behind the engine's persistence, audit and
// notification collaborators.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned by UpdateStatus when the stored status moved.
var ErrConflict = domain.ErrConflict

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

const entityColumns = `kind,id,status,status_changed_at,COALESCE(priority,''),due_date,checklist_ratio,amount,
validated_at,COALESCE(validated_by,''),completed_at,paid_at,started_at,ended_at,period_start,period_end,
COALESCE(assignee_id,''),COALESCE(manager_id,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var e domain.Entity
	var kind, changed, priority string
	var due, validated, completed, paid, started, ended, periodStart, periodEnd sql.NullString
	err := row.Scan(&kind, &e.ID, &e.Status, &changed, &priority, &due, &e.ChecklistRatio, &e.Amount,
		&validated, &e.ValidatedBy, &completed, &paid, &started, &ended, &periodStart, &periodEnd,
		&e.AssigneeID, &e.ManagerID)
	if err != nil {
		return domain.Entity{}, err
	}
	if err := e.Kind.UnmarshalText([]byte(kind)); err != nil {
		return domain.Entity{}, err
	}
	e.Priority = domain.Priority(priority)
	if e.StatusChangedAt, err = parseTime(changed); err != nil {
		return domain.Entity{}, fmt.Errorf("entity %s/%s status_changed_at: %w", kind, e.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{due, &e.DueDate}, {validated, &e.ValidatedAt}, {completed, &e.CompletedAt}, {paid, &e.PaidAt},
		{started, &e.StartedAt}, {ended, &e.EndedAt}, {periodStart, &e.PeriodStart}, {periodEnd, &e.PeriodEnd},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return domain.Entity{}, fmt.Errorf("entity %s/%s: %w", kind, e.ID, err)
		}
	}
	return e, nil
}

// UpsertEntity creates an entity or refreshes its attributes. Status and
// its derived fields are only written on insert; afterwards they change
// through UpdateStatus alone.
func (r Repo) UpsertEntity(ctx context.Context, e domain.Entity) (created bool, err error) {
	if strings.TrimSpace(e.ID) == "" {
		return false, errors.New("id required")
	}
	if e.Status == "" {
		return false, errors.New("status required")
	}
	now := formatTime(r.now())
	changed := e.StatusChangedAt
	if changed.IsZero() {
		changed = r.now()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO entities(kind,id,status,status_changed_at,priority,due_date,checklist_ratio,amount,
validated_at,validated_by,completed_at,paid_at,started_at,ended_at,period_start,period_end,assignee_id,manager_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(kind,id) DO NOTHING`,
		e.Kind.String(), e.ID, string(e.Status), formatTime(changed), nullable(string(e.Priority)), nullableTime(e.DueDate),
		e.ChecklistRatio, e.Amount, nullableTime(e.ValidatedAt), nullable(e.ValidatedBy), nullableTime(e.CompletedAt),
		nullableTime(e.PaidAt), nullableTime(e.StartedAt), nullableTime(e.EndedAt), nullableTime(e.PeriodStart),
		nullableTime(e.PeriodEnd), nullable(e.AssigneeID), nullable(e.ManagerID), now, now)
	if err != nil {
		return false, fmt.Errorf("insert entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE entities SET priority=?,due_date=?,checklist_ratio=?,amount=?,period_start=?,period_end=?,
assignee_id=?,manager_id=?,updated_at=? WHERE kind=? AND id=?`,
		nullable(string(e.Priority)), nullableTime(e.DueDate), e.ChecklistRatio, e.Amount, nullableTime(e.PeriodStart),
		nullableTime(e.PeriodEnd), nullable(e.AssigneeID), nullable(e.ManagerID), now, e.Kind.String(), e.ID)
	if err != nil {
		return false, fmt.Errorf("update entity: %w", err)
	}
	return false, nil
}

func (r Repo) GetEntity(ctx context.Context, kind domain.Kind, id string) (domain.Entity, error) {
	e, err := scanEntity(r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind=? AND id=?`, kind.String(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entity{}, ErrNotFound
	}
	return e, err
}

type EntityFilters struct {
	Kind     *domain.Kind
	Statuses []domain.Status
	Limit    int
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != nil {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind.String())
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY kind, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FindCandidates returns the entities of kind currently in one of statuses.
func (r Repo) FindCandidates(ctx context.Context, kind domain.Kind, statuses []domain.Status) ([]domain.Entity, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return r.ListEntities(ctx, EntityFilters{Kind: &kind, Statuses: statuses})
}

// UpdateStatus writes the new status, its timestamp and derived fields in
// one statement guarded by the expected current status.
func (r Repo) UpdateStatus(ctx context.Context, kind domain.Kind, id string, u domain.StatusUpdate, expected domain.Status) error {
	d := u.Derived
	res, err := r.DB.ExecContext(ctx, `UPDATE entities SET status=?, status_changed_at=?, updated_at=?,
completed_at=COALESCE(?,completed_at), validated_at=COALESCE(?,validated_at), validated_by=COALESCE(?,validated_by),
paid_at=COALESCE(?,paid_at), started_at=COALESCE(?,started_at), ended_at=COALESCE(?,ended_at)
WHERE kind=? AND id=? AND status=?`,
		string(u.To), formatTime(u.ChangedAt), formatTime(r.now()),
		nullableTime(d.CompletedAt), nullableTime(d.ValidatedAt), nullableStringPtr(d.ValidatedBy),
		nullableTime(d.PaidAt), nullableTime(d.StartedAt), nullableTime(d.EndedAt),
		kind.String(), id, string(expected))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var one int
	err = r.DB.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE kind=? AND id=?`, kind.String(), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// CountByStatus returns entity counts per status for a kind.
func (r Repo) CountByStatus(ctx context.Context, kind domain.Kind) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM entities WHERE kind=? GROUP BY status`, kind.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
