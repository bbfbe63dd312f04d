package repo

import (
	"context"
	"database/sql"
	"fmt"

	"statusflow/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

type Role struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// DefineRole creates a role or replaces its capability list. Capability
// names are checked against the declared set.
func (r Repo) DefineRole(ctx context.Context, tx *sql.Tx, id, desc string, caps []string) error {
	if _, err := domain.ParseCapabilities(caps); err != nil {
		return err
	}
	ex := r.exec(tx)
	if _, err := ex.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=COALESCE(excluded.description, roles.description)`, id, nullable(desc)); err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	if _, err := ex.ExecContext(ctx, `DELETE FROM role_capabilities WHERE role_id=?`, id); err != nil {
		return err
	}
	for _, c := range caps {
		if _, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO role_capabilities(role_id, capability) VALUES (?,?)`, id, c); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE id=?`, roleID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.exec(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id, COALESCE(r.description,''), COALESCE(rc.capability,'')
FROM roles r LEFT JOIN role_capabilities rc ON rc.role_id=r.id ORDER BY r.id, rc.capability`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var id, desc, capability string
		if err := rows.Scan(&id, &desc, &capability); err != nil {
			return nil, err
		}
		if len(roles) == 0 || roles[len(roles)-1].ID != id {
			roles = append(roles, Role{ID: id, Description: desc, Capabilities: []string{}})
		}
		if capability != "" {
			last := &roles[len(roles)-1]
			last.Capabilities = append(last.Capabilities, capability)
		}
	}
	return roles, rows.Err()
}

// CountCapabilityHolders counts actors holding capability through any role.
func (r Repo) CountCapabilityHolders(ctx context.Context, capability string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT ar.actor_id) FROM actor_roles ar
JOIN role_capabilities rc ON rc.role_id=ar.role_id WHERE rc.capability=?`, capability).Scan(&n)
	return n, err
}
