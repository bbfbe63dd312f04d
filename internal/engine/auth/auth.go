package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"statusflow/internal/domain"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Required domain.CapabilitySet
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("requires one of: %s", strings.Join(e.Required.Strings(), ", "))
}

// Service resolves actor capabilities from role grants stored in SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ActorCapabilities unions the capabilities of every role granted to the
// actor. Capabilities no longer declared are ignored.
func (s Service) ActorCapabilities(ctx context.Context, actorID string) (domain.CapabilitySet, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT rc.capability
FROM actor_roles ar
JOIN role_capabilities rc ON rc.role_id=ar.role_id
WHERE ar.actor_id=?`, actorID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return 0, err
		}
		names = append(names, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return domain.CapabilitiesFromNames(names), nil
}

// Require fails with ForbiddenError unless the actor holds at least one of
// the required capabilities. An empty requirement always passes.
func (s Service) Require(ctx context.Context, actorID string, required domain.CapabilitySet) error {
	if required.Empty() {
		return nil
	}
	caps, err := s.ActorCapabilities(ctx, actorID)
	if err != nil {
		return err
	}
	if !caps.HasAny(required) {
		return ForbiddenError{Required: required}
	}
	return nil
}
