package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store is the persistence port of the evaluator.
type Store interface {
	InsertAssignment(ctx context.Context, userID int64, item string, at time.Time) error
	DeleteAssignment(ctx context.Context, userID int64, item string) (int64, error)
	ListAssignments(ctx context.Context, userID int64) ([]Assignment, error)
	LoadGrants(ctx context.Context, userID int64) (Grants, error)
	RoutesUnder(ctx context.Context, item string) ([]string, error)
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a PGStore backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// InsertAssignment adds a user→item edge.
func (s *PGStore) InsertAssignment(ctx context.Context, userID int64, item string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO auth_assignment (user_id, item_name, created_at) VALUES ($1, $2, $3)`, userID, item, at.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return ErrAssignmentExists
			case pgForeignKeyViolation:
				return ErrUnknownItem
			}
		}
		return fmt.Errorf("rbac: insert assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes a user→item edge and reports the affected rows.
func (s *PGStore) DeleteAssignment(ctx context.Context, userID int64, item string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_assignment WHERE user_id = $1 AND item_name = $2`, userID, item)
	if err != nil {
		return 0, fmt.Errorf("rbac: delete assignment: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListAssignments returns the user's direct assignments ordered by name.
func (s *PGStore) ListAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, item_name, created_at FROM auth_assignment WHERE user_id = $1 ORDER BY item_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.UserID, &a.ItemName, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadGrants reads the user's assigned items and every child edge reachable
// from them. UNION in the recursive term stops on cyclic item graphs.
func (s *PGStore) LoadGrants(ctx context.Context, userID int64) (Grants, error) {
	var grants Grants

	rows, err := s.pool.Query(ctx, `
		SELECT a.item_name, i.type
		FROM auth_assignment a
		JOIN auth_item i ON i.name = a.item_name
		WHERE a.user_id = $1`, userID)
	if err != nil {
		return Grants{}, fmt.Errorf("rbac: load assignments: %w", err)
	}
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Name, &item.Type); err != nil {
			rows.Close()
			return Grants{}, err
		}
		grants.Assigned = append(grants.Assigned, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Grants{}, err
	}

	rows, err = s.pool.Query(ctx, `
		WITH RECURSIVE reach(name) AS (
			SELECT item_name FROM auth_assignment WHERE user_id = $1
			UNION
			SELECT c.child FROM auth_item_child c JOIN reach r ON r.name = c.parent
		)
		SELECT c.parent, c.child, i.type
		FROM auth_item_child c
		JOIN reach r ON r.name = c.parent
		JOIN auth_item i ON i.name = c.child`, userID)
	if err != nil {
		return Grants{}, fmt.Errorf("rbac: load item edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var edge Edge
		if err := rows.Scan(&edge.Parent, &edge.Child.Name, &edge.Child.Type); err != nil {
			return Grants{}, err
		}
		grants.Edges = append(grants.Edges, edge)
	}
	return grants, rows.Err()
}

// RoutesUnder lists every route item reachable from item.
func (s *PGStore) RoutesUnder(ctx context.Context, item string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE reach(name) AS (
			SELECT $1::text
			UNION
			SELECT c.child FROM auth_item_child c JOIN reach r ON r.name = c.parent
		)
		SELECT i.name FROM auth_item i JOIN reach r ON r.name = i.name
		WHERE i.type = $2
		ORDER BY i.name`, item, TypeRoute)
	if err != nil {
		return nil, fmt.Errorf("rbac: routes under %s: %w", item, err)
	}
	defer rows.Close()
	var routes []string
	for rows.Next() {
		var route string
		if err := rows.Scan(&route); err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

var _ Store = (*PGStore)(nil)
