package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
)

// querier is implemented by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for the item catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListItems returns catalog items ordered by type and name.
func (r *Repository) ListItems(ctx context.Context, filters ItemFilters) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, type, COALESCE(description, ''), created_at, updated_at
		FROM auth_item
		WHERE ($1::smallint = 0 OR type = $1)
		ORDER BY type, name`, filters.Type)
	if err != nil {
		return nil, fmt.Errorf("roles: list items: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Name, &item.Type, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetItem loads a single item.
func (r *Repository) GetItem(ctx context.Context, name string) (Item, error) {
	var item Item
	err := r.pool.QueryRow(ctx, `
		SELECT name, type, COALESCE(description, ''), created_at, updated_at
		FROM auth_item WHERE name = $1`, name).
		Scan(&item.Name, &item.Type, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("roles: get item: %w", err)
	}
	return item, nil
}

// CreateItem inserts a new item.
func (r *Repository) CreateItem(ctx context.Context, item Item) (Item, error) {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO auth_item (name, type, description, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $4)`, item.Name, item.Type, item.Description, now)
	if err != nil {
		return Item{}, mapError("create item", err)
	}
	item.CreatedAt, item.UpdatedAt = now, now
	return item, nil
}

// DeleteItem removes an item together with its edges and assignments.
func (r *Repository) DeleteItem(ctx context.Context, name string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM auth_item_child WHERE parent = $1 OR child = $1`, name); err != nil {
			return fmt.Errorf("roles: delete edges: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM auth_assignment WHERE item_name = $1`, name); err != nil {
			return fmt.Errorf("roles: delete assignments: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM auth_item WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("roles: delete item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Children lists the direct children of an item.
func (r *Repository) Children(ctx context.Context, parent string) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.name, i.type, COALESCE(i.description, ''), i.created_at, i.updated_at
		FROM auth_item_child c
		JOIN auth_item i ON i.name = c.child
		WHERE c.parent = $1
		ORDER BY i.type, i.name`, parent)
	if err != nil {
		return nil, fmt.Errorf("roles: list children: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Name, &item.Type, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LinkChild inserts a parent→child edge unless child already reaches parent.
// The check and the insert share one transaction holding the edge table lock,
// so concurrent links cannot close a cycle.
func (r *Repository) LinkChild(ctx context.Context, parent, child string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockEdges(ctx, tx); err != nil {
			return err
		}
		if err := checkAcyclic(ctx, tx, parent, child); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO auth_item_child (parent, child) VALUES ($1, $2)`, parent, child)
		return mapError("add child", err)
	})
}

// lockEdges serializes edge writers. It must run before any query of the
// transaction so the repeatable read snapshot sees committed edges.
func lockEdges(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `LOCK TABLE auth_item_child IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("roles: lock edges: %w", err)
	}
	return nil
}

func checkAcyclic(ctx context.Context, q querier, parent, child string) error {
	var found bool
	err := q.QueryRow(ctx, `
		WITH RECURSIVE reach(name) AS (
			SELECT child FROM auth_item_child WHERE parent = $1
			UNION
			SELECT c.child FROM auth_item_child c JOIN reach r ON r.name = c.parent
		)
		SELECT EXISTS (SELECT 1 FROM reach WHERE name = $2)`, child, parent).Scan(&found)
	if err != nil {
		return fmt.Errorf("roles: reach: %w", err)
	}
	if found {
		return fmt.Errorf("%w: %q already contains %q", ErrCycle, child, parent)
	}
	return nil
}

// RemoveChild deletes a parent→child edge.
func (r *Repository) RemoveChild(ctx context.Context, parent, child string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM auth_item_child WHERE parent = $1 AND child = $2`, parent, child)
	if err != nil {
		return fmt.Errorf("roles: remove child: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyPlan upserts every item and edge of a policy plan in one transaction.
// Existing items keep their type; a type mismatch aborts the import.
func (r *Repository) ApplyPlan(ctx context.Context, plan Plan) (int, error) {
	written := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		written = 0
		if err := lockEdges(ctx, tx); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, item := range plan.Items {
			n, err := upsertItem(ctx, tx, item, now)
			if err != nil {
				return err
			}
			written += n
		}
		for _, edge := range plan.Edges {
			if err := checkAcyclic(ctx, tx, edge.Parent, edge.Child); err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO auth_item_child (parent, child) VALUES ($1, $2)
				ON CONFLICT (parent, child) DO NOTHING`, edge.Parent, edge.Child)
			if err != nil {
				return mapError("import edge", err)
			}
			written += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func upsertItem(ctx context.Context, q querier, item Item, now time.Time) (int, error) {
	var stored rbac.ItemType
	err := q.QueryRow(ctx, `SELECT type FROM auth_item WHERE name = $1`, item.Name).Scan(&stored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = q.Exec(ctx, `
			INSERT INTO auth_item (name, type, description, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $4)`, item.Name, item.Type, item.Description, now)
		if err != nil {
			return 0, mapError("import item", err)
		}
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("roles: import item: %w", err)
	case stored != item.Type:
		return 0, fmt.Errorf("%w: %q is a %s, policy declares a %s", ErrExists, item.Name, stored, item.Type)
	}
	if item.Description == "" {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE auth_item SET description = $2, updated_at = $3
		WHERE name = $1 AND description IS DISTINCT FROM $2`, item.Name, item.Description, now)
	if err != nil {
		return 0, fmt.Errorf("roles: import item: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrExists
		case "23503":
			return ErrNotFound
		}
	}
	return fmt.Errorf("roles: %s: %w", op, err)
}
