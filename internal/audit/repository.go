package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL reader.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Timeline returns rows newest first within the query window.
func (r *PGRepository) Timeline(ctx context.Context, q Query) ([]TimelineRow, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !q.From.IsZero() {
		add("a.occurred_at >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("a.occurred_at < $%d", q.To.UTC())
	}
	if q.ActorID > 0 {
		add("a.actor_id = $%d", q.ActorID)
	}
	if q.Entity != "" {
		add("a.entity = $%d", q.Entity)
	}
	if q.EntityID != "" {
		add("a.entity_id = $%d", q.EntityID)
	}
	if q.Action != "" {
		add("a.action = $%d", q.Action)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit, q.Offset)
	query := fmt.Sprintf(`
		SELECT a.occurred_at, a.actor_id, COALESCE(u.username, ''), a.action, a.entity, a.entity_id, a.meta
		FROM audit_logs a
		LEFT JOIN "user" u ON u.id = a.actor_id%s
		ORDER BY a.occurred_at DESC, a.id DESC
		LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row   TimelineRow
			actor pgtype.Int8
			meta  []byte
		)
		if err := rows.Scan(&row.At, &actor, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan timeline: %w", err)
		}
		if actor.Valid {
			row.ActorID = actor.Int64
		}
		if row.Actor == "" {
			row.Actor = "system"
		}
		row.Meta = meta
		out = append(out, row)
	}
	return out, rows.Err()
}
