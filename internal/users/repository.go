package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `id, username, COALESCE(email, ''), email_confirmed, password_hash, auth_key,
	COALESCE(confirmation_token, ''), COALESCE(bind_to_ip, ''), COALESCE(registration_ip, ''),
	status, superadmin, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.EmailConfirmed, &u.PasswordHash, &u.AuthKey,
		&u.ConfirmationToken, &u.BindToIP, &u.RegistrationIP, &u.Status, &u.Superadmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

// Get loads a user by id.
func (r *Repository) Get(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM "user" WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("users: get: %w", err)
	}
	return u, err
}

// GetByConfirmationToken loads the user holding a pending confirmation token.
func (r *Repository) GetByConfirmationToken(ctx context.Context, token string) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM "user" WHERE confirmation_token = $1`, token))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("users: get by token: %w", err)
	}
	return u, err
}

// List returns one page of users ordered by id, and the total match count.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]User, int, error) {
	var (
		where []string
		args  []any
	)
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		where = append(where, fmt.Sprintf("(username ILIKE $%d OR email ILIKE $%d)", len(args), len(args)))
	}
	if filters.Status != nil {
		args = append(args, *filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM "user"`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("users: count: %w", err)
	}

	args = append(args, filters.PerPage, (filters.Page-1)*filters.PerPage)
	query := fmt.Sprintf(`SELECT %s FROM "user"%s ORDER BY id LIMIT $%d OFFSET $%d`, userColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// Create inserts a user and returns it with id and timestamps.
func (r *Repository) Create(ctx context.Context, u User) (User, error) {
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO "user" (username, email, email_confirmed, password_hash, auth_key, confirmation_token,
			bind_to_ip, registration_ip, status, superadmin, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $11)
		RETURNING id`,
		u.Username, u.Email, u.EmailConfirmed, u.PasswordHash, u.AuthKey, u.ConfirmationToken,
		u.BindToIP, u.RegistrationIP, u.Status, u.Superadmin, now).Scan(&u.ID)
	if err != nil {
		return User{}, mapWriteError("create", err)
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return u, nil
}

// Update writes every mutable column.
func (r *Repository) Update(ctx context.Context, u User) (User, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE "user" SET username = $2, email = NULLIF($3, ''), email_confirmed = $4, password_hash = $5,
			auth_key = $6, confirmation_token = NULLIF($7, ''), bind_to_ip = NULLIF($8, ''), status = $9,
			superadmin = $10, updated_at = $11
		WHERE id = $1`,
		u.ID, u.Username, u.Email, u.EmailConfirmed, u.PasswordHash, u.AuthKey, u.ConfirmationToken,
		u.BindToIP, u.Status, u.Superadmin, now)
	if err != nil {
		return User{}, mapWriteError("update", err)
	}
	if tag.RowsAffected() == 0 {
		return User{}, ErrNotFound
	}
	u.UpdatedAt = now
	return u, nil
}

// Delete removes a user. Assignments and login sessions cascade.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM "user" WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("users: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UsernameTaken reports whether another user has username.
func (r *Repository) UsernameTaken(ctx context.Context, username string, exceptID int64) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "user" WHERE username = $1 AND id <> $2)`, username, exceptID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("users: username taken: %w", err)
	}
	return taken, nil
}

// ConfirmedEmailTaken reports whether another active user confirmed email.
func (r *Repository) ConfirmedEmailTaken(ctx context.Context, email string, exceptID int64) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM "user"
			WHERE lower(email) = lower($1) AND email_confirmed AND status = $2 AND id <> $3
		)`, email, StatusActive, exceptID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("users: email taken: %w", err)
	}
	return taken, nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		field := "username"
		if strings.Contains(pgErr.ConstraintName, "email") {
			field = "email"
		}
		return &ValidationError{Fields: map[string]string{field: "has already been taken"}}
	}
	return fmt.Errorf("users: %s: %w", op, err)
}
