package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// defaultSpaceName is the space every user gets on first use.
const defaultSpaceName = "My Space"

// UserRepository handles users and their spaces.
type UserRepository struct {
	db DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user. A duplicate email, compared case-insensitively by
// the citext column, comes back as ErrConflict.
func (r *UserRepository) Create(ctx context.Context, email, passwordHash string) (*User, error) {
	user := &User{Email: email, PasswordHash: passwordHash}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2)
		 RETURNING id, created_at, updated_at`,
		email, passwordHash,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	user := &User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = $1`,
		email,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return user, err
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	user := &User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return user, err
}

// EnsureDefaultSpace returns the user's default space id, creating the
// space on first use.
func (r *UserRepository) EnsureDefaultSpace(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM spaces WHERE user_id = $1 AND is_default = TRUE`,
		userID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup default space: %w", err)
	}
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO spaces (user_id, name, is_default) VALUES ($1, $2, TRUE) RETURNING id`,
		userID, defaultSpaceName,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create default space: %w", err)
	}
	return id, nil
}

// CreateSpace adds a named space. Making it the default demotes any
// previous default first, so the one-default-per-user index holds
// throughout. Duplicate names per user come back as ErrConflict.
func (r *UserRepository) CreateSpace(ctx context.Context, userID int64, name string, isDefault bool) (*Space, error) {
	if isDefault {
		_, err := r.db.ExecContext(ctx,
			`UPDATE spaces SET is_default = FALSE WHERE user_id = $1 AND is_default`,
			userID,
		)
		if err != nil {
			return nil, fmt.Errorf("demote previous default space: %w", err)
		}
	}
	space := &Space{UserID: userID, Name: name, IsDefault: isDefault}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO spaces (user_id, name, is_default) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		userID, name, isDefault,
	).Scan(&space.ID, &space.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create space: %w", err)
	}
	return space, nil
}

// ListSpaces returns the user's spaces, default first, then by name.
func (r *UserRepository) ListSpaces(ctx context.Context, userID int64) ([]Space, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, is_default, created_at
		 FROM spaces WHERE user_id = $1
		 ORDER BY is_default DESC, name ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []Space
	for rows.Next() {
		var s Space
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.IsDefault, &s.CreatedAt); err != nil {
			return nil, err
		}
		spaces = append(spaces, s)
	}
	return spaces, rows.Err()
}
