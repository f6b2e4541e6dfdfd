package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

// OrganizationStore implements store.OrganizationStore using PostgreSQL.
type OrganizationStore struct {
	pool *pgxpool.Pool
}

// NewOrganizationStore creates a new PostgreSQL-backed organization store.
// It shares the connection pool with other stores.
func NewOrganizationStore(pool *pgxpool.Pool) *OrganizationStore {
	return &OrganizationStore{
		pool: pool,
	}
}

// CreateOrganization creates a new organization in the database.
func (s *OrganizationStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (
			org_id, slug, name, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5
		)
	`

	_, err := s.pool.Exec(ctx, query,
		org.OrgID,
		org.Slug,
		org.Name,
		org.CreatedAt,
		org.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrOrganizationAlreadyExists
		}
		return fmt.Errorf("failed to create organization: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Str("slug", org.Slug).
		Msg("Created organization")

	return nil
}

// GetOrganizationBySlug retrieves an organization by slug.
func (s *OrganizationStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	query := `
		SELECT org_id, slug, name, created_at, updated_at
		FROM organizations
		WHERE slug = $1
	`

	var org models.Organization
	err := s.pool.QueryRow(ctx, query, slug).Scan(
		&org.OrgID,
		&org.Slug,
		&org.Name,
		&org.CreatedAt,
		&org.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", mapPostgresError(err))
	}

	return &org, nil
}

// CreateUser creates a new user in the database.
func (s *OrganizationStore) CreateUser(ctx context.Context, user *models.User) error {
	query := `INSERT INTO users (user_id, email, created_at) VALUES ($1, $2, $3)`

	_, err := s.pool.Exec(ctx, query, user.UserID, user.Email, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("user_id", user.UserID.String()).
		Msg("Created user")

	return nil
}

// GetUserByEmail retrieves a user by email.
func (s *OrganizationStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT user_id, email, created_at FROM users WHERE email = $1`

	var user models.User
	err := s.pool.QueryRow(ctx, query, email).Scan(&user.UserID, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", mapPostgresError(err))
	}

	return &user, nil
}

// AddMembership grants a user access to an organization.
func (s *OrganizationStore) AddMembership(ctx context.Context, m *models.Membership) error {
	query := `
		INSERT INTO memberships (user_id, org_id, created_at)
		VALUES ($1, $2, COALESCE($3, now()))
		ON CONFLICT (user_id, org_id) DO NOTHING
	`

	var createdAt any
	if !m.CreatedAt.IsZero() {
		createdAt = m.CreatedAt
	}

	_, err := s.pool.Exec(ctx, query, m.UserID, m.OrgID, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			if pgErr.ConstraintName == "memberships_user_id_fkey" {
				return store.ErrUserNotFound
			}
			return store.ErrOrganizationNotFound
		}
		return fmt.Errorf("failed to add membership: %w", mapPostgresError(err))
	}

	return nil
}

// IsMember reports whether the user belongs to the organization.
func (s *OrganizationStore) IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM memberships WHERE user_id = $1 AND org_id = $2
		)
	`, userID, orgID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", mapPostgresError(err))
	}

	return exists, nil
}

// ListMemberships returns the user's memberships, oldest first.
func (s *OrganizationStore) ListMemberships(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error) {
	query := `
		SELECT user_id, org_id, created_at
		FROM memberships
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var result []*models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		result = append(result, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}

	return result, nil
}
