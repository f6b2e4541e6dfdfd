package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

type membershipKey struct {
	userID uuid.UUID
	orgID  uuid.UUID
}

// OrganizationStore implements store.OrganizationStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type OrganizationStore struct {
	mu sync.RWMutex

	organizations map[uuid.UUID]*models.Organization // org_id -> Organization
	slugs         map[string]uuid.UUID               // slug -> org_id
	users         map[uuid.UUID]*models.User         // user_id -> User
	emails        map[string]uuid.UUID               // email -> user_id
	memberships   map[membershipKey]*models.Membership
}

// NewOrganizationStore creates a new in-memory organization store.
func NewOrganizationStore() *OrganizationStore {
	return &OrganizationStore{
		organizations: make(map[uuid.UUID]*models.Organization),
		slugs:         make(map[string]uuid.UUID),
		users:         make(map[uuid.UUID]*models.User),
		emails:        make(map[string]uuid.UUID),
		memberships:   make(map[membershipKey]*models.Membership),
	}
}

// CreateOrganization creates a new organization in memory.
func (s *OrganizationStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.organizations[org.OrgID]; exists {
		return store.ErrOrganizationAlreadyExists
	}
	if _, exists := s.slugs[org.Slug]; exists {
		return store.ErrOrganizationAlreadyExists
	}

	// Clone to avoid external modifications
	clone := *org
	s.organizations[org.OrgID] = &clone
	s.slugs[org.Slug] = org.OrgID

	return nil
}

// GetOrganizationBySlug retrieves an organization by slug.
func (s *OrganizationStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgID, exists := s.slugs[slug]
	if !exists {
		return nil, store.ErrOrganizationNotFound
	}

	clone := *s.organizations[orgID]
	return &clone, nil
}

// CreateUser creates a new user in memory.
func (s *OrganizationStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.UserID]; exists {
		return store.ErrUserAlreadyExists
	}
	if _, exists := s.emails[user.Email]; exists {
		return store.ErrUserAlreadyExists
	}

	clone := *user
	s.users[user.UserID] = &clone
	s.emails[user.Email] = user.UserID

	return nil
}

// GetUserByEmail retrieves a user by email.
func (s *OrganizationStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, exists := s.emails[email]
	if !exists {
		return nil, store.ErrUserNotFound
	}

	clone := *s.users[userID]
	return &clone, nil
}

// AddMembership grants a user access to an organization.
func (s *OrganizationStore) AddMembership(ctx context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[m.UserID]; !exists {
		return store.ErrUserNotFound
	}
	if _, exists := s.organizations[m.OrgID]; !exists {
		return store.ErrOrganizationNotFound
	}

	key := membershipKey{userID: m.UserID, orgID: m.OrgID}
	if _, exists := s.memberships[key]; exists {
		return nil
	}

	clone := *m
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.memberships[key] = &clone

	return nil
}

// IsMember reports whether the user belongs to the organization.
func (s *OrganizationStore) IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.memberships[membershipKey{userID: userID, orgID: orgID}]
	return exists, nil
}

// ListMemberships returns the user's memberships, oldest first.
func (s *OrganizationStore) ListMemberships(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Membership
	for key, m := range s.memberships {
		if key.userID == userID {
			clone := *m
			result = append(result, &clone)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}
