// Package bootstrap seeds organizations, users and memberships mirrored from the
// identity subsystem.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Bootstrap creates the organization, users and memberships in cfg if they don't exist.
// Running it again with the same config changes nothing.
func Bootstrap(ctx context.Context, orgs store.OrganizationStore, cfg Config) (*Resources, error) {
	slug := strings.ToLower(strings.TrimSpace(cfg.OrgSlug))
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("invalid organization slug %q", cfg.OrgSlug)
	}

	org, err := ensureOrganization(ctx, orgs, slug, cfg.OrgName)
	if err != nil {
		return nil, err
	}

	res := &Resources{
		OrgID:   org.OrgID,
		UserIDs: make(map[string]uuid.UUID, len(cfg.Emails)),
	}

	for _, raw := range cfg.Emails {
		email := NormalizeEmail(raw)
		if !strings.Contains(email, "@") {
			return nil, fmt.Errorf("invalid email %q", raw)
		}

		user, err := ensureUser(ctx, orgs, email)
		if err != nil {
			return nil, err
		}

		err = orgs.AddMembership(ctx, &models.Membership{UserID: user.UserID, OrgID: org.OrgID, CreatedAt: time.Now()})
		if err != nil {
			return nil, fmt.Errorf("failed to add membership for %s: %w", email, err)
		}

		res.UserIDs[email] = user.UserID
	}

	log.Info().
		Str("org_id", org.OrgID.String()).
		Str("slug", slug).
		Int("members", len(res.UserIDs)).
		Msg("Tenant bootstrapped")

	return res, nil
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ensureOrganization(ctx context.Context, orgs store.OrganizationStore, slug, name string) (*models.Organization, error) {
	org, err := orgs.GetOrganizationBySlug(ctx, slug)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, store.ErrOrganizationNotFound) {
		return nil, fmt.Errorf("failed to look up organization: %w", err)
	}

	orgID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = slug
	}

	now := time.Now()
	org = &models.Organization{OrgID: orgID, Slug: slug, Name: name, CreatedAt: now, UpdatedAt: now}

	err = orgs.CreateOrganization(ctx, org)
	if errors.Is(err, store.ErrOrganizationAlreadyExists) {
		// created concurrently
		return orgs.GetOrganizationBySlug(ctx, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	return org, nil
}

func ensureUser(ctx context.Context, orgs store.OrganizationStore, email string) (*models.User, error) {
	user, err := orgs.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	userID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	user = &models.User{UserID: userID, Email: email, CreatedAt: time.Now()}

	err = orgs.CreateUser(ctx, user)
	if errors.Is(err, store.ErrUserAlreadyExists) {
		return orgs.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}
