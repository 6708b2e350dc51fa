package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// SiteRepo implements dispatch.CredentialsProvider against PostgreSQL.
type SiteRepo struct{ db *sql.DB }

// NewSiteRepo creates a Postgres-backed site repository.
func NewSiteRepo(db *sql.DB) *SiteRepo { return &SiteRepo{db: db} }

// SigningCredentials loads a site's VAPID key pair.
func (r *SiteRepo) SigningCredentials(ctx context.Context, siteID string) (domain.SigningCredentials, error) {
	var c domain.SigningCredentials
	var private string
	err := r.db.QueryRowContext(ctx, `
		SELECT vapid_public_key, vapid_private_key, COALESCE(vapid_subject, '')
		FROM push_sites
		WHERE id = $1
	`, siteID).Scan(&c.PublicKey, &private, &c.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("site %s: %w", siteID, dispatch.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("load signing credentials: %w", err)
	}
	if c.PublicKey == "" || private == "" {
		return c, fmt.Errorf("site %s has no VAPID key pair", siteID)
	}
	c.PrivateKey = domain.Secret(private)
	return c, nil
}
