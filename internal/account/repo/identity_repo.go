package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/utilities"
)

// IdentityRepo provisions the shadow auth identities that accounts.id
// references.
type IdentityRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewIdentityRepo(db *sqlx.DB) *IdentityRepo {
	return &IdentityRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create provisions an identity for the placeholder address. The address is
// unique, so provisioning the same placeholder twice returns the first
// identity rather than a second one.
func (r *IdentityRepo) Create(ctx context.Context, placeholderEmail string) (*entity.AuthIdentity, error) {
	q := r.db.Rebind(`INSERT INTO auth_identities (id, placeholder_email, created_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`)
	if _, err := r.db.ExecContext(ctx, q, utilities.NewKSUID(), placeholderEmail, r.now()); err != nil {
		return nil, fmt.Errorf("insert auth identity: %w", err)
	}
	var ident entity.AuthIdentity
	sel := r.db.Rebind(`SELECT id, placeholder_email, created_at FROM auth_identities WHERE placeholder_email = ?`)
	if err := r.db.GetContext(ctx, &ident, sel, placeholderEmail); err != nil {
		return nil, fmt.Errorf("fetch auth identity: %w", err)
	}
	return &ident, nil
}

// Delete removes an identity. It fails while an account still references it.
func (r *IdentityRepo) Delete(ctx context.Context, id string) error {
	q := r.db.Rebind(`DELETE FROM auth_identities WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}
