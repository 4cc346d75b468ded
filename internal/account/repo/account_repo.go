package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/account/entity"
)

const accountColumns = `id, chat_identity_id, email_address, email_verified, display_name, created_at, updated_at`

// AccountRepo provides data access for the accounts table using sqlx.
// Queries are written with ? placeholders and rebound for the driver.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// CreateBoundTo inserts an unverified account for an already provisioned
// identity and returns the row bound to chatIdentityID. A concurrent insert
// for the same chat identity loses on the UNIQUE constraint and fetches the
// winner's row instead.
func (r *AccountRepo) CreateBoundTo(ctx context.Context, identityID, chatIdentityID, displayName string, now time.Time) (*entity.Account, error) {
	q := r.db.Rebind(`INSERT INTO accounts (id, chat_identity_id, email_verified, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	if _, err := r.db.ExecContext(ctx, q, identityID, chatIdentityID, false, displayName, now, now); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	a, err := r.GetByChatIdentity(ctx, chatIdentityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("identity %s is bound to another account", identityID)
		}
		return nil, err
	}
	return a, nil
}

// GetByChatIdentity returns the account bound to a chat identity or sql.ErrNoRows.
func (r *AccountRepo) GetByChatIdentity(ctx context.Context, chatIdentityID string) (*entity.Account, error) {
	q := r.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE chat_identity_id = ?`)
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, chatIdentityID); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID fetches a full account row.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	return getByID(ctx, r.db, id)
}

// FindByEmail returns the account holding the address, preferring the
// verified owner when unverified rows share it.
func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	q := r.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE email_address = ?
		ORDER BY email_verified DESC, created_at ASC LIMIT 1`)
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, email); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByIDTx reads an account inside a transaction.
func (r *AccountRepo) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*entity.Account, error) {
	return getByID(ctx, tx, id)
}

// MarkVerifiedTx records a verified email on the account. The partial unique
// index on verified addresses rejects a second owner.
func (r *AccountRepo) MarkVerifiedTx(ctx context.Context, tx *sqlx.Tx, id, email string, now time.Time) (int64, error) {
	q := tx.Rebind(`UPDATE accounts SET email_address = ?, email_verified = ?, updated_at = ? WHERE id = ?`)
	res, err := tx.ExecContext(ctx, q, email, true, now, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BindChatIdentityTx binds chatIdentityID to the account only if it is
// unbound or already bound to that identity.
func (r *AccountRepo) BindChatIdentityTx(ctx context.Context, tx *sqlx.Tx, id, chatIdentityID string, now time.Time) (int64, error) {
	q := tx.Rebind(`UPDATE accounts SET chat_identity_id = ?, updated_at = ?
		WHERE id = ? AND (chat_identity_id IS NULL OR chat_identity_id = ?)`)
	res, err := tx.ExecContext(ctx, q, chatIdentityID, now, id, chatIdentityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteTx removes an account row; its challenges cascade.
func (r *AccountRepo) DeleteTx(ctx context.Context, tx *sqlx.Tx, id string) (int64, error) {
	q := tx.Rebind(`DELETE FROM accounts WHERE id = ?`)
	res, err := tx.ExecContext(ctx, q, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DB exposes the handle so callers can open transactions spanning repos.
func (r *AccountRepo) DB() *sqlx.DB { return r.db }

func getByID(ctx context.Context, q sqlx.ExtContext, id string) (*entity.Account, error) {
	query := q.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`)
	var a entity.Account
	if err := sqlx.GetContext(ctx, q, &a, query, id); err != nil {
		return nil, err
	}
	return &a, nil
}
