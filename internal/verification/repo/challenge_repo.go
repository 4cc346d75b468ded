package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/verification/entity"
)

// NOTE: at most one row per account_id has consumed_at and superseded_at
// both NULL (uq_challenges_active).

const challengeColumns = `id, account_id, code_hash, sent_to, mode, attempts, issued_at, expires_at, consumed_at, superseded_at`

type ChallengeRepo struct {
	db *sqlx.DB
}

func NewChallengeRepo(db *sqlx.DB) *ChallengeRepo {
	return &ChallengeRepo{db: db}
}

// SupersedeActiveTx makes any active challenge of the account unmatchable.
func (r *ChallengeRepo) SupersedeActiveTx(ctx context.Context, tx *sqlx.Tx, accountID string, now time.Time) error {
	q := tx.Rebind(`UPDATE verification_challenges SET superseded_at = ?
		WHERE account_id = ? AND consumed_at IS NULL AND superseded_at IS NULL`)
	_, err := tx.ExecContext(ctx, q, now, accountID)
	return err
}

// Insert stores a challenge. Issue inserts it superseded and activates it
// once the code was delivered.
func (r *ChallengeRepo) Insert(ctx context.Context, c *entity.Challenge) error {
	q := `INSERT INTO verification_challenges (` + challengeColumns + `)
		VALUES (:id, :account_id, :code_hash, :sent_to, :mode, :attempts, :issued_at, :expires_at, :consumed_at, :superseded_at)`
	_, err := r.db.NamedExecContext(ctx, q, c)
	return err
}

// ActivateTx makes a staged challenge matchable. Call SupersedeActiveTx
// first in the same transaction.
func (r *ChallengeRepo) ActivateTx(ctx context.Context, tx *sqlx.Tx, id string) (int64, error) {
	q := tx.Rebind(`UPDATE verification_challenges SET superseded_at = NULL
		WHERE id = ? AND consumed_at IS NULL`)
	res, err := tx.ExecContext(ctx, q, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetActive returns the account's active challenge or sql.ErrNoRows.
func (r *ChallengeRepo) GetActive(ctx context.Context, accountID string) (*entity.Challenge, error) {
	q := r.db.Rebind(`SELECT ` + challengeColumns + ` FROM verification_challenges
		WHERE account_id = ? AND consumed_at IS NULL AND superseded_at IS NULL`)
	var c entity.Challenge
	if err := r.db.GetContext(ctx, &c, q, accountID); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetLatest returns the most recently issued challenge in any state.
func (r *ChallengeRepo) GetLatest(ctx context.Context, accountID string) (*entity.Challenge, error) {
	q := r.db.Rebind(`SELECT ` + challengeColumns + ` FROM verification_challenges
		WHERE account_id = ? ORDER BY issued_at DESC, id DESC LIMIT 1`)
	var c entity.Challenge
	if err := r.db.GetContext(ctx, &c, q, accountID); err != nil {
		return nil, err
	}
	return &c, nil
}

// IncrementAttempts counts one failed submission and returns the new total.
func (r *ChallengeRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	q := r.db.Rebind(`UPDATE verification_challenges SET attempts = attempts + 1
		WHERE id = ? AND consumed_at IS NULL AND superseded_at IS NULL RETURNING attempts`)
	var n int
	if err := r.db.GetContext(ctx, &n, q, id); err != nil {
		return 0, err
	}
	return n, nil
}

// ConsumeTx sets consumed_at once. A second caller affects zero rows.
func (r *ChallengeRepo) ConsumeTx(ctx context.Context, tx *sqlx.Tx, id string, now time.Time) (int64, error) {
	q := tx.Rebind(`UPDATE verification_challenges SET consumed_at = ?
		WHERE id = ? AND consumed_at IS NULL AND superseded_at IS NULL`)
	res, err := tx.ExecContext(ctx, q, now, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
