package account

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/account/entity"
	accountrepo "github.com/ovaphlow/pitchfork/service-identity-link/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/database"
)

// Provisioner creates and removes the shadow auth identities an account row
// must reference. Create must be idempotent for the same placeholder address.
type Provisioner interface {
	Create(ctx context.Context, placeholderEmail string) (*entity.AuthIdentity, error)
	Delete(ctx context.Context, id string) error
}

var (
	ErrNotFound                 = errors.New("account not found")
	ErrEmailTaken               = errors.New("email already verified by another account")
	ErrTargetUnavailable        = errors.New("target account is not linkable")
	ErrProvisionalNotDisposable = errors.New("provisional account cannot be discarded")
)

// Resolver binds chat identities to accounts and applies the account
// mutations that complete a verification.
type Resolver struct {
	repo              *accountrepo.AccountRepo
	provisioner       Provisioner
	logger            *zap.SugaredLogger
	placeholderDomain string
	now               func() time.Time
}

func NewResolver(db *sqlx.DB, r *accountrepo.AccountRepo, p Provisioner, logger *zap.SugaredLogger, placeholderDomain string) *Resolver {
	if r == nil {
		r = accountrepo.NewAccountRepo(db)
	}
	if p == nil {
		p = accountrepo.NewIdentityRepo(db)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if placeholderDomain == "" {
		placeholderDomain = "chat.invalid"
	}
	return &Resolver{
		repo:              r,
		provisioner:       p,
		logger:            logger,
		placeholderDomain: placeholderDomain,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the account bound to chatIdentityID, provisioning an
// identity and an unverified account on first contact. Both steps are
// insert-or-fetch, so concurrent calls converge on one account.
func (s *Resolver) GetOrCreate(ctx context.Context, chatIdentityID string, hints entity.ProfileHints) (*entity.Account, error) {
	chatIdentityID = strings.TrimSpace(chatIdentityID)
	if chatIdentityID == "" {
		return nil, errors.New("chat identity id is required")
	}
	a, err := s.repo.GetByChatIdentity(ctx, chatIdentityID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get account by chat identity: %w", err)
	}

	ident, err := s.provisioner.Create(ctx, s.PlaceholderEmail(chatIdentityID))
	if err != nil {
		return nil, fmt.Errorf("provision identity: %w", err)
	}
	a, err = s.repo.CreateBoundTo(ctx, ident.ID, chatIdentityID, strings.TrimSpace(hints.DisplayName), s.now())
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.logger.Debugw("account resolved", "chat_identity_id", chatIdentityID, "account_id", a.ID)
	return a, nil
}

// Get returns an account by id.
func (s *Resolver) Get(ctx context.Context, id string) (*entity.Account, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// FindByEmail returns the account that holds an address, or ErrNotFound.
func (s *Resolver) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	a, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// PlaceholderEmail derives the deterministic address used to provision the
// shadow identity of a chat identity.
func (s *Resolver) PlaceholderEmail(chatIdentityID string) string {
	local := "chat-" + chatIdentityID
	for _, r := range chatIdentityID {
		if !isPlaceholderSafe(r) {
			local = "chatx-" + hex.EncodeToString([]byte(chatIdentityID))
			break
		}
	}
	return local + "@" + s.placeholderDomain
}

func isPlaceholderSafe(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.'
}

// CompleteRegistration marks email verified on the account inside tx.
func (s *Resolver) CompleteRegistration(ctx context.Context, tx *sqlx.Tx, accountID, email string) error {
	n, err := s.repo.MarkVerifiedTx(ctx, tx, accountID, email, s.now())
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("mark email verified: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteLink moves chatIdentityID from the provisional account onto the
// verified target and deletes the provisional row, all inside tx. The
// provisional account is re-checked first: it must still be bound to the
// caller, unverified and without an address.
func (s *Resolver) CompleteLink(ctx context.Context, tx *sqlx.Tx, chatIdentityID, provisionalID, targetID string) error {
	if provisionalID == targetID {
		return ErrProvisionalNotDisposable
	}
	prov, err := s.repo.GetByIDTx(ctx, tx, provisionalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load provisional account: %w", err)
	}
	if prov.EmailVerified || prov.EmailAddress != nil || !prov.BoundTo(chatIdentityID) {
		return ErrProvisionalNotDisposable
	}
	target, err := s.repo.GetByIDTx(ctx, tx, targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTargetUnavailable
		}
		return fmt.Errorf("load target account: %w", err)
	}
	if !target.EmailVerified {
		return ErrTargetUnavailable
	}

	// The provisional row goes first so the UNIQUE chat identity is free.
	if _, err := s.repo.DeleteTx(ctx, tx, provisionalID); err != nil {
		return fmt.Errorf("delete provisional account: %w", err)
	}
	n, err := s.repo.BindChatIdentityTx(ctx, tx, targetID, chatIdentityID, s.now())
	if err != nil {
		return fmt.Errorf("bind chat identity: %w", err)
	}
	if n == 0 {
		return ErrTargetUnavailable
	}
	return nil
}

// DiscardIdentity removes the shadow identity of a merged provisional
// account. Failure leaves an orphan identity that no account references.
func (s *Resolver) DiscardIdentity(ctx context.Context, identityID string) {
	if err := s.provisioner.Delete(ctx, identityID); err != nil {
		s.logger.Warnw("discard auth identity failed", "identity_id", identityID, "err", err)
	}
}

// DB exposes the account store handle for transactions that span services.
func (s *Resolver) DB() *sqlx.DB { return s.repo.DB() }
