package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/verification/entity"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/verification/repo"
	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/utilities"
)

const codeDigits = 6

var (
	ErrInvalidMode   = errors.New("invalid verification mode")
	ErrNoChallenge   = errors.New("no challenge to resend")
	ErrResendTooSoon = errors.New("resend requested too soon")
)

// CompleteFunc applies the effect of a matched challenge. It runs in the
// transaction that consumes the challenge; an error rolls both back.
type CompleteFunc func(ctx context.Context, tx *sqlx.Tx, c *entity.Challenge) error

// Result is what Verify observed.
type Result struct {
	Outcome      entity.Outcome
	Challenge    *entity.Challenge
	AttemptsLeft int
}

// Service issues, supersedes and verifies numeric codes.
type Service struct {
	db      *sqlx.DB
	repo    *repo.ChallengeRepo
	channel Channel
	cfg     Config
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func NewService(db *sqlx.DB, ch Channel, cfg Config, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		db:      db,
		repo:    repo.NewChallengeRepo(db),
		channel: ch,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Issue creates a fresh code for the account and hands it to the channel.
// The new challenge is stored inactive and only replaces the previous
// active one after delivery succeeded, so a failed delivery leaves the
// earlier code matchable.
func (s *Service) Issue(ctx context.Context, accountID, sentTo string, mode entity.Mode) (string, error) {
	if !mode.Valid() {
		return "", ErrInvalidMode
	}
	code, err := utilities.NewNumericCode(codeDigits)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	now := s.now()
	staged := now
	c := &entity.Challenge{
		ID:           utilities.NewSnowflakeID(),
		AccountID:    accountID,
		CodeHash:     string(hash),
		SentTo:       sentTo,
		Mode:         mode,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.cfg.ChallengeTTL),
		SupersededAt: &staged,
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return "", fmt.Errorf("insert challenge: %w", err)
	}

	if err := s.channel.Send(ctx, Message{ToAddress: sentTo, Code: code, Mode: mode}); err != nil {
		s.logger.Warnw("challenge not delivered", "account_id", accountID, "mode", mode, "err", err)
		return "", fmt.Errorf("deliver code: %w", err)
	}

	activate := func() error {
		return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if err := s.repo.SupersedeActiveTx(ctx, tx, accountID, s.now()); err != nil {
				return fmt.Errorf("supersede challenge: %w", err)
			}
			n, err := s.repo.ActivateTx(ctx, tx, c.ID)
			if err != nil {
				return fmt.Errorf("activate challenge: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("activate challenge %s: row missing", c.ID)
			}
			return nil
		})
	}
	err = activate()
	if err != nil && database.IsUniqueViolation(err) {
		// a concurrent issue for the same account activated first
		err = activate()
	}
	if err != nil {
		return "", err
	}
	c.SupersededAt = nil
	s.logger.Infow("challenge issued", "account_id", accountID, "mode", mode, "expires_at", c.ExpiresAt)
	return code, nil
}

// Verify checks code against the account's active challenge. Only a match
// consumes it; the consumption and complete run in one transaction, so a
// second concurrent match observes NOT_FOUND.
func (s *Service) Verify(ctx context.Context, accountID, code string, complete CompleteFunc) (*Result, error) {
	c, err := s.repo.GetActive(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Result{Outcome: entity.OutcomeNotFound}, nil
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if c.Attempts >= s.cfg.MaxAttempts {
		return &Result{Outcome: entity.OutcomeLocked, Challenge: c}, nil
	}
	if c.Expired(s.now()) {
		return &Result{Outcome: entity.OutcomeExpired, Challenge: c}, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
		n, err := s.repo.IncrementAttempts(ctx, c.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &Result{Outcome: entity.OutcomeNotFound}, nil
			}
			return nil, fmt.Errorf("count attempt: %w", err)
		}
		c.Attempts = n
		left := s.cfg.MaxAttempts - n
		if left < 0 {
			left = 0
		}
		s.logger.Debugw("code mismatch", "account_id", accountID, "attempts", n)
		return &Result{Outcome: entity.OutcomeMismatch, Challenge: c, AttemptsLeft: left}, nil
	}

	consumed := false
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := s.now()
		n, err := s.repo.ConsumeTx(ctx, tx, c.ID, now)
		if err != nil {
			return fmt.Errorf("consume challenge: %w", err)
		}
		if n == 0 {
			return nil
		}
		c.ConsumedAt = &now
		if complete != nil {
			if err := complete(ctx, tx, c); err != nil {
				return err
			}
		}
		consumed = true
		return nil
	})
	if err != nil {
		c.ConsumedAt = nil
		return nil, err
	}
	if !consumed {
		return &Result{Outcome: entity.OutcomeNotFound}, nil
	}
	s.logger.Infow("challenge matched", "account_id", accountID, "mode", c.Mode)
	return &Result{Outcome: entity.OutcomeMatch, Challenge: c}, nil
}

// Resend re-issues a code with the mode and address of the most recent
// challenge, starting a new expiry window.
func (s *Service) Resend(ctx context.Context, accountID string) (string, error) {
	latest, err := s.repo.GetLatest(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoChallenge
		}
		return "", fmt.Errorf("load latest challenge: %w", err)
	}
	if latest.ConsumedAt != nil {
		return "", ErrNoChallenge
	}
	// a latest row that never became active is one whose delivery failed
	if latest.Active() && s.now().Sub(latest.IssuedAt) < s.cfg.ResendCooldown {
		return "", ErrResendTooSoon
	}
	return s.Issue(ctx, accountID, latest.SentTo, latest.Mode)
}
