package entity

import "time"

// Mode says what a successful verification completes.
type Mode string

const (
	ModeRegister Mode = "REGISTER"
	ModeLink     Mode = "LINK"
)

func (m Mode) Valid() bool { return m == ModeRegister || m == ModeLink }

// Outcome is the result of checking a submitted code.
type Outcome string

const (
	OutcomeMatch    Outcome = "MATCH"
	OutcomeMismatch Outcome = "MISMATCH"
	OutcomeExpired  Outcome = "EXPIRED"
	OutcomeNotFound Outcome = "NOT_FOUND"
	// OutcomeLocked is returned once a challenge has used up its attempts.
	OutcomeLocked Outcome = "LOCKED"
)

// Challenge is one issued verification code. Only a bcrypt hash of the
// code is stored.
type Challenge struct {
	ID           string     `db:"id"`
	AccountID    string     `db:"account_id"`
	CodeHash     string     `db:"code_hash"`
	SentTo       string     `db:"sent_to"`
	Mode         Mode       `db:"mode"`
	Attempts     int        `db:"attempts"`
	IssuedAt     time.Time  `db:"issued_at"`
	ExpiresAt    time.Time  `db:"expires_at"`
	ConsumedAt   *time.Time `db:"consumed_at"`
	SupersededAt *time.Time `db:"superseded_at"`
}

// Active reports whether the challenge can still be matched, ignoring expiry.
func (c *Challenge) Active() bool {
	return c.ConsumedAt == nil && c.SupersededAt == nil
}

// Expired reports whether now is past the expiry instant.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
