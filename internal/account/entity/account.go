package entity

import "time"

// Account is the durable application identity. Its ID equals the ID of the
// AuthIdentity it was provisioned with.
type Account struct {
	ID             string    `db:"id"`
	ChatIdentityID *string   `db:"chat_identity_id"`
	EmailAddress   *string   `db:"email_address"`
	EmailVerified  bool      `db:"email_verified"`
	DisplayName    string    `db:"display_name"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// BoundTo reports whether the account is bound to the given chat identity.
func (a *Account) BoundTo(chatIdentityID string) bool {
	return a.ChatIdentityID != nil && *a.ChatIdentityID == chatIdentityID
}

// Unbound reports whether no chat identity is bound to the account.
func (a *Account) Unbound() bool {
	return a.ChatIdentityID == nil || *a.ChatIdentityID == ""
}

// AuthIdentity is the shadow record owned by the auth subsystem that
// accounts.id references.
type AuthIdentity struct {
	ID               string    `db:"id"`
	PlaceholderEmail string    `db:"placeholder_email"`
	CreatedAt        time.Time `db:"created_at"`
}

// ProfileHints carries optional descriptive data from the chat platform.
type ProfileHints struct {
	DisplayName string
}
