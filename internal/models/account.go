package models

import (
	"time"

	"github.com/google/uuid"
)

// Member roles carried in the "role" claim of member tokens.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Account holds a member's Joy Coin balance. One row per member, keyed by MemberID.
type Account struct {
	MemberID      uuid.UUID `json:"member_id"`
	Email         string    `json:"email"`
	Balance       int       `json:"balance"`
	LifetimeSpent int       `json:"lifetime_spent"`
	PinHash       *string   `json:"-"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasPIN reports whether the member has set a kiosk PIN.
func (a *Account) HasPIN() bool {
	return a.PinHash != nil && *a.PinHash != ""
}
