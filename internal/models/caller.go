package models

import "github.com/google/uuid"

// Caller is the authenticated member behind a request.
type Caller struct {
	MemberID uuid.UUID
	Role     string
}

func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}
