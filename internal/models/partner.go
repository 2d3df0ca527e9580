package models

import (
	"github.com/google/uuid"
)

// Partner is a registered kiosk operator authenticated by API key.
type Partner struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	IsActive  bool      `json:"is_active"`
}
