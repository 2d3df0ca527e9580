package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RSVP status enums.
const (
	RSVPStatusGoing     = "going"
	RSVPStatusCancelled = "cancelled"
	RSVPStatusNoShow    = "no_show"
)

// DefaultMaxPartySize applies when an event does not set max_party_size.
const DefaultMaxPartySize = 10

type RSVP struct {
	ID               uuid.UUID       `json:"id"`
	MemberID         uuid.UUID       `json:"member_id"`
	EventID          uuid.UUID       `json:"event_id"`
	Status           string          `json:"status"`
	PartySize        int             `json:"party_size"`
	PartyComposition json.RawMessage `json:"party_composition,omitempty"`
	CoinTotal        int             `json:"coin_total"`
	ReservationID    *uuid.UUID      `json:"reservation_id,omitempty"`
	CheckedInAt      *time.Time      `json:"checked_in_at,omitempty"`
	CheckedInBy      *uuid.UUID      `json:"checked_in_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Event is the read-only policy input for the coin ledger.
type Event struct {
	ID                uuid.UUID `json:"id"`
	BusinessID        uuid.UUID `json:"business_id"`
	Title             string    `json:"title"`
	StartTime         time.Time `json:"start_time"`
	RefundPolicy      string    `json:"refund_policy"`
	CoinsEnabled      bool      `json:"coins_enabled"`
	CoinCostPerPerson int       `json:"coin_cost_per_person"`
	MaxPartySize      *int      `json:"max_party_size,omitempty"`
}

// RequiresCoins reports whether attending costs coins.
func (e *Event) RequiresCoins() bool {
	return e.CoinsEnabled && e.CoinCostPerPerson > 0
}

// PartySizeLimit returns max_party_size or DefaultMaxPartySize.
func (e *Event) PartySizeLimit() int {
	if e.MaxPartySize != nil && *e.MaxPartySize > 0 {
		return *e.MaxPartySize
	}
	return DefaultMaxPartySize
}
