package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus is the state of a coin hold.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationRefunded  ReservationStatus = "refunded"
	ReservationForfeited ReservationStatus = "forfeited"
	ReservationRedeemed  ReservationStatus = "redeemed"
)

// ResolutionType records why a reservation left the held state.
type ResolutionType string

const (
	ResolutionCancelRefund  ResolutionType = "cancel_refund"
	ResolutionCancelForfeit ResolutionType = "cancel_forfeit"
	ResolutionCheckin       ResolutionType = "checkin"
	ResolutionNoShow        ResolutionType = "noshow"
)

// reservationTransitions lists, per source state, the states it may move to.
// Terminal states have no entry.
var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationHeld: {ReservationRefunded, ReservationForfeited, ReservationRedeemed},
}

// CanTransition reports whether a reservation may move from one status to another.
func CanTransition(from, to ReservationStatus) bool {
	for _, s := range reservationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s ReservationStatus) Terminal() bool {
	return len(reservationTransitions[s]) == 0
}

// resolutionTargets maps every resolution to the only status it may produce.
var resolutionTargets = map[ResolutionType]ReservationStatus{
	ResolutionCancelRefund:  ReservationRefunded,
	ResolutionCancelForfeit: ReservationForfeited,
	ResolutionCheckin:       ReservationRedeemed,
	ResolutionNoShow:        ReservationForfeited,
}

// Target returns the status a resolution resolves to.
func (r ResolutionType) Target() (ReservationStatus, bool) {
	s, ok := resolutionTargets[r]
	return s, ok
}

// Reservation is coins held against one RSVP.
type Reservation struct {
	ID             uuid.UUID         `json:"id"`
	MemberID       uuid.UUID         `json:"member_id"`
	EventID        uuid.UUID         `json:"event_id"`
	RSVPID         uuid.UUID         `json:"rsvp_id"`
	Amount         int               `json:"amount"`
	Status         ReservationStatus `json:"status"`
	HeldAt         time.Time         `json:"held_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	ResolutionType *ResolutionType   `json:"resolution_type,omitempty"`
}
