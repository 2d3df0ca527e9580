package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind enumerates coin_transactions.kind.
type TransactionKind string

const (
	TxKindGrant       TransactionKind = "grant"
	TxKindReservation TransactionKind = "reservation"
	TxKindRefund      TransactionKind = "refund"
	TxKindForfeit     TransactionKind = "forfeit"
	TxKindRedemption  TransactionKind = "redemption"
)

// Transaction is one immutable ledger entry. Amount is signed: debits are
// negative, credits positive, state-only entries zero.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	Seq            int64           `json:"seq"`
	MemberID       uuid.UUID       `json:"member_id"`
	Kind           TransactionKind `json:"kind"`
	Amount         int             `json:"amount"`
	BalanceAfter   int             `json:"balance_after"`
	EventID        *uuid.UUID      `json:"event_id,omitempty"`
	RSVPID         *uuid.UUID      `json:"rsvp_id,omitempty"`
	ReservationID  *uuid.UUID      `json:"reservation_id,omitempty"`
	PartnerID      *uuid.UUID      `json:"partner_id,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Note           *string         `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
