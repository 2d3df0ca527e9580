// Package reconcile audits the coin ledger against account balances and
// reservations. It reports discrepancies and never repairs them.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/joycircle/backend/internal/metrics"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/repository"
)

// Check names used in findings.
const (
	CheckReplay      = "replay"
	CheckRunningSum  = "balance_after"
	CheckReservation = "reservation_entries"
	CheckLink        = "rsvp_link"
)

type AccountLister interface {
	ListTx(ctx context.Context, tx pgx.Tx) ([]*models.Account, error)
}

type EntryLister interface {
	ListByMemberIDTx(ctx context.Context, tx pgx.Tx, memberID uuid.UUID) ([]*models.Transaction, error)
}

type ReservationLister interface {
	ListByMemberIDTx(ctx context.Context, tx pgx.Tx, memberID uuid.UUID) ([]*models.Reservation, error)
	ListUnlinkedHeldTx(ctx context.Context, tx pgx.Tx) ([]*models.Reservation, error)
}

type Finding struct {
	Check         string     `json:"check"`
	MemberID      uuid.UUID  `json:"member_id"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	Detail        string     `json:"detail"`
}

func (f Finding) String() string {
	if f.ReservationID != nil {
		return fmt.Sprintf("%s member=%s reservation=%s: %s", f.Check, f.MemberID, f.ReservationID, f.Detail)
	}
	return fmt.Sprintf("%s member=%s: %s", f.Check, f.MemberID, f.Detail)
}

type Report struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Accounts     int       `json:"accounts"`
	Entries      int       `json:"entries"`
	Reservations int       `json:"reservations"`
	Findings     []Finding `json:"findings"`
}

// OK reports whether the run found nothing.
func (r *Report) OK() bool { return len(r.Findings) == 0 }

type Reconciler struct {
	// DB opens the snapshot every read of one pass shares.
	DB           repository.SnapshotBeginner
	Accounts     AccountLister
	Entries      EntryLister
	Reservations ReservationLister
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Run checks every account against one consistent snapshot, so writes that
// commit during the pass are not reported. An error means the audit could
// not complete; discrepancies are returned in the report.
func (rc *Reconciler) Run(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: time.Now().UTC()}
	if err := repository.RunInSnapshot(ctx, rc.DB, func(tx pgx.Tx) error {
		return rc.audit(ctx, tx, rep)
	}); err != nil {
		return nil, err
	}

	rep.FinishedAt = time.Now().UTC()
	rc.Metrics.Reconciled(len(rep.Findings))
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, f := range rep.Findings {
		logger.Warn("ledger discrepancy", "check", f.Check, "member_id", f.MemberID, "reservation_id", f.ReservationID, "detail", f.Detail)
	}
	logger.Info("reconciliation finished", "accounts", rep.Accounts, "entries", rep.Entries,
		"reservations", rep.Reservations, "findings", len(rep.Findings))
	return rep, nil
}

func (rc *Reconciler) audit(ctx context.Context, tx pgx.Tx, rep *Report) error {
	accounts, err := rc.Accounts.ListTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := rc.Entries.ListByMemberIDTx(ctx, tx, acc.MemberID)
		if err != nil {
			return fmt.Errorf("list entries for %s: %w", acc.MemberID, err)
		}
		reservations, err := rc.Reservations.ListByMemberIDTx(ctx, tx, acc.MemberID)
		if err != nil {
			return fmt.Errorf("list reservations for %s: %w", acc.MemberID, err)
		}
		rep.Accounts++
		rep.Entries += len(entries)
		rep.Reservations += len(reservations)
		rep.Findings = append(rep.Findings, checkReplay(acc, entries)...)
		rep.Findings = append(rep.Findings, checkReservations(acc.MemberID, reservations, entries)...)
	}

	unlinked, err := rc.Reservations.ListUnlinkedHeldTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("list unlinked reservations: %w", err)
	}
	for _, res := range unlinked {
		id := res.ID
		rep.Findings = append(rep.Findings, Finding{
			Check:         CheckLink,
			MemberID:      res.MemberID,
			ReservationID: &id,
			Detail:        fmt.Sprintf("held reservation is not linked from rsvp %s", res.RSVPID),
		})
	}
	return nil
}

func checkReplay(acc *models.Account, entries []*models.Transaction) []Finding {
	var out []Finding
	sum := 0
	for _, e := range entries {
		sum += e.Amount
		if e.BalanceAfter != sum {
			out = append(out, Finding{
				Check:    CheckRunningSum,
				MemberID: acc.MemberID,
				Detail:   fmt.Sprintf("entry %d (%s) has balance_after %d, running sum is %d", e.Seq, e.Kind, e.BalanceAfter, sum),
			})
		}
	}
	if sum != acc.Balance {
		out = append(out, Finding{
			Check:    CheckReplay,
			MemberID: acc.MemberID,
			Detail:   fmt.Sprintf("ledger sums to %d, balance is %d", sum, acc.Balance),
		})
	}
	return out
}

var terminalKind = map[models.ReservationStatus]models.TransactionKind{
	models.ReservationRefunded:  models.TxKindRefund,
	models.ReservationForfeited: models.TxKindForfeit,
	models.ReservationRedeemed:  models.TxKindRedemption,
}

func checkReservations(memberID uuid.UUID, reservations []*models.Reservation, entries []*models.Transaction) []Finding {
	byReservation := make(map[uuid.UUID][]*models.Transaction)
	for _, e := range entries {
		if e.ReservationID != nil {
			byReservation[*e.ReservationID] = append(byReservation[*e.ReservationID], e)
		}
	}

	var out []Finding
	for _, res := range reservations {
		id := res.ID
		report := func(format string, args ...any) {
			out = append(out, Finding{Check: CheckReservation, MemberID: memberID, ReservationID: &id, Detail: fmt.Sprintf(format, args...)})
		}
		counts := make(map[models.TransactionKind]int)
		for _, e := range byReservation[res.ID] {
			counts[e.Kind]++
			if e.Kind == models.TxKindReservation && e.Amount != -res.Amount {
				report("reservation entry amount %d, reservation amount %d", e.Amount, res.Amount)
			}
			if e.Kind == models.TxKindRefund && e.Amount != res.Amount {
				report("refund entry amount %d, reservation amount %d", e.Amount, res.Amount)
			}
		}
		if n := counts[models.TxKindReservation]; n != 1 {
			report("%d reservation entries, want 1", n)
		}
		terminals := counts[models.TxKindRefund] + counts[models.TxKindForfeit] + counts[models.TxKindRedemption]
		if res.Status == models.ReservationHeld {
			if terminals != 0 {
				report("held reservation has %d terminal entries", terminals)
			}
			continue
		}
		want := terminalKind[res.Status]
		if terminals != 1 || counts[want] != 1 {
			report("%s reservation has %d %s entries and %d terminal entries in total", res.Status, counts[want], want, terminals)
		}
	}
	return out
}
