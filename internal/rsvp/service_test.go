package rsvp

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/goleak"

	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/memstore"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/policy"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	store  *memstore.Store
	member *models.Caller
	staff  *models.Caller
}

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	store := memstore.New()
	led := ledger.NewService(store.Accounts, store.Transactions, store.Reservations, nil)
	f := &fixture{
		ledger: led,
		store:  store,
		member: &models.Caller{MemberID: uuid.New(), Role: models.RoleMember},
		staff:  &models.Caller{MemberID: uuid.New(), Role: models.RoleMember},
		svc: &Service{
			DB:           store,
			Events:       store.Events,
			RSVPs:        store.RSVPs,
			Accounts:     store.Accounts,
			Reservations: store.Reservations,
			Ledger:       led,
			Now:          func() time.Time { return testNow },
		},
	}
	if balance > 0 {
		if _, err := led.Grant(context.Background(), nil, f.member.MemberID, "member@example.com", balance, ""); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}
	return f
}

// event adds an event starting in startsIn with the given policy and per-person cost.
func (f *fixture) event(startsIn time.Duration, p policy.Policy, cost int) uuid.UUID {
	e := models.Event{
		ID:                uuid.New(),
		BusinessID:        uuid.New(),
		Title:             "Story time",
		StartTime:         testNow.Add(startsIn),
		RefundPolicy:      string(p),
		CoinsEnabled:      cost > 0,
		CoinCostPerPerson: cost,
	}
	f.store.AddEvent(e, f.staff.MemberID)
	return e.ID
}

func (f *fixture) balance(t *testing.T) int {
	t.Helper()
	b, err := f.store.Accounts.GetBalance(context.Background(), f.member.MemberID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

// kinds returns "kind amount" for every ledger entry of the member except grants.
func (f *fixture) kinds(t *testing.T) []string {
	t.Helper()
	entries, _ := f.store.Transactions.ListByMemberID(context.Background(), f.member.MemberID)
	var out []string
	for _, e := range entries {
		if e.Kind == models.TxKindGrant {
			continue
		}
		out = append(out, string(e.Kind)+" "+strconv.Itoa(e.Amount))
	}
	return out
}

func intp(n int) *int { return &n }

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f *fixture) reserve(t *testing.T, eventID uuid.UUID, size int) *models.RSVP {
	t.Helper()
	id, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: eventID, PartySize: intp(size)})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	v, err := f.store.RSVPs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

func TestReserve_PaidEvent(t *testing.T) {
	f := newFixture(t, 15)
	ev := f.event(48*time.Hour, policy.Moderate, 3)

	v := f.reserve(t, ev, 2)

	if v.Status != models.RSVPStatusGoing || v.PartySize != 2 || v.CoinTotal != 6 {
		t.Errorf("rsvp: got %s size=%d coins=%d", v.Status, v.PartySize, v.CoinTotal)
	}
	if v.ReservationID == nil {
		t.Fatal("rsvp should be linked to a reservation")
	}
	res, _ := f.store.Reservations.GetByID(context.Background(), *v.ReservationID)
	if res.Status != models.ReservationHeld || res.Amount != 6 || res.RSVPID != v.ID {
		t.Errorf("reservation: got %s amount=%d", res.Status, res.Amount)
	}
	if got := f.balance(t); got != 9 {
		t.Errorf("balance: got %d, want 9", got)
	}
	if got := f.kinds(t); !equal(got, []string{"reservation -6"}) {
		t.Errorf("ledger: got %v", got)
	}
}

func TestReserve_FreeEvent(t *testing.T) {
	f := newFixture(t, 0)
	ev := f.event(48*time.Hour, policy.Moderate, 0)

	v := f.reserve(t, ev, 4)

	if v.ReservationID != nil || v.CoinTotal != 0 {
		t.Errorf("free event should not reserve coins: %+v", v)
	}
	if len(f.kinds(t)) != 0 {
		t.Error("free event should not write to the ledger")
	}
}

func TestReserve_InsufficientFunds(t *testing.T) {
	f := newFixture(t, 5)
	ev := f.event(48*time.Hour, policy.Moderate, 3)

	_, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: ev, PartySize: intp(2)})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := f.store.RSVPs.GetByMemberEventForUpdate(context.Background(), nil, f.member.MemberID, ev); err == nil {
		t.Error("no rsvp should be created")
	}
	if got := f.balance(t); got != 5 {
		t.Errorf("balance: got %d, want 5", got)
	}
}

func TestReserve_NoAccount(t *testing.T) {
	f := newFixture(t, 0)
	ev := f.event(48*time.Hour, policy.Moderate, 1)
	if _, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: ev}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReserve_PartySizeClamped(t *testing.T) {
	tests := []struct {
		name      string
		requested *int
		max       *int
		want      int
	}{
		{"default", nil, nil, 1},
		{"zero", intp(0), nil, 1},
		{"negative", intp(-4), nil, 1},
		{"above default max", intp(50), nil, models.DefaultMaxPartySize},
		{"above event max", intp(7), intp(4), 4},
		{"within", intp(3), intp(4), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 100)
			e := models.Event{ID: uuid.New(), StartTime: testNow.Add(72 * time.Hour), CoinsEnabled: true, CoinCostPerPerson: 1, MaxPartySize: tt.max}
			f.store.AddEvent(e)

			id, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: e.ID, PartySize: tt.requested})
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			v, _ := f.store.RSVPs.GetByID(context.Background(), id)
			if v.PartySize != tt.want || v.CoinTotal != tt.want {
				t.Errorf("size/coins: got %d/%d, want %d", v.PartySize, v.CoinTotal, tt.want)
			}
		})
	}
}

func TestReserve_RepeatWhileHeldMovesNoCoins(t *testing.T) {
	f := newFixture(t, 20)
	ev := f.event(48*time.Hour, policy.Moderate, 2)

	first := f.reserve(t, ev, 2)
	second := f.reserve(t, ev, 5)

	if first.ID != second.ID {
		t.Error("repeat rsvp should reuse the record")
	}
	if *second.ReservationID != *first.ReservationID || second.CoinTotal != 4 {
		t.Errorf("held reservation should be kept: coins=%d", second.CoinTotal)
	}
	if got := f.balance(t); got != 16 {
		t.Errorf("balance: got %d, want 16", got)
	}
}

func TestReserve_RepeatWithWholeBalanceHeld(t *testing.T) {
	f := newFixture(t, 4)
	ev := f.event(48*time.Hour, policy.Moderate, 2)

	first := f.reserve(t, ev, 2)
	if got := f.balance(t); got != 0 {
		t.Fatalf("balance after hold: got %d, want 0", got)
	}
	second := f.reserve(t, ev, 2)

	if second.ID != first.ID || *second.ReservationID != *first.ReservationID {
		t.Error("repeat rsvp should keep the record and its hold")
	}
	if got := f.kinds(t); !equal(got, []string{"reservation -4"}) {
		t.Errorf("ledger: got %v, want one reservation entry", got)
	}
}

func TestReserve_ReactivateAfterCancel(t *testing.T) {
	f := newFixture(t, 20)
	ev := f.event(48*time.Hour, policy.Moderate, 2)
	ctx := context.Background()

	first := f.reserve(t, ev, 2)
	if refunded, err := f.svc.Cancel(ctx, f.member, ev, nil); err != nil || !refunded {
		t.Fatalf("Cancel: refunded=%v err=%v", refunded, err)
	}
	again := f.reserve(t, ev, 3)

	if again.ID != first.ID {
		t.Error("reactivation should reuse the record")
	}
	if again.Status != models.RSVPStatusGoing || again.CoinTotal != 6 || *again.ReservationID == *first.ReservationID {
		t.Errorf("reactivated rsvp: %+v", again)
	}
	if got := f.balance(t); got != 14 {
		t.Errorf("balance: got %d, want 14", got)
	}
	want := []string{"reservation -4", "refund 4", "reservation -6"}
	if got := f.kinds(t); !equal(got, want) {
		t.Errorf("ledger: got %v, want %v", got, want)
	}
}

func TestReserve_EventNotFound(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: uuid.New()})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReserve_Unauthenticated(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.svc.Reserve(context.Background(), nil, ReserveParams{}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

// Two concurrent reservations when the balance covers only one.
func TestReserve_NoDoubleSpend(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 10)
	events := []uuid.UUID{f.event(48*time.Hour, policy.Moderate, 6), f.event(48*time.Hour, policy.Moderate, 6)}

	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for _, ev := range events {
		wg.Add(1)
		go func(ev uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: ev, PartySize: intp(1)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(ev)
	}
	wg.Wait()

	if ok.Load() != 1 || insufficient.Load() != 1 {
		t.Fatalf("ok=%d insufficient=%d, want 1/1", ok.Load(), insufficient.Load())
	}
	if got := f.balance(t); got != 4 {
		t.Errorf("balance: got %d, want 4", got)
	}
}

// failingCreate rejects every new RSVP row after the hold has been written.
type failingCreate struct {
	RSVPStore
	err error
}

func (f failingCreate) CreateTx(context.Context, pgx.Tx, *models.RSVP) error { return f.err }

func TestReserve_FailureAfterHoldRollsBack(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(48*time.Hour, policy.Moderate, 3)
	boom := errors.New("disk full")
	f.svc.RSVPs = failingCreate{RSVPStore: f.store.RSVPs, err: boom}

	_, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: ev, PartySize: intp(2)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the create error, got %v", err)
	}
	if got := f.balance(t); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	if got := f.kinds(t); len(got) != 0 {
		t.Errorf("ledger should have no reservation entry: %v", got)
	}
	if res, _ := f.store.Reservations.ListByMemberIDTx(context.Background(), nil, f.member.MemberID); len(res) != 0 {
		t.Errorf("reservation rows left behind: %d", len(res))
	}
}

func TestReserve_AppendFailureRollsBack(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(48*time.Hour, policy.Moderate, 3)
	f.store.FailAppend = errors.New("append failed")

	if _, err := f.svc.Reserve(context.Background(), f.member, ReserveParams{EventID: ev, PartySize: intp(1)}); err == nil {
		t.Fatal("expected an error")
	}
	if got := f.balance(t); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	// A later attempt goes through cleanly.
	f.reserve(t, ev, 1)
	if got := f.kinds(t); !equal(got, []string{"reservation -3"}) {
		t.Errorf("ledger: got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel_FlexibleRefund(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(3*time.Hour, policy.Flexible, 2)
	f.reserve(t, ev, 1)

	refunded, err := f.svc.Cancel(context.Background(), f.member, ev, nil)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !refunded {
		t.Error("flexible policy 3h out should refund")
	}
	if got := f.balance(t); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	if got := f.kinds(t); !equal(got, []string{"reservation -2", "refund 2"}) {
		t.Errorf("ledger: got %v", got)
	}
}

func TestCancel_StrictForfeit(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(1*time.Hour, policy.Strict, 3)
	v := f.reserve(t, ev, 1)

	refunded, err := f.svc.Cancel(context.Background(), f.member, ev, &v.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if refunded {
		t.Error("strict policy should never refund")
	}
	res, _ := f.store.Reservations.GetByID(context.Background(), *v.ReservationID)
	if res.Status != models.ReservationForfeited {
		t.Errorf("reservation: got %s, want forfeited", res.Status)
	}
	if got := f.balance(t); got != 7 {
		t.Errorf("balance: got %d, want 7", got)
	}
	if got := f.kinds(t); !equal(got, []string{"reservation -3", "forfeit 0"}) {
		t.Errorf("ledger: got %v", got)
	}
	after, _ := f.store.RSVPs.GetByID(context.Background(), v.ID)
	if after.Status != models.RSVPStatusCancelled {
		t.Errorf("rsvp status: got %s", after.Status)
	}
}

func TestCancel_ModerateWindowClosed(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(23*time.Hour, policy.Moderate, 1)
	f.reserve(t, ev, 1)
	if refunded, _ := f.svc.Cancel(context.Background(), f.member, ev, nil); refunded {
		t.Error("moderate policy 23h out should not refund")
	}
}

func TestCancel_Repeat(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(48*time.Hour, policy.Moderate, 2)
	f.reserve(t, ev, 1)
	ctx := context.Background()

	first, err := f.svc.Cancel(ctx, f.member, ev, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Cancel(ctx, f.member, ev, nil)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !first || !second {
		t.Errorf("both cancels should report the refund: %v %v", first, second)
	}
	if got := f.kinds(t); len(got) != 2 {
		t.Errorf("repeat cancel wrote to the ledger: %v", got)
	}
}

func TestCancel_NotOwner(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(48*time.Hour, policy.Moderate, 2)
	v := f.reserve(t, ev, 1)

	_, err := f.svc.Cancel(context.Background(), f.staff, ev, &v.ID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if got := f.balance(t); got != 8 {
		t.Errorf("balance: got %d, want 8", got)
	}
}

func TestCancel_NoRSVP(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(48*time.Hour, policy.Moderate, 2)
	if _, err := f.svc.Cancel(context.Background(), f.member, ev, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel_AfterCheckIn(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(48*time.Hour, policy.Moderate, 2)
	v := f.reserve(t, ev, 1)
	if err := f.svc.CheckIn(context.Background(), f.staff, ev, v.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(context.Background(), f.member, ev, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// CheckIn / NoShow
// ---------------------------------------------------------------------------

func TestCheckIn_Idempotent(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(1*time.Hour, policy.Moderate, 4)
	v := f.reserve(t, ev, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.svc.CheckIn(ctx, f.staff, ev, v.ID); err != nil {
			t.Fatalf("CheckIn #%d: %v", i+1, err)
		}
	}

	res, _ := f.store.Reservations.GetByID(ctx, *v.ReservationID)
	if res.Status != models.ReservationRedeemed {
		t.Errorf("reservation: got %s, want redeemed", res.Status)
	}
	if got := f.kinds(t); !equal(got, []string{"reservation -4", "redemption 0"}) {
		t.Errorf("ledger: got %v", got)
	}
	after, _ := f.store.RSVPs.GetByID(ctx, v.ID)
	if after.CheckedInAt == nil || after.CheckedInBy == nil || *after.CheckedInBy != f.staff.MemberID {
		t.Error("checked_in_at/by should be set")
	}
	if got := f.balance(t); got != 6 {
		t.Errorf("balance: got %d, want 6", got)
	}
}

func TestCheckIn_Authorization(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(1*time.Hour, policy.Moderate, 1)
	v := f.reserve(t, ev, 1)
	ctx := context.Background()

	outsider := &models.Caller{MemberID: uuid.New(), Role: models.RoleMember}
	if err := f.svc.CheckIn(ctx, outsider, ev, v.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider: expected ErrForbidden, got %v", err)
	}
	if err := f.svc.CheckIn(ctx, f.member, ev, v.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("attendee: expected ErrForbidden, got %v", err)
	}
	admin := &models.Caller{MemberID: uuid.New(), Role: models.RoleAdmin}
	if err := f.svc.CheckIn(ctx, admin, ev, v.ID); err != nil {
		t.Errorf("admin: %v", err)
	}
	if err := f.svc.CheckIn(ctx, nil, ev, v.ID); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("nil caller: expected ErrUnauthenticated, got %v", err)
	}
}

func TestCheckIn_WrongEvent(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(1*time.Hour, policy.Moderate, 1)
	other := f.event(1*time.Hour, policy.Moderate, 1)
	v := f.reserve(t, ev, 1)
	if err := f.svc.CheckIn(context.Background(), f.staff, other, v.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckIn_FreeEvent(t *testing.T) {
	f := newFixture(t, 0)
	ev := f.event(1*time.Hour, policy.Moderate, 0)
	v := f.reserve(t, ev, 2)
	if err := f.svc.CheckIn(context.Background(), f.staff, ev, v.ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if len(f.kinds(t)) != 0 {
		t.Error("free check-in should not touch the ledger")
	}
}

func TestNoShow(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(-1*time.Hour, policy.Flexible, 5)
	// Reserve before the event started.
	f.svc.Now = func() time.Time { return testNow.Add(-3 * time.Hour) }
	v := f.reserve(t, ev, 1)
	f.svc.Now = func() time.Time { return testNow }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.svc.NoShow(ctx, f.staff, ev, v.ID); err != nil {
			t.Fatalf("NoShow #%d: %v", i+1, err)
		}
	}
	after, _ := f.store.RSVPs.GetByID(ctx, v.ID)
	if after.Status != models.RSVPStatusNoShow {
		t.Errorf("status: got %s", after.Status)
	}
	if got := f.kinds(t); !equal(got, []string{"reservation -5", "forfeit 0"}) {
		t.Errorf("ledger: got %v", got)
	}
	if err := f.svc.CheckIn(ctx, f.staff, ev, v.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("check-in after no-show: expected ErrValidation, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, f.member, ev, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("cancel after no-show: expected ErrValidation, got %v", err)
	}
}

func TestNoShow_AfterCheckIn(t *testing.T) {
	f := newFixture(t, 10)
	ev := f.event(1*time.Hour, policy.Moderate, 2)
	v := f.reserve(t, ev, 1)
	ctx := context.Background()
	if err := f.svc.CheckIn(ctx, f.staff, ev, v.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.NoShow(ctx, f.staff, ev, v.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Conservation across the lifecycle
// ---------------------------------------------------------------------------

func TestLifecycleConservation(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	a := f.event(48*time.Hour, policy.Moderate, 2)
	b := f.event(1*time.Hour, policy.Strict, 3)
	c := f.event(1*time.Hour, policy.Moderate, 4)

	f.reserve(t, a, 2)
	f.reserve(t, b, 1)
	vc := f.reserve(t, c, 1)
	_, _ = f.svc.Cancel(ctx, f.member, a, nil)
	_, _ = f.svc.Cancel(ctx, f.member, b, nil)
	_ = f.svc.CheckIn(ctx, f.staff, c, vc.ID)

	entries, _ := f.store.Transactions.ListByMemberID(ctx, f.member.MemberID)
	sum := 0
	for _, e := range entries {
		sum += e.Amount
		if e.BalanceAfter != sum {
			t.Errorf("entry %d: balance_after %d, running sum %d", e.Seq, e.BalanceAfter, sum)
		}
	}
	if got := f.balance(t); got != sum || got != 23 {
		t.Errorf("balance %d, replay %d, want 23", got, sum)
	}
}
