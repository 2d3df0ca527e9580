// Package memstore is an in-memory implementation of the repository
// interfaces, for tests and local development. Each method is atomic under a
// single mutex. Writes are visible as soon as the method returns; a write made
// through a Tx from Begin is undone if that Tx rolls back without committing.
// A read-only Tx from BeginTx reads a copy of the store taken when it began.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/repository"
)

// tables holds the rows a snapshot copies.
type tables struct {
	accounts     map[uuid.UUID]*models.Account
	transactions []*models.Transaction
	reservations map[uuid.UUID]*models.Reservation
	rsvps        map[uuid.UUID]*models.RSVP
}

func (t *tables) clone() tables {
	out := tables{
		accounts:     make(map[uuid.UUID]*models.Account, len(t.accounts)),
		transactions: make([]*models.Transaction, 0, len(t.transactions)),
		reservations: make(map[uuid.UUID]*models.Reservation, len(t.reservations)),
		rsvps:        make(map[uuid.UUID]*models.RSVP, len(t.rsvps)),
	}
	for id, acc := range t.accounts {
		cp := *acc
		out.accounts[id] = &cp
	}
	for _, e := range t.transactions {
		cp := *e
		out.transactions = append(out.transactions, &cp)
	}
	for id, res := range t.reservations {
		cp := *res
		out.reservations[id] = &cp
	}
	for id, v := range t.rsvps {
		cp := *v
		out.rsvps[id] = &cp
	}
	return out
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time
	tables
	seq      int64
	events   map[uuid.UUID]*models.Event
	managers map[uuid.UUID]map[uuid.UUID]bool
	partners map[string]*models.Partner

	// FailAppend, when set, is returned by the next AppendTx call and then cleared.
	FailAppend error

	Accounts     *Accounts
	Transactions *Transactions
	Reservations *Reservations
	RSVPs        *RSVPs
	Events       *Events
	Partners     *Partners
}

func New() *Store {
	s := &Store{
		now: time.Now,
		tables: tables{
			accounts:     make(map[uuid.UUID]*models.Account),
			reservations: make(map[uuid.UUID]*models.Reservation),
			rsvps:        make(map[uuid.UUID]*models.RSVP),
		},
		events:   make(map[uuid.UUID]*models.Event),
		managers: make(map[uuid.UUID]map[uuid.UUID]bool),
		partners: make(map[string]*models.Partner),
	}
	s.Accounts = &Accounts{s}
	s.Transactions = &Transactions{s}
	s.Reservations = &Reservations{s}
	s.RSVPs = &RSVPs{s}
	s.Events = &Events{s}
	s.Partners = &Partners{s}
	return s
}

// Begin satisfies repository.TxBeginner.
func (s *Store) Begin(context.Context) (pgx.Tx, error) { return &Tx{s: s}, nil }

// BeginTx satisfies repository.SnapshotBeginner. A read-only transaction
// gets a Snapshot; anything else gets the same Tx as Begin.
func (s *Store) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if opts.AccessMode != pgx.ReadOnly {
		return s.Begin(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Snapshot{tables: s.tables.clone()}, nil
}

// onRollback registers undo with the write transaction behind tx, if any.
// Callers hold s.mu.
func (s *Store) onRollback(tx pgx.Tx, undo func()) {
	if t, ok := unwrap(tx).(*Tx); ok && t.s == s && !t.done {
		t.undo = append(t.undo, undo)
	}
}

// view returns the rows a read through tx sees.
func (s *Store) view(tx pgx.Tx) *tables {
	if snap, ok := unwrap(tx).(*Snapshot); ok {
		return &snap.tables
	}
	return &s.tables
}

func unwrap(tx pgx.Tx) pgx.Tx {
	for {
		u, ok := tx.(interface{ Unwrap() pgx.Tx })
		if !ok {
			return tx
		}
		tx = u.Unwrap()
	}
}

// AddEvent stores an event. managers may check in and mark no-shows for it.
func (s *Store) AddEvent(e models.Event, managers ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = &e
	m := make(map[uuid.UUID]bool, len(managers))
	for _, id := range managers {
		m[id] = true
	}
	s.managers[e.ID] = m
}

// AddPartner stores a partner under its key hash.
func (s *Store) AddPartner(p models.Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partners[p.KeyHash] = &p
}

// --- Accounts ---

type Accounts struct{ s *Store }

func (a *Accounts) GetByMemberID(_ context.Context, memberID uuid.UUID) (*models.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc, ok := a.s.accounts[memberID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (a *Accounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, acc := range a.s.accounts {
		if acc.Email != "" && strings.EqualFold(acc.Email, email) {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (a *Accounts) GetBalance(_ context.Context, memberID uuid.UUID) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc, ok := a.s.accounts[memberID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	return acc.Balance, nil
}

func (a *Accounts) LockBalance(ctx context.Context, _ pgx.Tx, memberID uuid.UUID) (int, error) {
	return a.GetBalance(ctx, memberID)
}

func (a *Accounts) ApplyDelta(_ context.Context, tx pgx.Tx, memberID uuid.UUID, delta, lifetimeDelta int, expectedVersion *int64) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc, ok := a.s.accounts[memberID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	if expectedVersion != nil && acc.Version != *expectedVersion {
		return 0, repository.ErrVersionConflict
	}
	if acc.Balance+delta < 0 {
		return 0, repository.ErrInsufficientFunds
	}
	prevLifetime := acc.LifetimeSpent
	acc.Balance += delta
	acc.LifetimeSpent = max(acc.LifetimeSpent+lifetimeDelta, 0)
	acc.Version++
	acc.UpdatedAt = a.s.now()
	spent := acc.LifetimeSpent - prevLifetime
	a.s.onRollback(tx, func() {
		acc.Balance -= delta
		acc.LifetimeSpent -= spent
		acc.Version--
	})
	return acc.Balance, nil
}

func (a *Accounts) Grant(_ context.Context, tx pgx.Tx, memberID uuid.UUID, email string, amount int) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc, ok := a.s.accounts[memberID]
	if !ok {
		now := a.s.now()
		acc = &models.Account{MemberID: memberID, CreatedAt: now, UpdatedAt: now}
		a.s.accounts[memberID] = acc
	}
	prevEmail := acc.Email
	if email != "" {
		acc.Email = email
	}
	acc.Balance += amount
	acc.Version++
	a.s.onRollback(tx, func() {
		if !ok {
			delete(a.s.accounts, memberID)
			return
		}
		acc.Email = prevEmail
		acc.Balance -= amount
		acc.Version--
	})
	return acc.Balance, nil
}

func (a *Accounts) SetPinHash(_ context.Context, memberID uuid.UUID, pinHash string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc, ok := a.s.accounts[memberID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	acc.PinHash = &pinHash
	return nil
}

func (a *Accounts) ListTx(_ context.Context, tx pgx.Tx) ([]*models.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	rows := a.s.view(tx)
	out := make([]*models.Account, 0, len(rows.accounts))
	for _, acc := range rows.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID.String() < out[j].MemberID.String() })
	return out, nil
}

// --- Transactions ---

type Transactions struct{ s *Store }

func sameKeySpace(a, b *models.Transaction) bool {
	if a.PartnerID == nil || b.PartnerID == nil {
		return a.PartnerID == nil && b.PartnerID == nil
	}
	return *a.PartnerID == *b.PartnerID
}

func (t *Transactions) AppendTx(_ context.Context, tx pgx.Tx, e *models.Transaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.FailAppend; err != nil {
		t.s.FailAppend = nil
		return err
	}
	if e.IdempotencyKey != nil {
		for _, prev := range t.s.transactions {
			if prev.IdempotencyKey != nil && *prev.IdempotencyKey == *e.IdempotencyKey && sameKeySpace(prev, e) {
				return repository.ErrDuplicate
			}
		}
	}
	t.s.seq++
	e.Seq = t.s.seq
	e.CreatedAt = t.s.now()
	cp := *e
	t.s.transactions = append(t.s.transactions, &cp)
	t.s.onRollback(tx, func() {
		for i, prev := range t.s.transactions {
			if prev == &cp {
				t.s.transactions = append(t.s.transactions[:i], t.s.transactions[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (t *Transactions) FindByIdempotencyKey(_ context.Context, _ pgx.Tx, partnerID uuid.UUID, key string) (*models.Transaction, error) {
	return t.find(func(e *models.Transaction) bool {
		return e.PartnerID != nil && *e.PartnerID == partnerID && e.IdempotencyKey != nil && *e.IdempotencyKey == key
	})
}

func (t *Transactions) FindGrantByIdempotencyKey(_ context.Context, _ pgx.Tx, key string) (*models.Transaction, error) {
	return t.find(func(e *models.Transaction) bool {
		return e.PartnerID == nil && e.Kind == models.TxKindGrant && e.IdempotencyKey != nil && *e.IdempotencyKey == key
	})
}

func (t *Transactions) find(match func(*models.Transaction) bool) (*models.Transaction, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, e := range t.s.transactions {
		if match(e) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *Transactions) ListByMemberID(ctx context.Context, memberID uuid.UUID) ([]*models.Transaction, error) {
	return t.ListByMemberIDTx(ctx, nil, memberID)
}

func (t *Transactions) ListByMemberIDTx(_ context.Context, tx pgx.Tx, memberID uuid.UUID) ([]*models.Transaction, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*models.Transaction
	for _, e := range t.s.view(tx).transactions {
		if e.MemberID == memberID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Reservations ---

type Reservations struct{ s *Store }

func (r *Reservations) CreateTx(_ context.Context, tx pgx.Tx, res *models.Reservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, prev := range r.s.reservations {
		if prev.RSVPID == res.RSVPID && prev.Status == models.ReservationHeld {
			return repository.ErrDuplicate
		}
	}
	res.HeldAt = r.s.now()
	cp := *res
	r.s.reservations[res.ID] = &cp
	r.s.onRollback(tx, func() { delete(r.s.reservations, res.ID) })
	return nil
}

func (r *Reservations) GetByID(_ context.Context, id uuid.UUID) (*models.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *Reservations) GetByIDTx(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	return r.GetByID(ctx, id)
}

func (r *Reservations) TransitionTx(_ context.Context, tx pgx.Tx, id uuid.UUID, to models.ReservationStatus, resolution models.ResolutionType) (*models.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if res.Status != models.ReservationHeld {
		return nil, repository.ErrNotHeld
	}
	prev := *res
	now := r.s.now()
	res.Status = to
	res.ResolutionType = &resolution
	res.ResolvedAt = &now
	r.s.onRollback(tx, func() { *res = prev })
	cp := *res
	return &cp, nil
}

func (r *Reservations) ListByMemberIDTx(_ context.Context, tx pgx.Tx, memberID uuid.UUID) ([]*models.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return filterReservations(r.s.view(tx), func(res *models.Reservation) bool { return res.MemberID == memberID }), nil
}

func (r *Reservations) ListUnlinkedHeldTx(_ context.Context, tx pgx.Tx) ([]*models.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.view(tx)
	linked := make(map[uuid.UUID]bool, len(rows.rsvps))
	for _, v := range rows.rsvps {
		if v.ReservationID != nil {
			linked[*v.ReservationID] = true
		}
	}
	return filterReservations(rows, func(res *models.Reservation) bool {
		return res.Status == models.ReservationHeld && !linked[res.ID]
	}), nil
}

func filterReservations(rows *tables, keep func(*models.Reservation) bool) []*models.Reservation {
	var out []*models.Reservation
	for _, res := range rows.reservations {
		if keep(res) {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeldAt.Before(out[j].HeldAt) })
	return out
}

// --- RSVPs ---

type RSVPs struct{ s *Store }

func (v *RSVPs) GetByID(_ context.Context, id uuid.UUID) (*models.RSVP, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.rsvps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (v *RSVPs) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.RSVP, error) {
	return v.GetByID(ctx, id)
}

func (v *RSVPs) GetByMemberEventForUpdate(_ context.Context, _ pgx.Tx, memberID, eventID uuid.UUID) (*models.RSVP, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, r := range v.s.rsvps {
		if r.MemberID == memberID && r.EventID == eventID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (v *RSVPs) CreateTx(_ context.Context, tx pgx.Tx, r *models.RSVP) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, prev := range v.s.rsvps {
		if prev.MemberID == r.MemberID && prev.EventID == r.EventID {
			return repository.ErrDuplicate
		}
	}
	now := v.s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	v.s.rsvps[r.ID] = &cp
	v.s.onRollback(tx, func() { delete(v.s.rsvps, r.ID) })
	return nil
}

func (v *RSVPs) UpdateTx(_ context.Context, tx pgx.Tx, r *models.RSVP) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	prev, ok := v.s.rsvps[r.ID]
	if !ok {
		return repository.ErrNotFound
	}
	r.UpdatedAt = v.s.now()
	cp := *r
	v.s.rsvps[r.ID] = &cp
	v.s.onRollback(tx, func() { v.s.rsvps[r.ID] = prev })
	return nil
}

// --- Events ---

type Events struct{ s *Store }

func (e *Events) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	ev, ok := e.s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (e *Events) CanManage(_ context.Context, memberID, eventID uuid.UUID) (bool, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.managers[eventID][memberID], nil
}

// --- Partners ---

type Partners struct{ s *Store }

func (p *Partners) FindByKeyHash(_ context.Context, keyHash string) (*models.Partner, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	partner, ok := p.s.partners[keyHash]
	if !ok || !partner.IsActive {
		return nil, repository.ErrNotFound
	}
	cp := *partner
	return &cp, nil
}

func (p *Partners) Create(_ context.Context, partner *models.Partner) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, existing := range p.s.partners {
		if existing.KeyPrefix == partner.KeyPrefix {
			return repository.ErrDuplicate
		}
	}
	if _, ok := p.s.partners[partner.KeyHash]; ok {
		return repository.ErrDuplicate
	}
	cp := *partner
	p.s.partners[partner.KeyHash] = &cp
	return nil
}

func (p *Partners) List(_ context.Context) ([]*models.Partner, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	list := make([]*models.Partner, 0, len(p.s.partners))
	for _, partner := range p.s.partners {
		cp := *partner
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (p *Partners) SetActive(_ context.Context, keyPrefix string, active bool) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	found := false
	for _, partner := range p.s.partners {
		if partner.KeyPrefix == keyPrefix {
			partner.IsActive = active
			found = true
		}
	}
	if !found {
		return repository.ErrNotFound
	}
	return nil
}

// NoopTx satisfies pgx.Tx; Commit and Rollback succeed and nothing else is called.
type NoopTx struct{}

func (NoopTx) Begin(context.Context) (pgx.Tx, error) { return NoopTx{}, nil }
func (NoopTx) Commit(context.Context) error          { return nil }
func (NoopTx) Rollback(context.Context) error        { return nil }
func (NoopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (NoopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (NoopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (NoopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (NoopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (NoopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (NoopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (NoopTx) Conn() *pgx.Conn { return nil }

// Tx is a write transaction against the store. Rolling back before Commit
// undoes its writes in reverse order.
type Tx struct {
	NoopTx
	s    *Store
	undo []func()
	done bool
}

func (t *Tx) Commit(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.undo, t.done = nil, true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if !t.done {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
	}
	t.undo, t.done = nil, true
	return nil
}

// Snapshot is a read-only transaction over a copy of the store.
type Snapshot struct {
	NoopTx
	tables
}
