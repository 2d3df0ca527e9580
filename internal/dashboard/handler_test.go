package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/joycircle/backend/internal/auth"
	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/memstore"
	"github.com/joycircle/backend/internal/middleware"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/validation"
)

type stubEnqueuer struct {
	by  uuid.UUID
	err error
}

func (s *stubEnqueuer) EnqueueReconcile(_ context.Context, by uuid.UUID) (int64, error) {
	s.by = by
	return 99, s.err
}

type env struct {
	h      *Handler
	store  *memstore.Store
	ledger *ledger.Service
	queue  *stubEnqueuer
	member *models.Caller
	admin  *models.Caller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	led := ledger.NewService(store.Accounts, store.Transactions, store.Reservations, nil)
	queue := &stubEnqueuer{}
	return &env{
		h:      NewHandler(store, store.Accounts, store.Transactions, led, queue, validation.MustNew(), nil),
		store:  store,
		ledger: led,
		queue:  queue,
		member: &models.Caller{MemberID: uuid.New(), Role: models.RoleMember},
		admin:  &models.Caller{MemberID: uuid.New(), Role: models.RoleAdmin},
	}
}

func call(h http.HandlerFunc, caller *models.Caller, method, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	if caller != nil {
		req = req.WithContext(middleware.WithCaller(req.Context(), caller))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestGetMe(t *testing.T) {
	e := newEnv(t)

	rec, out := call(e.h.GetMe, e.member, http.MethodGet, "")
	if rec.Code != http.StatusOK || out["balance"] != float64(0) || out["has_pin"] != false {
		t.Fatalf("empty wallet: %d %v", rec.Code, out)
	}

	if _, err := e.ledger.Grant(context.Background(), nil, e.member.MemberID, "m@example.com", 12, ""); err != nil {
		t.Fatal(err)
	}
	rec, out = call(e.h.GetMe, e.member, http.MethodGet, "")
	if rec.Code != http.StatusOK || out["balance"] != float64(12) || out["member_id"] != e.member.MemberID.String() {
		t.Errorf("got %d %v", rec.Code, out)
	}

	if rec, _ := call(e.h.GetMe, nil, http.MethodGet, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no caller: got %d", rec.Code)
	}
}

func TestListLedger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, amt := range []int{5, 7} {
		if _, err := e.ledger.Grant(ctx, nil, e.member.MemberID, "", amt, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.ledger.Grant(ctx, nil, uuid.New(), "", 100, ""); err != nil {
		t.Fatal(err)
	}

	rec, out := call(e.h.ListLedger, e.member, http.MethodGet, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	entries, _ := out["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected only the caller's 2 entries, got %d", len(entries))
	}
	last := entries[1].(map[string]any)
	if last["amount"] != float64(7) || last["balance_after"] != float64(12) {
		t.Errorf("entries out of order: %v", entries)
	}

	other := &models.Caller{MemberID: uuid.New()}
	rec, out = call(e.h.ListLedger, other, http.MethodGet, "")
	if got, ok := out["entries"].([]any); rec.Code != http.StatusOK || !ok || len(got) != 0 {
		t.Errorf("empty ledger should be a JSON array: %s", rec.Body.String())
	}
}

func TestSetPIN(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if rec, _ := call(e.h.SetPIN, e.member, http.MethodPost, `{"pin":"1234"}`); rec.Code != http.StatusNotFound {
		t.Errorf("no account: got %d", rec.Code)
	}

	if _, err := e.ledger.Grant(ctx, nil, e.member.MemberID, "", 1, ""); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{`{"pin":"12345"}`, `{"pin":"12a4"}`, `{"pin":1234}`, `{}`} {
		if rec, _ := call(e.h.SetPIN, e.member, http.MethodPost, bad); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d", bad, rec.Code)
		}
	}

	rec, _ := call(e.h.SetPIN, e.member, http.MethodPost, `{"pin":"0420"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	acc, err := e.store.Accounts.GetByMemberID(ctx, e.member.MemberID)
	if err != nil {
		t.Fatal(err)
	}
	if !acc.HasPIN() || *acc.PinHash == "0420" {
		t.Fatal("pin should be stored hashed")
	}
	if !auth.VerifyPIN(acc.PinHash, "0420") || auth.VerifyPIN(acc.PinHash, "0421") {
		t.Error("stored hash does not verify")
	}
}

func TestGrant(t *testing.T) {
	e := newEnv(t)
	target := uuid.New()
	body := fmt.Sprintf(`{"member_id":"%s","email":"new@example.com","amount":30,"note":"welcome"}`, target)

	if rec, _ := call(e.h.Grant, e.member, http.MethodPost, body); rec.Code != http.StatusForbidden {
		t.Errorf("member grant: got %d", rec.Code)
	}
	if rec, _ := call(e.h.Grant, nil, http.MethodPost, body); rec.Code != http.StatusForbidden {
		t.Errorf("anonymous grant: got %d", rec.Code)
	}

	rec, out := call(e.h.Grant, e.admin, http.MethodPost, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	entry := out["entry"].(map[string]any)
	if entry["kind"] != "grant" || entry["balance_after"] != float64(30) || entry["note"] != "welcome" {
		t.Errorf("entry: %v", entry)
	}
	acc, err := e.store.Accounts.GetByEmail(context.Background(), "NEW@example.com")
	if err != nil || acc.MemberID != target || acc.Balance != 30 {
		t.Errorf("account: %+v %v", acc, err)
	}

	for name, bad := range map[string]string{
		"zero":      fmt.Sprintf(`{"member_id":"%s","amount":0}`, target),
		"negative":  fmt.Sprintf(`{"member_id":"%s","amount":-5}`, target),
		"no member": `{"amount":5}`,
		"extra":     fmt.Sprintf(`{"member_id":"%s","amount":5,"balance":9}`, target),
	} {
		if rec, _ := call(e.h.Grant, e.admin, http.MethodPost, bad); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d", name, rec.Code)
		}
	}
}

func TestGrant_IdempotencyKey(t *testing.T) {
	e := newEnv(t)
	target := uuid.New()
	body := fmt.Sprintf(`{"member_id":"%s","amount":25,"idempotency_key":"summer-bonus"}`, target)

	rec, first := call(e.h.Grant, e.admin, http.MethodPost, body)
	if rec.Code != http.StatusOK || first["replayed"] != false {
		t.Fatalf("first grant: %d %s", rec.Code, rec.Body.String())
	}
	// The response to the first request was lost; the admin retries.
	rec, again := call(e.h.Grant, e.admin, http.MethodPost, body)
	if rec.Code != http.StatusOK || again["replayed"] != true {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body.String())
	}
	firstID := first["entry"].(map[string]any)["id"]
	if again["entry"].(map[string]any)["id"] != firstID {
		t.Error("retry should return the original entry")
	}
	if bal, _ := e.store.Accounts.GetBalance(context.Background(), target); bal != 25 {
		t.Errorf("balance: got %d, want 25", bal)
	}

	reused := fmt.Sprintf(`{"member_id":"%s","amount":40,"idempotency_key":"summer-bonus"}`, target)
	if rec, _ := call(e.h.Grant, e.admin, http.MethodPost, reused); rec.Code != http.StatusBadRequest {
		t.Errorf("key reused for another amount: got %d", rec.Code)
	}
}

func TestEnqueueReconcile(t *testing.T) {
	e := newEnv(t)

	if rec, _ := call(e.h.EnqueueReconcile, e.member, http.MethodPost, ""); rec.Code != http.StatusForbidden {
		t.Errorf("member: got %d", rec.Code)
	}

	rec, out := call(e.h.EnqueueReconcile, e.admin, http.MethodPost, "")
	if rec.Code != http.StatusAccepted || out["job_id"] != float64(99) {
		t.Fatalf("got %d %v", rec.Code, out)
	}
	if e.queue.by != e.admin.MemberID {
		t.Errorf("requested_by: %s", e.queue.by)
	}

	e.queue.err = errors.New("queue down")
	if rec, _ := call(e.h.EnqueueReconcile, e.admin, http.MethodPost, ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("queue failure: got %d", rec.Code)
	}
}
