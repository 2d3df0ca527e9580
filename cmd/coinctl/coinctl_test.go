package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/joycircle/backend/internal/auth"
	"github.com/joycircle/backend/internal/config"
	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/memstore"
	"github.com/joycircle/backend/internal/middleware"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/reconcile"
)

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	if err := printReport(&out, &reconcile.Report{Accounts: 2, Entries: 5}, false); err != nil {
		t.Fatalf("clean report: %v", err)
	}
	if !strings.Contains(out.String(), "accounts=2 entries=5 reservations=0 findings=0") {
		t.Errorf("summary: %q", out.String())
	}

	out.Reset()
	rep := &reconcile.Report{Findings: []reconcile.Finding{
		{Check: reconcile.CheckReplay, MemberID: uuid.New(), Detail: "balance 5, ledger sums to 4"},
	}}
	err := printReport(&out, rep, true)
	var fe findingsError
	if !errors.As(err, &fe) || fe.n != 1 {
		t.Fatalf("expected findings error, got %v", err)
	}
	var decoded reconcile.Report
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil || len(decoded.Findings) != 1 {
		t.Errorf("json output: %v %s", err, out.String())
	}
}

func TestPartnerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	var out bytes.Buffer

	if err := createPartner(ctx, store.Partners, "", &out); err == nil {
		t.Error("empty name should fail")
	}
	if err := createPartner(ctx, store.Partners, "Corner Cafe", &out); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, raw, ok := strings.Cut(out.String(), "api key (shown once): ")
	if !ok {
		t.Fatalf("no key printed: %q", out.String())
	}
	raw = strings.TrimSpace(raw)
	p, err := store.Partners.FindByKeyHash(ctx, middleware.HashKey(raw))
	if err != nil || p.Name != "Corner Cafe" {
		t.Fatalf("printed key does not authenticate: %v", err)
	}

	out.Reset()
	if err := listPartners(ctx, store.Partners, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), p.KeyPrefix) || !strings.Contains(out.String(), "true") {
		t.Errorf("list: %q", out.String())
	}
	if strings.Contains(out.String(), raw) || strings.Contains(out.String(), p.KeyHash) {
		t.Error("list must not print secrets")
	}

	if err := setPartnerActive(ctx, store.Partners, p.KeyPrefix, false, &out); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Partners.FindByKeyHash(ctx, middleware.HashKey(raw)); err == nil {
		t.Error("revoked key still authenticates")
	}
	if err := setPartnerActive(ctx, store.Partners, p.KeyPrefix, true, &out); err != nil {
		t.Fatal(err)
	}
	if err := setPartnerActive(ctx, store.Partners, "joy_nothere", false, &out); err == nil {
		t.Error("unknown prefix should fail")
	}
}

func TestGrantCoins(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	led := ledger.NewService(store.Accounts, store.Transactions, store.Reservations, nil)
	member := uuid.New()
	var out bytes.Buffer

	for _, amt := range []int{10, 5} {
		if err := grantCoins(ctx, store, led, member, "m@example.com", amt, "top-up", &out); err != nil {
			t.Fatal(err)
		}
	}
	if !strings.Contains(out.String(), "balance 15") {
		t.Errorf("output: %q", out.String())
	}
	if err := grantCoins(ctx, store, led, member, "", 0, "", &out); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero grant: %v", err)
	}
}

func TestIssueToken(t *testing.T) {
	tokens := auth.NewService("cli-secret")
	member := uuid.New()
	var out bytes.Buffer

	if err := issueToken(tokens, member, models.RoleAdmin, &out); err != nil {
		t.Fatal(err)
	}
	id, role, err := tokens.ValidateToken(context.Background(), strings.TrimSpace(out.String()))
	if err != nil || id != member || role != models.RoleAdmin {
		t.Errorf("token: %s %s %v", id, role, err)
	}
	if err := issueToken(tokens, member, "superuser", &out); err == nil {
		t.Error("unknown role should fail")
	}
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	cmd := tokenCommand()
	cmd.SetContext(config.WithContext(context.Background(), &config.Config{}))
	cmd.SetArgs([]string{"--member", uuid.NewString()})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); !errors.Is(err, config.ErrMissingSecret) {
		t.Errorf("got %v", err)
	}

	var out bytes.Buffer
	cmd = tokenCommand()
	cmd.SetContext(config.WithContext(context.Background(), &config.Config{JWTSecret: "x"}))
	cmd.SetArgs([]string{"--member", uuid.NewString(), "--role", "admin"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil || strings.Count(out.String(), ".") != 2 {
		t.Errorf("got %v %q", err, out.String())
	}
}
