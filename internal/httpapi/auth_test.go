package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/store/memory"
)

func TestAuthManagerLoginAndParseToken(t *testing.T) {
	accounts := memory.New()
	manager := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, accounts)

	account, err := manager.Register(context.Background(), "Warung-Kopi", "739154")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if account.Name != "warung-kopi" {
		t.Fatalf("expected lowercased name, got %q", account.Name)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Business: "warung-kopi",
		PIN:      "739154",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.BusinessID != account.ID {
		t.Fatalf("login must return the business id")
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.BusinessID != account.ID || actor.Business != "warung-kopi" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestAuthManagerLoginRejectsWrongPIN(t *testing.T) {
	accounts := memory.New()
	manager := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, accounts)
	if _, err := manager.Register(context.Background(), "warung-kopi", "739154"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Business: "warung-kopi", PIN: "111222"}); err == nil {
		t.Fatalf("expected login with wrong PIN to fail")
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Business: "unknown", PIN: "739154"}); err == nil {
		t.Fatalf("expected login for unknown business to fail")
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	accounts := memory.New()
	manager := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, accounts)

	hash := mustHashPIN(t, "739154")
	err := accounts.CreateBusiness(context.Background(), domain.BusinessAccount{
		ID: "biz-1", Name: "closed-shop", PINHash: hash, Role: domain.RoleAdmin, Active: false, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create business: %v", err)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Business: "closed-shop", PIN: "739154"}); err == nil {
		t.Fatalf("expected inactive account login to fail")
	}
}

func TestRegisterRejectsDuplicateBusiness(t *testing.T) {
	accounts := memory.New()
	manager := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, accounts)

	if _, err := manager.Register(context.Background(), "warung-kopi", "739154"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := manager.Register(context.Background(), "warung-kopi", "815263")
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestValidatePINStrength(t *testing.T) {
	cases := []struct {
		pin  string
		want bool
	}{
		{"739154", true},
		{"815263", true},
		{"123456", false},
		{"654321", false},
		{"777777", false},
		{"12345", false},
		{"1234567", false},
		{"73915a", false},
		{"", false},
	}
	for _, tc := range cases {
		err := ValidatePINStrength(tc.pin)
		if tc.want && err != nil {
			t.Fatalf("PIN %q should be accepted, got %v", tc.pin, err)
		}
		if !tc.want && err == nil {
			t.Fatalf("PIN %q should be rejected", tc.pin)
		}
	}
}
