package auth

import (
	"context"
	"testing"
)

func TestGetClaims(t *testing.T) {
	claims := &Claims{Roles: []string{"viewer"}}
	claims.Subject = "ops-1"

	got, ok := GetClaims(context.WithValue(context.Background(), ClaimsKey, claims))
	if !ok || got.Subject != "ops-1" {
		t.Fatalf("expected claims for ops-1, got %+v", got)
	}

	if _, ok := GetClaims(context.Background()); ok {
		t.Error("expected no claims in empty context")
	}
	if _, ok := GetClaims(context.WithValue(context.Background(), ClaimsKey, "nope")); ok {
		t.Error("expected wrong type to be ignored")
	}
}

func TestClaims_HasRole(t *testing.T) {
	c := &Claims{Roles: []string{"viewer", "admin"}}
	if !c.HasRole("admin") {
		t.Error("expected admin")
	}
	if c.HasRole("owner") {
		t.Error("unexpected owner")
	}
	if c.HasRole("") {
		t.Error("empty role must never match")
	}
}
