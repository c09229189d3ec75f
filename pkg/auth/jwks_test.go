package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// unsignedToken builds an alg=none token for clients with verification off.
func unsignedToken(claims *Claims) string {
	header, _ := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	payload, _ := json.Marshal(claims)
	return base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

// jwksServer serves the public half of key as a single-key JWKS.
func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	set := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signedToken(t *testing.T, key *rsa.PrivateKey, kid string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWKSClient_UnverifiedMode(t *testing.T) {
	client, err := NewJWKSClient(context.Background(), &JWKSConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("NewJWKSClient failed: %v", err)
	}
	defer client.Close()

	claims, err := client.ValidateToken(unsignedToken(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-7"},
		Email:            "ops@example.com",
		Roles:            []string{"admin"},
	}))
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Subject != "ops-7" {
		t.Errorf("expected subject ops-7, got %q", claims.Subject)
	}
	if !claims.HasRole("admin") {
		t.Error("expected admin role")
	}
}

func TestJWKSClient_RejectsGarbage(t *testing.T) {
	client, _ := NewJWKSClient(context.Background(), &JWKSConfig{EnableVerification: false})
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := client.ValidateToken(token); err == nil {
			t.Errorf("expected error for %q", token)
		}
	}
}

func TestJWKSClient_VerifiesSignatures(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, key, "k1")
	issuer := "https://id.example.com"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := NewJWKSClient(ctx, &JWKSConfig{
		EnableVerification: true,
		JWKSEndpoints:      map[string]string{issuer: srv.URL},
	})
	if err != nil {
		t.Fatalf("NewJWKSClient failed: %v", err)
	}

	good := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-1",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"admin"},
	}
	claims, err := client.ValidateToken(signedToken(t, key, "k1", good))
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if claims.Subject != "ops-1" {
		t.Errorf("expected subject ops-1, got %q", claims.Subject)
	}

	t.Run("unknown issuer", func(t *testing.T) {
		c := *good
		c.Issuer = "https://evil.example.com"
		if _, err := client.ValidateToken(signedToken(t, key, "k1", &c)); err == nil {
			t.Error("expected unknown issuer to be rejected")
		}
	})

	t.Run("expired", func(t *testing.T) {
		c := *good
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		if _, err := client.ValidateToken(signedToken(t, key, "k1", &c)); err == nil {
			t.Error("expected expired token to be rejected")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := rsa.GenerateKey(rand.Reader, 2048)
		if _, err := client.ValidateToken(signedToken(t, other, "k1", good)); err == nil {
			t.Error("expected signature mismatch to be rejected")
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		if _, err := client.ValidateToken(unsignedToken(good)); err == nil {
			t.Error("expected alg=none to be rejected")
		}
	})
}
