package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"flapi/internal/apperror"
	"flapi/internal/config"
)

func TestAuthenticateBasicInlineUser(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled: true,
		Type:    "basic",
		Users:   []config.AuthUserConfig{{Username: "alice", Password: "s3cret"}},
	}
	a := New(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "s3cret")
	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Authenticated || p.Username != "alice" {
		t.Fatalf("unexpected principal: %#v", p)
	}
}

func TestAuthenticateBasicWrongPassword(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled: true,
		Type:    "basic",
		Users:   []config.AuthUserConfig{{Username: "alice", Password: "s3cret"}},
	}
	a := New(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "wrong")
	_, err := a.Authenticate(req)
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	ae, ok := apperror.As(err)
	if !ok || ae.Kind != apperror.KindAuth || ae.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("expected KindAuth/401, got %#v", ae)
	}
}

func TestAuthenticateBasicMD5Stored(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled: true,
		Type:    "basic",
		// md5("s3cret") == "33e1b232a4e6fa0028a6670753749a17"
		Users: []config.AuthUserConfig{{Username: "alice", Password: "33e1b232a4e6fa0028a6670753749a17"}},
	}
	a := New(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "s3cret")
	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Authenticated {
		t.Fatalf("expected MD5-hashed password to match")
	}
}

func TestAuthenticateBearerValid(t *testing.T) {
	secret := "top-secret"
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "bob",
		"roles": "admin,editor",
		"iss":   "flapi",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cfg := config.AuthConfig{Enabled: true, Type: "bearer", JWTSecret: secret, JWTIssuer: "flapi"}
	a := New(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Username != "bob" || len(p.Roles) != 2 {
		t.Fatalf("unexpected principal: %#v", p)
	}
}

func TestAuthenticateBearerWrongIssuer(t *testing.T) {
	secret := "top-secret"
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "bob",
		"iss": "someone-else",
	})
	signed, _ := tok.SignedString([]byte(secret))

	cfg := config.AuthConfig{Enabled: true, Type: "bearer", JWTSecret: secret, JWTIssuer: "flapi"}
	a := New(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	if _, err := a.Authenticate(req); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
}

func TestAuthenticateDisabledPassesThrough(t *testing.T) {
	a := New(config.AuthConfig{Enabled: false}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p, err := a.Authenticate(req)
	if err != nil || !p.Authenticated {
		t.Fatalf("expected pass-through principal, got %#v, %v", p, err)
	}
}
