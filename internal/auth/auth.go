// Package auth implements the gateway's two per-endpoint authentication
// schemes — HTTP Basic against inline or secret-table-backed users, and
// HS256 JWT Bearer tokens — and the request-scoped principal they produce.
package auth

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"flapi/internal/apperror"
	"flapi/internal/config"
)

// Principal is the authenticated identity attached to a request on success.
type Principal struct {
	Authenticated bool
	Username      string
	Roles         []string
}

// UserLookup resolves a username to its stored credential, trying the
// inline users[] list first and falling back to the secret-table
// backing when `from-aws-secretmanager` is configured. It is supplied
// by the caller so auth stays independent of the engine and the
// secret-manager fetch mechanics.
type UserLookup func(ctx context.Context, username string) (storedPassword string, roles []string, found bool)

// Authenticator checks one endpoint's configured scheme against an
// incoming request.
type Authenticator struct {
	cfg    config.AuthConfig
	lookup UserLookup
}

// New builds an Authenticator for one endpoint's auth config. lookup
// may be nil for bearer-only endpoints.
func New(cfg config.AuthConfig, lookup UserLookup) *Authenticator {
	return &Authenticator{cfg: cfg, lookup: lookup}
}

// Authenticate inspects the Authorization header per the endpoint's
// configured scheme. It returns apperror with KindAuth (mapped to 401)
// on any failure. Basic and Bearer failures carry the WWW-Authenticate
// challenge in Fields; an unsupported auth type carries none.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if !a.cfg.Enabled {
		return &Principal{Authenticated: true}, nil
	}

	header := r.Header.Get("Authorization")
	switch strings.ToLower(a.cfg.Type) {
	case "basic":
		return a.authenticateBasic(r.Context(), header)
	case "bearer":
		return a.authenticateBearer(header)
	default:
		return nil, apperror.New(apperror.KindAuth, fmt.Sprintf("unsupported auth type %q", a.cfg.Type), nil)
	}
}

func (a *Authenticator) authenticateBasic(ctx context.Context, header string) (*Principal, error) {
	challenge := `Basic realm="flAPI"`
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return nil, unauthorized(challenge, "missing or malformed Basic credentials")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return nil, unauthorized(challenge, "malformed Basic credentials")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, unauthorized(challenge, "malformed Basic credentials")
	}

	stored, roles, found := a.resolveUser(ctx, username)
	if !found || !passwordMatches(password, stored) {
		return nil, unauthorized(challenge, "invalid username or password")
	}

	return &Principal{Authenticated: true, Username: username, Roles: roles}, nil
}

func (a *Authenticator) resolveUser(ctx context.Context, username string) (string, []string, bool) {
	for _, u := range a.cfg.Users {
		if u.Username == username {
			return u.Password, nil, true
		}
	}
	if a.lookup != nil {
		return a.lookup(ctx, username)
	}
	return "", nil, false
}

// passwordMatches accepts either a plaintext match or, when the stored
// value looks like a 32-char lowercase MD5 hex digest, an MD5 match.
// MD5 is only honored for pre-hashed legacy stores, never generated.
func passwordMatches(given, stored string) bool {
	if given == stored {
		return true
	}
	if isMD5Hex(stored) {
		sum := md5.Sum([]byte(given))
		return hex.EncodeToString(sum[:]) == stored
	}
	return false
}

func isMD5Hex(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func (a *Authenticator) authenticateBearer(header string) (*Principal, error) {
	challenge := "Bearer"
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, unauthorized(challenge, "missing Bearer token")
	}
	raw := strings.TrimPrefix(header, prefix)

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, unauthorized(challenge, "invalid bearer token")
	}

	if a.cfg.JWTIssuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != a.cfg.JWTIssuer {
			return nil, unauthorized(challenge, "unexpected token issuer")
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, unauthorized(challenge, "token missing subject")
	}

	return &Principal{Authenticated: true, Username: sub, Roles: extractRoles(claims["roles"])}, nil
}

func extractRoles(v any) []string {
	switch r := v.(type) {
	case string:
		parts := strings.Split(r, ",")
		roles := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				roles = append(roles, p)
			}
		}
		return roles
	case []any:
		roles := make([]string, 0, len(r))
		for _, e := range r {
			if s, ok := e.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	default:
		return nil
	}
}

func unauthorized(challenge, message string) error {
	return apperror.New(apperror.KindAuth, message, nil).WithFields(map[string]any{
		"www_authenticate": challenge,
	})
}
