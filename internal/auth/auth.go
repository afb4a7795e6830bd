package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vakeelsaab/vakeel-signal/internal/config"
)

type Role string

const (
	RoleClient Role = "CLIENT"
	RoleLawyer Role = "LAWYER"
)

func ParseRole(raw string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(RoleClient):
		return RoleClient, nil
	case string(RoleLawyer):
		return RoleLawyer, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidCredentials, raw)
	}
}

// Identity is the verified (username, role) pair bound to a connection.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (id Identity) IsLawyer() bool { return id.Role == RoleLawyer }

func (id Identity) String() string { return id.Username + "/" + string(id.Role) }

// Verifier turns a bearer credential into a verified identity.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("jwt auth mode requires a secret")
		}
		return NewJWTVerifier(cfg.JWTSecret), nil
	case config.AuthModeInsecure:
		return InsecureVerifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// CredentialFromQuery returns the ?token= credential used by browser
// WebSocket clients, which cannot attach headers to the upgrade request.
func CredentialFromQuery(q url.Values) (string, error) {
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// CredentialFromHeader extracts a bearer token from the Authorization header.
func CredentialFromHeader(h http.Header) (string, error) {
	raw := strings.TrimSpace(h.Get("Authorization"))
	if raw == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}

// CredentialFromRequest prefers the Authorization header and falls back to
// the query string.
func CredentialFromRequest(r *http.Request) (string, error) {
	cred, err := CredentialFromHeader(r.Header)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, ErrMissingCredentials) {
		return "", err
	}
	return CredentialFromQuery(r.URL.Query())
}

// Authenticate extracts and verifies the request credential.
func Authenticate(v Verifier, r *http.Request) (Identity, error) {
	if v == nil {
		return Identity{}, errors.New("auth verifier not configured")
	}
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(cred)
}

// IsUnauthorized reports whether err should be treated as an authentication
// failure rather than a server fault.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUnsupportedJWT)
}
