package auth

import (
	"fmt"
	"strings"
)

// InsecureVerifier accepts credentials of the form "<username>:<ROLE>"
// without any signature. It exists for local development against a frontend
// that has no login backend running; config rejects it in prod mode.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(credential string) (Identity, error) {
	name, rawRole, ok := strings.Cut(strings.TrimSpace(credential), ":")
	if !ok || name == "" {
		return Identity{}, ErrInvalidCredentials
	}
	role, err := ParseRole(rawRole)
	if err != nil {
		return Identity{}, fmt.Errorf("insecure credential: %w", err)
	}
	return Identity{Username: name, Role: role}, nil
}
