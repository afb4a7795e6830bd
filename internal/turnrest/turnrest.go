// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (the "TURN REST API" scheme, use-auth-secret in coturn):
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is the server's UTC clock plus the configured TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// SessionIDSource defaults to random UUIDs.
	SessionIDSource func() string
}

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
	newSessionID   func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTLSeconds <= 0:
		return nil, errors.New("turnrest: TTLSeconds must be > 0")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("turnrest: UsernamePrefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionIDSource == nil {
		cfg.SessionIDSource = uuid.NewString
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		newSessionID:   cfg.SessionIDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: session id must not contain ':'")
	}
	expiry := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, g.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		ExpiresAt:  time.Unix(expiry, 0).UTC(),
	}, nil
}

// GenerateRandom mints credentials under a fresh session id so two browsers
// never share a TURN allocation identity.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newSessionID())
}

func (g *Generator) TTL() time.Duration {
	return time.Duration(g.ttlSeconds) * time.Second
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
