package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	// 32 bytes of HMAC encode to 43 base64url characters without padding.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// JWTVerifier checks HS256 tokens issued by the login service and extracts the
// username and role claims.
//
// Required claims: exp, role, and username (sub is accepted as a fallback).
// Optional claims iat and nbf are validated when present.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(token string) (Identity, error) {
	claims, err := v.verifyAndDecodeClaims(token)
	if err != nil {
		return Identity{}, err
	}

	now := v.now().Unix()

	expUnix, err := requiredTimestamp(claims, "exp")
	if err != nil {
		return Identity{}, err
	}
	if now >= expUnix {
		return Identity{}, ErrInvalidCredentials
	}
	if _, err := optionalTimestamp(claims, "iat"); err != nil {
		return Identity{}, err
	}
	nbf, err := optionalTimestamp(claims, "nbf")
	if err != nil {
		return Identity{}, err
	}
	if nbf != nil && now < *nbf {
		return Identity{}, ErrInvalidCredentials
	}

	username, err := stringClaim(claims, "username")
	if err != nil {
		return Identity{}, err
	}
	if username == "" {
		if username, err = stringClaim(claims, "sub"); err != nil {
			return Identity{}, err
		}
	}
	if username == "" {
		return Identity{}, ErrInvalidCredentials
	}

	rawRole, err := stringClaim(claims, "role")
	if err != nil {
		return Identity{}, err
	}
	role, err := ParseRole(rawRole)
	if err != nil {
		return Identity{}, err
	}

	return Identity{Username: username, Role: role}, nil
}

func (v JWTVerifier) verifyAndDecodeClaims(token string) (map[string]any, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	var header struct {
		Alg *string `json:"alg"`
		Typ any     `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, ErrInvalidCredentials
	}
	if header.Alg == nil {
		return nil, ErrInvalidCredentials
	}
	if *header.Alg != "HS256" {
		return nil, ErrUnsupportedJWT
	}
	if header.Typ != nil {
		if _, ok := header.Typ.(string); !ok {
			return nil, ErrInvalidCredentials
		}
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return nil, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return nil, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil || claims == nil {
		return nil, ErrInvalidCredentials
	}
	// The payload must be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

func stringClaim(claims map[string]any, key string) (string, error) {
	raw, ok := claims[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", ErrInvalidCredentials
	}
	return strings.TrimSpace(s), nil
}

func requiredTimestamp(claims map[string]any, key string) (int64, error) {
	ts, err := optionalTimestamp(claims, key)
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return 0, ErrInvalidCredentials
	}
	return *ts, nil
}

func optionalTimestamp(claims map[string]any, key string) (*int64, error) {
	raw, ok := claims[key]
	if !ok {
		return nil, nil
	}
	ts, err := parseUnixTimestamp(raw)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return &ts, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxJWTHeaderB64Len) ||
		!isBase64urlNoPad(payloadB64, maxJWTPayloadB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

// isBase64urlNoPad accepts only canonical unpadded base64url: the unused
// low bits of the final quantum must be zero.
func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen || len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if _, ok := b64urlValue(raw[i]); !ok {
			return false
		}
	}
	last, _ := b64urlValue(raw[len(raw)-1])
	switch len(raw) % 4 {
	case 2:
		return last&0x0f == 0
	case 3:
		return last&0x03 == 0
	default:
		return true
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	// jsonwebtoken issuers occasionally emit fractional seconds.
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
