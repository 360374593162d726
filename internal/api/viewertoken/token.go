// Package viewertoken issues and verifies the signed tokens that carry a
// viewer's identity to the stream endpoints.
package viewertoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Prefix identifies the token version.
	Prefix = "lv1"

	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 30 * time.Minute

	// MaxTTL bounds caller supplied lifetimes.
	MaxTTL = 24 * time.Hour
)

// Roles.
const (
	RoleViewer = "viewer"
	RoleHost   = "host"
)

// Errors returned by Issue and Verify.
var (
	ErrEmptySecret      = errors.New("secret cannot be empty")
	ErrInvalidFormat    = errors.New("invalid token format")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
)

// Claims is the token payload. An empty Stream grants every stream.
type Claims struct {
	Sub    string `json:"sub"`
	Name   string `json:"name,omitempty"`
	Stream string `json:"stream,omitempty"`
	Role   string `json:"role"`
	Iat    int64  `json:"iat"`
	Exp    int64  `json:"exp"`
}

// AllowsStream reports whether the token may be used on streamID.
func (c Claims) AllowsStream(streamID string) bool {
	return c.Stream == "" || c.Stream == streamID
}

// IsHost reports whether the token carries the host role.
func (c Claims) IsHost() bool {
	return c.Role == RoleHost
}

func (c Claims) validate() error {
	if c.Sub == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidClaims)
	}
	if c.Role != RoleViewer && c.Role != RoleHost {
		return fmt.Errorf("%w: role %q", ErrInvalidClaims, c.Role)
	}
	return nil
}

// Issue signs c. Iat and Exp are set from now and ttl; a ttl of zero means
// DefaultTTL and an empty role means RoleViewer.
// Format: lv1.<payload_b64>.<sig_b64>, sig = HMAC-SHA256(secret, "lv1."+payload_b64)
func Issue(secret []byte, c Claims, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ttl = min(ttl, MaxTTL)
	if c.Role == "" {
		c.Role = RoleViewer
	}
	if err := c.validate(); err != nil {
		return "", err
	}
	c.Iat = now.Unix()
	c.Exp = now.Add(ttl).Unix()

	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signed := Prefix + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signed + "." + base64.RawURLEncoding.EncodeToString(sign(secret, signed)), nil
}

// Verify checks the signature and expiry of token and returns its claims.
func Verify(token string, secret []byte, now time.Time) (Claims, error) {
	if len(secret) == 0 {
		return Claims{}, ErrEmptySecret
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != Prefix {
		return Claims{}, ErrInvalidFormat
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, ErrInvalidFormat
	}
	if !hmac.Equal(sig, sign(secret, parts[0]+"."+parts[1])) {
		return Claims{}, ErrInvalidSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidFormat
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, ErrInvalidFormat
	}

	if now.Unix() > c.Exp {
		return Claims{}, ErrTokenExpired
	}
	if err := c.validate(); err != nil {
		return Claims{}, err
	}
	return c, nil
}

func sign(secret []byte, input string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}
