// Package token decodes user-pool identity tokens without verifying their
// signature. The identity pool verifies the signature during the credential
// exchange; the checks here only reject tokens that would certainly fail it.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken  = errors.New("malformed token")
	ErrWrongAudience   = errors.New("token audience does not match client")
	ErrWrongTokenClass = errors.New("token is not an ID token")
	ErrMissingToken    = errors.New("missing bearer token")
	ErrMalformedHeader = errors.New("invalid authorization header format")
)

// Class is the token_use claim Cognito stamps on every token it issues.
type Class string

const (
	ClassID     Class = "id"
	ClassAccess Class = "access"
)

// Claims holds the decoded, unverified claims of a user-pool token.
type Claims struct {
	jwt.RegisteredClaims
	TokenUse string `json:"token_use"`
	Username string `json:"cognito:username,omitempty"`
	Email    string `json:"email,omitempty"`
	ClientID string `json:"client_id,omitempty"` // access tokens carry the client here instead of aud
}

// Class returns the token class.
func (c *Claims) Class() Class {
	return Class(c.TokenUse)
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// PrimaryAudience returns the first audience value.
func (c *Claims) PrimaryAudience() string {
	if len(c.RegisteredClaims.Audience) == 0 {
		return ""
	}
	return c.RegisteredClaims.Audience[0]
}

// Decoder parses tokens for a single app client.
type Decoder struct {
	clientID string
	parser   *jwt.Parser
}

func NewDecoder(clientID string) *Decoder {
	return &Decoder{
		clientID: clientID,
		parser:   jwt.NewParser(),
	}
}

// Decode parses raw and applies the audience and class pre-filter. It does
// no I/O.
func (d *Decoder) Decode(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	if _, _, err := d.parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrMalformedToken)
	}
	if claims.TokenUse == "" {
		return nil, fmt.Errorf("%w: missing token_use claim", ErrMalformedToken)
	}
	if claims.Class() != ClassID {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenClass, claims.TokenUse)
	}
	if len(claims.RegisteredClaims.Audience) == 0 {
		return nil, fmt.Errorf("%w: missing aud claim", ErrMalformedToken)
	}
	if !audienceContains(claims.RegisteredClaims.Audience, d.clientID) {
		return nil, ErrWrongAudience
	}
	return claims, nil
}

func audienceContains(aud jwt.ClaimStrings, clientID string) bool {
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}

// Fingerprint returns a stable, non-reversible handle for raw, safe to log
// and to use as a cache key component.
func Fingerprint(raw string) string {
	return strconv.FormatUint(xxhash.Sum64String(raw), 16)
}

// FromAuthorizationHeader extracts the token from a "Bearer <token>" value.
func FromAuthorizationHeader(h string) (string, error) {
	if h == "" {
		return "", ErrMissingToken
	}
	tok := strings.TrimPrefix(h, "Bearer ")
	if tok == h {
		return "", ErrMalformedHeader
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrMalformedHeader
	}
	return tok, nil
}
