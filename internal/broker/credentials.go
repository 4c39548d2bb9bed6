package broker

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ScopedCredentials is a temporary credential set issued by the identity
// pool for one federated identity. Values are handed out by copy and never
// mutated after issuance.
type ScopedCredentials struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	ExpiresAt    time.Time
	IdentityID   string
}

// Remaining returns the lifetime left at now.
func (c ScopedCredentials) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Usable reports whether the set is complete and not yet expired at now.
func (c ScopedCredentials) Usable(now time.Time) bool {
	return c.AccessKeyID != "" && c.SecretKey != "" && c.ExpiresAt.After(now)
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return strings.Repeat("*", len(k))
	}
	return k[:4] + strings.Repeat("*", len(k)-8) + k[len(k)-4:]
}

// String never includes the secret key or session token.
func (c ScopedCredentials) String() string {
	return fmt.Sprintf("ScopedCredentials{AccessKeyID: %s, IdentityID: %s, ExpiresAt: %s}",
		maskKey(c.AccessKeyID), c.IdentityID, c.ExpiresAt.UTC().Format(time.RFC3339))
}

func (c ScopedCredentials) GoString() string {
	return c.String()
}

// LogValue keeps secrets out of structured logs.
func (c ScopedCredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key_id", maskKey(c.AccessKeyID)),
		slog.String("identity_id", c.IdentityID),
		slog.Time("expires_at", c.ExpiresAt),
	)
}
