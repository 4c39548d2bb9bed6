package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/eniz1806/VaultGallery/internal/token"
)

// LocalExchanger issues throwaway credentials for the local storage backend.
// They authorize nothing outside this process; the gateway only checks that
// they are present and unexpired.
type LocalExchanger struct {
	ttl time.Duration
	now func() time.Time
}

func NewLocalExchanger(ttl time.Duration) *LocalExchanger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LocalExchanger{ttl: ttl, now: time.Now}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (e *LocalExchanger) Exchange(_ context.Context, claims *token.Claims, _ string) (ScopedCredentials, error) {
	ak, err := randomHex(8)
	if err != nil {
		return ScopedCredentials{}, &Error{Kind: KindCredentialIssuanceFailed, Message: "generate access key", Err: err}
	}
	sk, err := randomHex(20)
	if err != nil {
		return ScopedCredentials{}, &Error{Kind: KindCredentialIssuanceFailed, Message: "generate secret key", Err: err}
	}
	return ScopedCredentials{
		AccessKeyID: "LOCAL" + ak,
		SecretKey:   sk,
		ExpiresAt:   e.now().Add(e.ttl),
		IdentityID:  fmt.Sprintf("local:%s", claims.Subject),
	}, nil
}
