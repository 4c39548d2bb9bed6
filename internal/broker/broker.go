// Package broker converts user-pool ID tokens into scoped storage
// credentials. It decodes the token, serves credentials from a cache keyed
// by subject and token fingerprint, and retries throttled exchanges.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eniz1806/VaultGallery/internal/token"
)

// CredentialSource is the cache operation the broker drives. *Cache
// implements it.
type CredentialSource interface {
	GetOrExchange(ctx context.Context, claims *token.Claims, raw string) (ScopedCredentials, error)
}

// RetryPolicy bounds retries of transient exchange failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Broker is the single entry point handlers use to obtain credentials.
type Broker struct {
	decoder *token.Decoder
	source  CredentialSource
	retry   RetryPolicy
}

func New(decoder *token.Decoder, source CredentialSource, retry RetryPolicy) *Broker {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Broker{decoder: decoder, source: source, retry: retry}
}

// Credentials validates raw and returns scoped credentials for it together
// with the decoded claims. All failures are *Error.
func (b *Broker) Credentials(ctx context.Context, raw string) (ScopedCredentials, *token.Claims, error) {
	claims, err := b.Decode(raw)
	if err != nil {
		return ScopedCredentials{}, nil, err
	}

	var creds ScopedCredentials
	attempt := 0
	op := func() error {
		attempt++
		c, err := b.source.GetOrExchange(ctx, claims, raw)
		if err == nil {
			creds = c
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		slog.Info("retrying credential exchange", "attempt", attempt, "fingerprint", token.Fingerprint(raw), "error", err)
		return err
	}

	if err := backoff.Retry(op, b.retry.backOff(ctx)); err != nil {
		return ScopedCredentials{}, nil, asBrokerError(err)
	}
	return creds, claims, nil
}

// Decode applies the token pre-filter only, with errors mapped to broker
// kinds.
func (b *Broker) Decode(raw string) (*token.Claims, error) {
	claims, err := b.decoder.Decode(raw)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, token.ErrMissingToken) {
		return nil, &Error{Kind: KindMissingToken, Message: err.Error(), Err: err}
	}
	return nil, &Error{Kind: KindInvalidToken, Message: err.Error(), Err: err}
}

func asBrokerError(err error) error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: "request ended while waiting for credentials", Err: err}
	}
	return &Error{Kind: KindCacheFault, Message: err.Error(), Err: err}
}
