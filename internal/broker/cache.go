package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/eniz1806/VaultGallery/internal/token"
)

type cacheKey struct {
	subject     string
	fingerprint string
}

func (k cacheKey) String() string {
	return k.subject + "\x00" + k.fingerprint
}

type cacheEntry struct {
	creds       ScopedCredentials
	obtainedAt  time.Time
	// tokenExpiry is the exp claim of the token the set was exchanged for.
	// Once it passes the entry is a miss, so the provider sees the token again.
	tokenExpiry time.Time
}

// CacheObserver receives cache outcomes. metrics.Collector implements it.
type CacheObserver interface {
	ObserveCacheLookup(hit bool)
	ObserveExchange(outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveCacheLookup(bool)               {}
func (noopObserver) ObserveExchange(string, time.Duration) {}

// Cache memoizes exchange results per (subject, token fingerprint) and runs
// at most one exchange per key at a time.
type Cache struct {
	exchanger Exchanger
	entries   *lru.Cache[cacheKey, cacheEntry]
	group     singleflight.Group
	margin    time.Duration
	timeout   time.Duration
	observer  CacheObserver
	now       func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithObserver registers an observer for hit/miss and exchange latency.
func WithObserver(o CacheObserver) CacheOption {
	return func(c *Cache) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewCache creates a cache holding at most size entries. margin is the
// minimum remaining lifetime for a cached set to be served; timeout bounds
// each exchange independently of the callers waiting on it.
func NewCache(exchanger Exchanger, size int, margin, timeout time.Duration, opts ...CacheOption) (*Cache, error) {
	entries, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create credential cache: %w", err)
	}
	c := &Cache{
		exchanger: exchanger,
		entries:   entries,
		margin:    margin,
		timeout:   timeout,
		observer:  noopObserver{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrExchange returns cached credentials for the token or performs one
// exchange shared by every concurrent caller with the same key. A caller
// whose ctx ends stops waiting and gets a KindTimeout error; the exchange
// itself runs on to completion and fills the cache.
func (c *Cache) GetOrExchange(ctx context.Context, claims *token.Claims, raw string) (ScopedCredentials, error) {
	key := cacheKey{subject: claims.Subject, fingerprint: token.Fingerprint(raw)}

	if creds, ok := c.lookup(key); ok {
		c.observer.ObserveCacheLookup(true)
		return creds, nil
	}
	c.observer.ObserveCacheLookup(false)

	ch := c.group.DoChan(key.String(), func() (any, error) {
		// Another flight for this key may have finished between our lookup
		// and joining the group.
		if creds, ok := c.lookup(key); ok {
			return creds, nil
		}
		return c.exchange(context.WithoutCancel(ctx), key, claims, raw)
	})

	select {
	case <-ctx.Done():
		slog.Debug("abandoned wait for credential exchange", "fingerprint", key.fingerprint, "error", ctx.Err())
		return ScopedCredentials{}, &Error{Kind: KindTimeout, Message: "request ended while waiting for credentials", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return ScopedCredentials{}, res.Err
		}
		creds, ok := res.Val.(ScopedCredentials)
		if !ok {
			return ScopedCredentials{}, &Error{Kind: KindCacheFault, Message: "unexpected flight result"}
		}
		if !creds.ExpiresAt.After(c.now()) {
			return ScopedCredentials{}, &Error{Kind: KindCredentialIssuanceFailed, Message: "credentials expired before use"}
		}
		return creds, nil
	}
}

func (c *Cache) lookup(key cacheKey) (ScopedCredentials, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return ScopedCredentials{}, false
	}
	now := c.now()
	if !e.tokenExpiry.IsZero() && !e.tokenExpiry.After(now) {
		c.entries.Remove(key)
		return ScopedCredentials{}, false
	}
	if e.creds.Remaining(now) <= c.margin {
		return ScopedCredentials{}, false
	}
	return e.creds, true
}

func (c *Cache) exchange(ctx context.Context, key cacheKey, claims *token.Claims, raw string) (ScopedCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	creds, err := c.exchanger.Exchange(ctx, claims, raw)
	elapsed := c.now().Sub(start)
	if err != nil {
		c.entries.Remove(key)
		c.observer.ObserveExchange(outcomeOf(err), elapsed)
		var be *Error
		if !errors.As(err, &be) {
			err = &Error{Kind: KindCacheFault, Message: "exchange failed", Err: err}
		}
		return ScopedCredentials{}, err
	}

	now := c.now()
	if !creds.Usable(now) {
		c.entries.Remove(key)
		c.observer.ObserveExchange(string(KindCredentialIssuanceFailed), elapsed)
		return ScopedCredentials{}, &Error{Kind: KindCredentialIssuanceFailed, Message: "provider issued unusable credentials"}
	}

	c.entries.Add(key, cacheEntry{creds: creds, obtainedAt: now, tokenExpiry: claims.Expiry()})
	c.observer.ObserveExchange("ok", elapsed)
	return creds, nil
}

func outcomeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return string(be.Kind)
	}
	return "error"
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry. Called on shutdown.
func (c *Cache) Purge() {
	c.entries.Purge()
}
