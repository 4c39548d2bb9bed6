package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity/types"
	"github.com/aws/smithy-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniz1806/VaultGallery/internal/token"
)

const (
	testClient   = "client-abc"
	testProvider = "cognito-idp.us-east-1.amazonaws.com/us-east-1_pool"
)

func idToken(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       sub,
		"aud":       testClient,
		"token_use": "id",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func claimsFor(t *testing.T, raw string) *token.Claims {
	t.Helper()
	c, err := token.NewDecoder(testClient).Decode(raw)
	require.NoError(t, err)
	return c
}

// fakeIdentity implements IdentityAPI.
type fakeIdentity struct {
	mu          sync.Mutex
	getIDCalls  int
	credCalls   int
	logins      map[string]string
	getIDErr    error
	credErr     error
	expiration  time.Time
	identityID  string
	omitSecrets bool
}

func (f *fakeIdentity) GetId(_ context.Context, in *cognitoidentity.GetIdInput, _ ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getIDCalls++
	f.logins = in.Logins
	if f.getIDErr != nil {
		return nil, f.getIDErr
	}
	return &cognitoidentity.GetIdOutput{IdentityId: aws.String(f.identityID)}, nil
}

func (f *fakeIdentity) GetCredentialsForIdentity(_ context.Context, in *cognitoidentity.GetCredentialsForIdentityInput, _ ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credCalls++
	if f.credErr != nil {
		return nil, f.credErr
	}
	creds := &types.Credentials{
		AccessKeyId:  aws.String("ASIAEXAMPLEKEY1234"),
		SecretKey:    aws.String("secret"),
		SessionToken: aws.String("session"),
		Expiration:   aws.Time(f.expiration),
	}
	if f.omitSecrets {
		creds.SecretKey = nil
	}
	return &cognitoidentity.GetCredentialsForIdentityOutput{IdentityId: in.IdentityId, Credentials: creds}, nil
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{identityID: "us-east-1:identity-1", expiration: time.Now().Add(time.Hour)}
}

func TestCognitoExchanger_RoundTrip(t *testing.T) {
	fake := newFakeIdentity()
	ex := NewCognitoExchanger(aws.Config{}, "us-east-1:pool", testProvider, WithIdentityClient(fake))

	raw := idToken(t, "u1")
	creds, err := ex.Exchange(context.Background(), claimsFor(t, raw), raw)
	require.NoError(t, err)

	assert.Equal(t, "us-east-1:identity-1", creds.IdentityID)
	assert.Equal(t, "ASIAEXAMPLEKEY1234", creds.AccessKeyID)
	assert.Equal(t, fake.expiration, creds.ExpiresAt)
	assert.Equal(t, map[string]string{testProvider: raw}, fake.logins)
	assert.Equal(t, 1, fake.getIDCalls)
	assert.Equal(t, 1, fake.credCalls)
}

func TestCognitoExchanger_StepFailures(t *testing.T) {
	raw := idToken(t, "u1")

	fake := newFakeIdentity()
	fake.getIDErr = &smithy.GenericAPIError{Code: "NotAuthorizedException", Message: "Invalid login token"}
	ex := NewCognitoExchanger(aws.Config{}, "pool", testProvider, WithIdentityClient(fake))
	_, err := ex.Exchange(context.Background(), claimsFor(t, raw), raw)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindIdentityResolutionFailed, be.Kind)
	assert.Equal(t, "NotAuthorizedException", be.Code)
	assert.Equal(t, "Invalid login token", be.Message)
	assert.False(t, be.Transient)
	assert.Equal(t, 0, fake.credCalls)

	fake = newFakeIdentity()
	fake.credErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	ex = NewCognitoExchanger(aws.Config{}, "pool", testProvider, WithIdentityClient(fake))
	_, err = ex.Exchange(context.Background(), claimsFor(t, raw), raw)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindCredentialIssuanceFailed, be.Kind)
	assert.Equal(t, http.StatusUnauthorized, be.HTTPStatus())

	fake = newFakeIdentity()
	fake.omitSecrets = true
	ex = NewCognitoExchanger(aws.Config{}, "pool", testProvider, WithIdentityClient(fake))
	_, err = ex.Exchange(context.Background(), claimsFor(t, raw), raw)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindCredentialIssuanceFailed, be.Kind)
}

func TestProviderError_Throttling(t *testing.T) {
	e := providerError(KindIdentityResolutionFailed, &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"})
	assert.True(t, e.Transient)
	assert.True(t, IsRetryable(e))

	e = providerError(KindIdentityResolutionFailed, context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, e.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, e.HTTPStatus())
}

// countingExchanger is a scripted Exchanger.
type countingExchanger struct {
	calls   atomic.Int32
	delay   time.Duration
	release chan struct{}
	ttl     time.Duration
	errs    []error // consumed in order, nil entries succeed
	mu      sync.Mutex
}

func (c *countingExchanger) Exchange(ctx context.Context, claims *token.Claims, raw string) (ScopedCredentials, error) {
	n := c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	var err error
	if len(c.errs) > 0 {
		err = c.errs[0]
		c.errs = c.errs[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return ScopedCredentials{}, err
	}
	ttl := c.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return ScopedCredentials{
		AccessKeyID:  fmt.Sprintf("AKID%d", n),
		SecretKey:    "secret",
		SessionToken: "session",
		ExpiresAt:    time.Now().Add(ttl),
		IdentityID:   "id-" + claims.Subject,
	}, nil
}

func newTestCache(t *testing.T, ex Exchanger, opts ...CacheOption) *Cache {
	t.Helper()
	c, err := NewCache(ex, 100, 60*time.Second, 5*time.Second, opts...)
	require.NoError(t, err)
	return c
}

func TestCache_HitAfterMiss(t *testing.T) {
	ex := &countingExchanger{}
	c := newTestCache(t, ex)
	raw := idToken(t, "u1")
	claims := claimsFor(t, raw)

	first, err := c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)
	second, err := c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)

	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Len())
}

func TestCache_DifferentTokensDifferentKeys(t *testing.T) {
	ex := &countingExchanger{}
	c := newTestCache(t, ex)
	a, b := idToken(t, "u1"), idToken(t, "u2")

	_, err := c.GetOrExchange(context.Background(), claimsFor(t, a), a)
	require.NoError(t, err)
	_, err = c.GetOrExchange(context.Background(), claimsFor(t, b), b)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ex.calls.Load())
}

func TestCache_SingleFlight(t *testing.T) {
	ex := &countingExchanger{release: make(chan struct{})}
	c := newTestCache(t, ex)
	raw := idToken(t, "u1")
	claims := claimsFor(t, raw)

	const n = 50
	var wg sync.WaitGroup
	results := make([]ScopedCredentials, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrExchange(context.Background(), claims, raw)
		}(i)
	}
	// Let the callers pile up on the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestCache_SingleFlightSharesError(t *testing.T) {
	fail := &Error{Kind: KindCredentialIssuanceFailed, Code: "AccessDenied"}
	ex := &countingExchanger{release: make(chan struct{}), errs: []error{fail}}
	c := newTestCache(t, ex)
	raw := idToken(t, "u1")
	claims := claimsFor(t, raw)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrExchange(context.Background(), claims, raw); errors.Is(err, fail) {
				failures.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, int32(10), failures.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCache_RefreshesWithinSafetyMargin(t *testing.T) {
	ex := &countingExchanger{ttl: 90 * time.Second}
	now := time.Now()
	c := newTestCache(t, ex, WithClock(func() time.Time { return now }))
	raw := idToken(t, "u1")
	claims := claimsFor(t, raw)

	_, err := c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)

	// 90s lifetime, 60s margin: still a hit at +20s, refreshed at +40s.
	now = now.Add(20 * time.Second)
	_, err = c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ex.calls.Load())

	now = now.Add(20 * time.Second)
	creds, err := c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ex.calls.Load())
	assert.True(t, creds.ExpiresAt.After(now))
}

func TestCache_ExpiredTokenIsNotServedFromCache(t *testing.T) {
	ex := &countingExchanger{}
	now := time.Now()
	c := newTestCache(t, ex, WithClock(func() time.Time { return now }))
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       "u1",
		"aud":       testClient,
		"token_use": "id",
		"exp":       now.Add(time.Minute).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	claims := claimsFor(t, raw)

	first, err := c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ex.calls.Load())

	// The credentials are still valid but the token is not: the provider
	// has to be asked again.
	now = now.Add(30 * time.Minute)
	second, err := c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ex.calls.Load())
	assert.NotEqual(t, first.AccessKeyID, second.AccessKeyID)
}

func TestCache_FailureEvictsStaleEntry(t *testing.T) {
	ex := &countingExchanger{ttl: 90 * time.Second}
	now := time.Now()
	c := newTestCache(t, ex, WithClock(func() time.Time { return now }))
	raw := idToken(t, "u1")
	claims := claimsFor(t, raw)

	_, err := c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	now = now.Add(45 * time.Second)
	ex.errs = []error{&Error{Kind: KindCredentialIssuanceFailed}}
	_, err = c.GetOrExchange(context.Background(), claims, raw)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_RejectsExpiredIssuance(t *testing.T) {
	ex := &countingExchanger{ttl: -time.Second}
	c := newTestCache(t, ex)
	raw := idToken(t, "u1")

	_, err := c.GetOrExchange(context.Background(), claimsFor(t, raw), raw)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindCredentialIssuanceFailed, be.Kind)
	assert.Equal(t, 0, c.Len())
}

func TestCache_CancelledWaiterDoesNotAbortExchange(t *testing.T) {
	ex := &countingExchanger{release: make(chan struct{})}
	c := newTestCache(t, ex)
	raw := idToken(t, "u1")
	claims := claimsFor(t, raw)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetOrExchange(ctx, claims, raw)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindTimeout, be.Kind)

	close(ex.release)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.GetOrExchange(context.Background(), claims, raw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestBroker_DecodeFailuresSkipExchange(t *testing.T) {
	ex := &countingExchanger{}
	b := New(token.NewDecoder(testClient), newTestCache(t, ex), RetryPolicy{MaxAttempts: 3})

	_, _, err := b.Credentials(context.Background(), "")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindMissingToken, be.Kind)

	wrongAud, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1", "aud": "wrong-client", "token_use": "id",
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, _, err = b.Credentials(context.Background(), wrongAud)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindInvalidToken, be.Kind)
	assert.ErrorIs(t, err, token.ErrWrongAudience)
	assert.Equal(t, http.StatusUnauthorized, be.HTTPStatus())

	assert.Equal(t, int32(0), ex.calls.Load())
}

func TestBroker_RetriesThrottling(t *testing.T) {
	throttled := &Error{Kind: KindIdentityResolutionFailed, Code: "TooManyRequestsException", Transient: true}
	ex := &countingExchanger{errs: []error{throttled, throttled}}
	b := New(token.NewDecoder(testClient), newTestCache(t, ex), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	raw := idToken(t, "u1")
	creds, claims, err := b.Credentials(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "id-u1", creds.IdentityID)
	assert.Equal(t, int32(3), ex.calls.Load())
}

func TestBroker_GivesUpAfterMaxAttempts(t *testing.T) {
	throttled := &Error{Kind: KindIdentityResolutionFailed, Code: "TooManyRequestsException", Transient: true}
	ex := &countingExchanger{errs: []error{throttled, throttled, throttled, throttled}}
	b := New(token.NewDecoder(testClient), newTestCache(t, ex), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	raw := idToken(t, "u1")
	_, _, err := b.Credentials(context.Background(), raw)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindIdentityResolutionFailed, be.Kind)
	assert.Equal(t, int32(3), ex.calls.Load())
}

func TestBroker_NoRetryOnAccessDenied(t *testing.T) {
	denied := &Error{Kind: KindCredentialIssuanceFailed, Code: "AccessDenied"}
	ex := &countingExchanger{errs: []error{denied}}
	b := New(token.NewDecoder(testClient), newTestCache(t, ex), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	raw := idToken(t, "u1")
	_, _, err := b.Credentials(context.Background(), raw)
	require.ErrorIs(t, err, denied)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestScopedCredentials_Redaction(t *testing.T) {
	c := ScopedCredentials{
		AccessKeyID:  "ASIAEXAMPLEKEY1234",
		SecretKey:    "super-secret-value",
		SessionToken: "session-token-value",
		ExpiresAt:    time.Now().Add(time.Hour),
		IdentityID:   "us-east-1:abc",
	}
	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%#v", c), c.LogValue().String()} {
		assert.False(t, strings.Contains(s, "super-secret-value"), s)
		assert.False(t, strings.Contains(s, "session-token-value"), s)
	}
	assert.Contains(t, c.String(), "ASIA")
	assert.True(t, c.Usable(time.Now()))
	assert.False(t, c.Usable(c.ExpiresAt))
}
