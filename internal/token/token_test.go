package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClient = "client-abc"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-the-real-key"))
	require.NoError(t, err)
	return s
}

func idClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":              "u1",
		"aud":              testClient,
		"token_use":        "id",
		"exp":              time.Now().Add(time.Hour).Unix(),
		"cognito:username": "alice",
		"email":            "alice@example.com",
	}
}

func TestDecode_ValidIDToken(t *testing.T) {
	d := NewDecoder(testClient)
	claims, err := d.Decode(sign(t, idClaims()))
	require.NoError(t, err)

	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, testClient, claims.PrimaryAudience())
	assert.Equal(t, ClassID, claims.Class())
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.Expiry(), 2*time.Second)
}

func TestDecode_AudienceArray(t *testing.T) {
	c := idClaims()
	c["aud"] = []string{"other", testClient}
	_, err := NewDecoder(testClient).Decode(sign(t, c))
	require.NoError(t, err)
}

func TestDecode_ExpiredTokenStillDecodes(t *testing.T) {
	// Expiry is enforced by the identity pool during the exchange.
	c := idClaims()
	c["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := NewDecoder(testClient).Decode(sign(t, c))
	require.NoError(t, err)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		raw    string
		want   error
	}{
		{name: "wrong audience", mutate: func(c jwt.MapClaims) { c["aud"] = "wrong-client" }, want: ErrWrongAudience},
		{name: "access token", mutate: func(c jwt.MapClaims) { c["token_use"] = "access" }, want: ErrWrongTokenClass},
		{name: "missing token_use", mutate: func(c jwt.MapClaims) { delete(c, "token_use") }, want: ErrMalformedToken},
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }, want: ErrMalformedToken},
		{name: "missing aud", mutate: func(c jwt.MapClaims) { delete(c, "aud") }, want: ErrMalformedToken},
		{name: "garbage", raw: "not.a.jwt", want: ErrMalformedToken},
		{name: "two segments", raw: "abc.def", want: ErrMalformedToken},
		{name: "empty", raw: "", want: ErrMissingToken},
	}
	d := NewDecoder(testClient)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			if tt.mutate != nil {
				c := idClaims()
				tt.mutate(c)
				raw = sign(t, c)
			}
			_, err := d.Decode(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("token-a")
	assert.Equal(t, a, Fingerprint("token-a"))
	assert.NotEqual(t, a, Fingerprint("token-b"))
	assert.NotContains(t, a, "token")
}

func TestFromAuthorizationHeader(t *testing.T) {
	tok, err := FromAuthorizationHeader("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)

	_, err = FromAuthorizationHeader("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = FromAuthorizationHeader("Basic dXNlcjpwYXNz")
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = FromAuthorizationHeader("Bearer   ")
	assert.ErrorIs(t, err, ErrMalformedHeader)
}
