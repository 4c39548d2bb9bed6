package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUserPool struct {
	signUp   *cip.SignUpInput
	initAuth *cip.InitiateAuthInput
	err      error
	noResult bool
}

func (f *fakeUserPool) SignUp(_ context.Context, in *cip.SignUpInput, _ ...func(*cip.Options)) (*cip.SignUpOutput, error) {
	f.signUp = in
	if f.err != nil {
		return nil, f.err
	}
	return &cip.SignUpOutput{UserSub: aws.String("sub-1")}, nil
}

func (f *fakeUserPool) ConfirmSignUp(context.Context, *cip.ConfirmSignUpInput, ...func(*cip.Options)) (*cip.ConfirmSignUpOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cip.ConfirmSignUpOutput{}, nil
}

func (f *fakeUserPool) ResendConfirmationCode(context.Context, *cip.ResendConfirmationCodeInput, ...func(*cip.Options)) (*cip.ResendConfirmationCodeOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cip.ResendConfirmationCodeOutput{}, nil
}

func (f *fakeUserPool) InitiateAuth(_ context.Context, in *cip.InitiateAuthInput, _ ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	f.initAuth = in
	if f.err != nil {
		return nil, f.err
	}
	if f.noResult {
		return &cip.InitiateAuthOutput{ChallengeName: types.ChallengeNameTypeNewPasswordRequired}, nil
	}
	return &cip.InitiateAuthOutput{AuthenticationResult: &types.AuthenticationResultType{
		IdToken:     aws.String("id"),
		AccessToken: aws.String("access"),
		TokenType:   aws.String("Bearer"),
		ExpiresIn:   3600,
	}}, nil
}

func (f *fakeUserPool) GetUser(context.Context, *cip.GetUserInput, ...func(*cip.Options)) (*cip.GetUserOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cip.GetUserOutput{
		Username: aws.String("alice"),
		UserAttributes: []types.AttributeType{
			{Name: aws.String("email"), Value: aws.String("alice@example.com")},
			{Name: aws.String("sub"), Value: aws.String("sub-1")},
		},
	}, nil
}

func TestSignUp(t *testing.T) {
	fake := &fakeUserPool{}
	c := New(aws.Config{}, "client", "", "", WithUserPoolAPI(fake))

	res, err := c.SignUp(context.Background(), "alice", "pw", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", res.UserSub)
	assert.Equal(t, "UNCONFIRMED", res.Status)
	assert.Nil(t, fake.signUp.SecretHash)
	assert.Equal(t, "email", aws.ToString(fake.signUp.UserAttributes[0].Name))
}

func TestSignIn_SecretHash(t *testing.T) {
	fake := &fakeUserPool{}
	c := New(aws.Config{}, "client", "s3cr3t", "", WithUserPoolAPI(fake))

	tok, err := c.SignIn(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "id", tok.IDToken)
	assert.Equal(t, int32(3600), tok.ExpiresIn)
	assert.Equal(t, types.AuthFlowTypeUserPasswordAuth, fake.initAuth.AuthFlow)
	assert.NotEmpty(t, fake.initAuth.AuthParameters["SECRET_HASH"])
	assert.Equal(t, aws.ToString(c.secretHash("alice")), fake.initAuth.AuthParameters["SECRET_HASH"])
}

func TestSignIn_Challenge(t *testing.T) {
	c := New(aws.Config{}, "client", "", "", WithUserPoolAPI(&fakeUserPool{noResult: true}))
	_, err := c.SignIn(context.Background(), "alice", "pw")
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "NEW_PASSWORD_REQUIRED", ie.Code)
	assert.Equal(t, http.StatusUnauthorized, ie.HTTPStatus())
}

func TestProviderErrorsVerbatim(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{"NotAuthorizedException", http.StatusUnauthorized},
		{"UsernameExistsException", http.StatusConflict},
		{"CodeMismatchException", http.StatusBadRequest},
		{"UserNotConfirmedException", http.StatusForbidden},
		{"TooManyRequestsException", http.StatusTooManyRequests},
		{"InternalErrorException", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			fake := &fakeUserPool{err: &smithy.GenericAPIError{Code: tt.code, Message: "provider says no"}}
			c := New(aws.Config{}, "client", "", "", WithUserPoolAPI(fake))
			err := c.ConfirmSignUp(context.Background(), "alice", "123")
			var ie *Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.code, ie.Code)
			assert.Equal(t, "provider says no", ie.Message)
			assert.Equal(t, tt.status, ie.HTTPStatus())
		})
	}

	err := New(aws.Config{}, "c", "", "", WithUserPoolAPI(&fakeUserPool{err: errors.New("dial tcp")})).ResendCode(context.Background(), "a")
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusBadGateway, ie.HTTPStatus())
}

func TestGetUser(t *testing.T) {
	c := New(aws.Config{}, "client", "", "", WithUserPoolAPI(&fakeUserPool{}))
	u, err := c.GetUser(context.Background(), "access")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "alice@example.com", u.Attributes["email"])
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "https://app/cb", r.PostForm.Get("redirect_uri"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "s3cr3t", pass)

		if r.PostForm.Get("code") == "used" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id_token":"id","access_token":"acc","refresh_token":"ref","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	c := New(aws.Config{}, "client", "s3cr3t", srv.URL+"/", WithUserPoolAPI(&fakeUserPool{}))

	tok, err := c.ExchangeCode(context.Background(), "good", "https://app/cb")
	require.NoError(t, err)
	assert.Equal(t, "id", tok.IDToken)
	assert.Equal(t, "ref", tok.RefreshToken)

	_, err = c.ExchangeCode(context.Background(), "used", "https://app/cb")
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "invalid_grant", ie.Code)
	assert.Equal(t, http.StatusBadRequest, ie.HTTPStatus())
}

func TestExchangeCode_NotConfigured(t *testing.T) {
	c := New(aws.Config{}, "client", "", "", WithUserPoolAPI(&fakeUserPool{}))
	_, err := c.ExchangeCode(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
