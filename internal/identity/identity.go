// Package identity passes sign-up, sign-in and profile calls through to the
// Cognito user pool and exchanges hosted-UI authorization codes for tokens.
// It holds no session state; tokens go straight back to the caller.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
)

// UserPoolAPI is the subset of the user-pool client this package calls.
type UserPoolAPI interface {
	SignUp(ctx context.Context, params *cip.SignUpInput, optFns ...func(*cip.Options)) (*cip.SignUpOutput, error)
	ConfirmSignUp(ctx context.Context, params *cip.ConfirmSignUpInput, optFns ...func(*cip.Options)) (*cip.ConfirmSignUpOutput, error)
	ResendConfirmationCode(ctx context.Context, params *cip.ResendConfirmationCodeInput, optFns ...func(*cip.Options)) (*cip.ResendConfirmationCodeOutput, error)
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	GetUser(ctx context.Context, params *cip.GetUserInput, optFns ...func(*cip.Options)) (*cip.GetUserOutput, error)
}

// Tokens is the token set returned by a sign-in or a code exchange.
type Tokens struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int32  `json:"expires_in"`
}

type SignUpResult struct {
	Username      string `json:"username"`
	UserSub       string `json:"userSub"`
	UserConfirmed bool   `json:"userConfirmed"`
	Status        string `json:"status"`
}

type User struct {
	Username   string            `json:"username"`
	Attributes map[string]string `json:"attributes"`
}

// Error carries the provider's code and message verbatim.
type Error struct {
	Op      string
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusBadGateway
	}
	return e.Status
}

var codeStatus = map[string]int{
	"NotAuthorizedException":         http.StatusUnauthorized,
	"UserNotFoundException":          http.StatusUnauthorized,
	"UserNotConfirmedException":      http.StatusForbidden,
	"PasswordResetRequiredException": http.StatusForbidden,
	"UsernameExistsException":        http.StatusConflict,
	"AliasExistsException":           http.StatusConflict,
	"CodeMismatchException":          http.StatusBadRequest,
	"ExpiredCodeException":           http.StatusBadRequest,
	"InvalidPasswordException":       http.StatusBadRequest,
	"InvalidParameterException":      http.StatusBadRequest,
	"LimitExceededException":         http.StatusTooManyRequests,
	"TooManyRequestsException":       http.StatusTooManyRequests,
	"TooManyFailedAttemptsException": http.StatusTooManyRequests,
}

func providerError(op string, err error) *Error {
	e := &Error{Op: op, Message: err.Error(), Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
		e.Message = apiErr.ErrorMessage()
		e.Status = codeStatus[e.Code]
	}
	return e
}

// ErrNotConfigured is returned by ExchangeCode when no hosted-UI domain is set.
var ErrNotConfigured = errors.New("user pool domain not configured")

// Client talks to one user-pool app client.
type Client struct {
	api          UserPoolAPI
	clientID     string
	clientSecret string
	domain       string
	httpClient   *http.Client
}

type Option func(*Client)

// WithUserPoolAPI overrides the SDK client.
func WithUserPoolAPI(api UserPoolAPI) Option {
	return func(c *Client) {
		c.api = api
	}
}

// WithHTTPClient overrides the client used for the token endpoint.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

func New(cfg aws.Config, clientID, clientSecret, domain string, opts ...Option) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		domain:       strings.TrimRight(domain, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil {
		c.api = cip.NewFromConfig(cfg)
	}
	return c
}

// secretHash is required on user-pool calls when the app client has a secret.
func (c *Client) secretHash(username string) *string {
	if c.clientSecret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(c.clientSecret))
	mac.Write([]byte(username + c.clientID))
	return aws.String(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func (c *Client) SignUp(ctx context.Context, username, password, email string) (SignUpResult, error) {
	out, err := c.api.SignUp(ctx, &cip.SignUpInput{
		ClientId:       aws.String(c.clientID),
		Username:       aws.String(username),
		Password:       aws.String(password),
		SecretHash:     c.secretHash(username),
		UserAttributes: []types.AttributeType{{Name: aws.String("email"), Value: aws.String(email)}},
	})
	if err != nil {
		return SignUpResult{}, providerError("sign_up", err)
	}
	res := SignUpResult{
		Username:      username,
		UserSub:       aws.ToString(out.UserSub),
		UserConfirmed: out.UserConfirmed,
		Status:        "UNCONFIRMED",
	}
	if out.UserConfirmed {
		res.Status = "CONFIRMED"
	}
	slog.Info("user signed up", "username", username)
	return res, nil
}

func (c *Client) ConfirmSignUp(ctx context.Context, username, code string) error {
	_, err := c.api.ConfirmSignUp(ctx, &cip.ConfirmSignUpInput{
		ClientId:         aws.String(c.clientID),
		Username:         aws.String(username),
		ConfirmationCode: aws.String(code),
		SecretHash:       c.secretHash(username),
	})
	if err != nil {
		return providerError("confirm_sign_up", err)
	}
	return nil
}

func (c *Client) ResendCode(ctx context.Context, username string) error {
	_, err := c.api.ResendConfirmationCode(ctx, &cip.ResendConfirmationCodeInput{
		ClientId:   aws.String(c.clientID),
		Username:   aws.String(username),
		SecretHash: c.secretHash(username),
	})
	if err != nil {
		return providerError("resend_code", err)
	}
	return nil
}

// SignIn runs the USER_PASSWORD_AUTH flow. Challenges are not supported and
// come back as an error.
func (c *Client) SignIn(ctx context.Context, username, password string) (Tokens, error) {
	params := map[string]string{"USERNAME": username, "PASSWORD": password}
	if h := c.secretHash(username); h != nil {
		params["SECRET_HASH"] = *h
	}
	out, err := c.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		ClientId:       aws.String(c.clientID),
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		AuthParameters: params,
	})
	if err != nil {
		return Tokens{}, providerError("sign_in", err)
	}
	if out.AuthenticationResult == nil {
		return Tokens{}, &Error{
			Op:      "sign_in",
			Code:    string(out.ChallengeName),
			Message: "authentication challenge required",
			Status:  http.StatusUnauthorized,
		}
	}
	r := out.AuthenticationResult
	return Tokens{
		IDToken:      aws.ToString(r.IdToken),
		AccessToken:  aws.ToString(r.AccessToken),
		RefreshToken: aws.ToString(r.RefreshToken),
		TokenType:    aws.ToString(r.TokenType),
		ExpiresIn:    r.ExpiresIn,
	}, nil
}

// GetUser returns the profile behind an access token.
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	out, err := c.api.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(accessToken)})
	if err != nil {
		return User{}, providerError("get_user", err)
	}
	u := User{Username: aws.ToString(out.Username), Attributes: make(map[string]string, len(out.UserAttributes))}
	for _, a := range out.UserAttributes {
		u.Attributes[aws.ToString(a.Name)] = aws.ToString(a.Value)
	}
	return u, nil
}

// ExchangeCode trades a hosted-UI authorization code for tokens at the
// domain's /oauth2/token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (Tokens, error) {
	if c.domain == "" {
		return Tokens{}, &Error{Op: "exchange_code", Message: ErrNotConfigured.Error(), Status: http.StatusInternalServerError, Err: ErrNotConfigured}
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {c.clientID},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.domain+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, &Error{Op: "exchange_code", Message: err.Error(), Status: http.StatusInternalServerError, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientSecret != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Tokens{}, &Error{Op: "exchange_code", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tokens{}, &Error{Op: "exchange_code", Message: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		json.Unmarshal(body, &oauthErr)
		e := &Error{Op: "exchange_code", Code: oauthErr.Error, Status: http.StatusBadRequest}
		if oauthErr.Error == "invalid_grant" {
			e.Message = "authorization code is invalid or already used, sign in again"
		} else {
			e.Message = fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return Tokens{}, e
	}

	var t Tokens
	if err := json.Unmarshal(body, &t); err != nil {
		return Tokens{}, &Error{Op: "exchange_code", Message: "parse token response: " + err.Error(), Err: err}
	}
	return t, nil
}
