package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"

	"github.com/eniz1806/VaultGallery/internal/token"
)

// Exchanger turns a decoded ID token into scoped credentials with a single
// attempt. Retrying is left to the caller.
type Exchanger interface {
	Exchange(ctx context.Context, claims *token.Claims, raw string) (ScopedCredentials, error)
}

// IdentityAPI is the subset of the Cognito identity client the exchanger
// calls. Tests substitute a fake.
type IdentityAPI interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetCredentialsForIdentity(ctx context.Context, params *cognitoidentity.GetCredentialsForIdentityInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error)
}

// CognitoExchanger resolves an identity in the identity pool and requests
// credentials for it, presenting the ID token as login proof both times.
type CognitoExchanger struct {
	client         IdentityAPI
	identityPoolID string
	providerName   string
}

// ExchangerOption configures a CognitoExchanger.
type ExchangerOption func(*CognitoExchanger)

// WithIdentityClient overrides the SDK client.
func WithIdentityClient(c IdentityAPI) ExchangerOption {
	return func(e *CognitoExchanger) {
		e.client = c
	}
}

// NewCognitoExchanger builds an exchanger for the given identity pool.
// providerName is the user-pool login key, see config.AWSConfig.ProviderName.
func NewCognitoExchanger(cfg aws.Config, identityPoolID, providerName string, opts ...ExchangerOption) *CognitoExchanger {
	e := &CognitoExchanger{
		identityPoolID: identityPoolID,
		providerName:   providerName,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = cognitoidentity.NewFromConfig(cfg, func(o *cognitoidentity.Options) {
			o.RetryMaxAttempts = 1
		})
	}
	return e
}

func (e *CognitoExchanger) Exchange(ctx context.Context, claims *token.Claims, raw string) (ScopedCredentials, error) {
	logins := map[string]string{e.providerName: raw}
	fp := token.Fingerprint(raw)

	idOut, err := e.client.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(e.identityPoolID),
		Logins:         logins,
	})
	if err != nil {
		slog.Warn("identity resolution failed", "subject", claims.Subject, "fingerprint", fp, "error", err)
		return ScopedCredentials{}, providerError(KindIdentityResolutionFailed, err)
	}
	identityID := aws.ToString(idOut.IdentityId)
	if identityID == "" {
		return ScopedCredentials{}, &Error{Kind: KindIdentityResolutionFailed, Message: "provider returned no identity id"}
	}

	credOut, err := e.client.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: aws.String(identityID),
		Logins:     logins,
	})
	if err != nil {
		slog.Warn("credential issuance failed", "identity_id", identityID, "fingerprint", fp, "error", err)
		return ScopedCredentials{}, providerError(KindCredentialIssuanceFailed, err)
	}

	c := credOut.Credentials
	if c == nil || aws.ToString(c.AccessKeyId) == "" || aws.ToString(c.SecretKey) == "" || c.Expiration == nil {
		return ScopedCredentials{}, &Error{
			Kind:    KindCredentialIssuanceFailed,
			Message: "provider returned incomplete credentials",
			Err:     errors.New("missing credential fields"),
		}
	}

	creds := ScopedCredentials{
		AccessKeyID:  aws.ToString(c.AccessKeyId),
		SecretKey:    aws.ToString(c.SecretKey),
		SessionToken: aws.ToString(c.SessionToken),
		ExpiresAt:    *c.Expiration,
		IdentityID:   identityID,
	}
	slog.Debug("credentials issued", "identity_id", identityID, "fingerprint", fp,
		"expires_in", time.Until(creds.ExpiresAt).Round(time.Second))
	return creds, nil
}
