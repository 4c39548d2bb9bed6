package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Kind classifies broker failures for the HTTP layer.
type Kind string

const (
	KindMissingToken             Kind = "MissingToken"
	KindInvalidToken             Kind = "InvalidToken"
	KindIdentityResolutionFailed Kind = "IdentityResolutionFailed"
	KindCredentialIssuanceFailed Kind = "CredentialIssuanceFailed"
	KindTimeout                  Kind = "Timeout"
	KindCacheFault               Kind = "CacheFault"
)

// Error is returned by every broker operation. Code and Message carry the
// identity provider's error details when there are any.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to the status a handler should answer with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingToken, KindInvalidToken, KindIdentityResolutionFailed, KindCredentialIssuanceFailed:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err is a throttling or transient transport
// failure worth another exchange attempt.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}

var throttleCodes = map[string]bool{
	"TooManyRequestsException": true,
	"LimitExceededException":   true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
}

// providerError converts an SDK error from one exchange step into an Error
// of the given kind.
func providerError(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
		e.Message = apiErr.ErrorMessage()
		e.Transient = throttleCodes[e.Code]
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.Kind = KindTimeout
		e.Message = "credential exchange timed out"
		e.Transient = errors.Is(err, context.DeadlineExceeded)
		return e
	}

	var sendErr *smithyhttp.RequestSendError
	var netErr net.Error
	if errors.As(err, &sendErr) || errors.As(err, &netErr) {
		e.Transient = true
	}
	e.Message = err.Error()
	return e
}
