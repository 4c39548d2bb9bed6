package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Kind is the normalized storage failure class.
type Kind string

const (
	KindNotFound     Kind = "NotFound"
	KindAccessDenied Kind = "AccessDenied"
	KindThrottled    Kind = "Throttled"
	KindInvalid      Kind = "InvalidRequest"
	KindUnknown      Kind = "Unknown"
)

// Error is the only error type gateway operations return.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindInvalid:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// IsNotFound reports whether err is a gateway NotFound.
func IsNotFound(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindNotFound
}

var codeKinds = map[string]Kind{
	"NoSuchKey":                              KindNotFound,
	"NotFound":                               KindNotFound,
	"NoSuchBucket":                           KindNotFound,
	"ResourceNotFoundException":              KindNotFound,
	"AccessDenied":                           KindAccessDenied,
	"AccessDeniedException":                  KindAccessDenied,
	"Forbidden":                              KindAccessDenied,
	"ExpiredToken":                           KindAccessDenied,
	"ExpiredTokenException":                  KindAccessDenied,
	"InvalidAccessKeyId":                     KindAccessDenied,
	"InvalidToken":                           KindAccessDenied,
	"SignatureDoesNotMatch":                  KindAccessDenied,
	"UnrecognizedClientException":            KindAccessDenied,
	"SlowDown":                               KindThrottled,
	"Throttling":                             KindThrottled,
	"ThrottlingException":                    KindThrottled,
	"RequestLimitExceeded":                   KindThrottled,
	"TooManyRequestsException":               KindThrottled,
	"ProvisionedThroughputExceededException": KindThrottled,
}

// classify normalizes an SDK error. Errors that are already *Error pass
// through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	e := &Error{Kind: KindUnknown, Op: op, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
		e.Message = apiErr.ErrorMessage()
		if k, ok := codeKinds[e.Code]; ok {
			e.Kind = k
			return e
		}
	}

	// HEAD responses carry no error body, only the status.
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			e.Kind = KindNotFound
		case http.StatusForbidden:
			e.Kind = KindAccessDenied
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			e.Kind = KindThrottled
		}
	}
	return e
}
