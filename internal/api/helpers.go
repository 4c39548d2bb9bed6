package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eniz1806/VaultGallery/internal/broker"
	"github.com/eniz1806/VaultGallery/internal/gateway"
	"github.com/eniz1806/VaultGallery/internal/identity"
)

const maxJSONBody = 1 << 20

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// requestError is a client mistake caught before any backend call.
type requestError struct {
	Status  int
	Kind    string
	Message string
}

func (e *requestError) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) error {
	return &requestError{Status: http.StatusBadRequest, Kind: "InvalidRequest", Message: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Kind: kind, Message: msg})
}

// describe maps err onto the status and kind the client sees.
func describe(err error) (int, string, string) {
	var (
		re *requestError
		be *broker.Error
		ge *gateway.Error
		ie *identity.Error
	)
	switch {
	case errors.As(err, &re):
		return re.Status, re.Kind, re.Message
	case errors.As(err, &be):
		return be.HTTPStatus(), string(be.Kind), be.Error()
	case errors.As(err, &ge):
		msg := ge.Message
		if msg == "" {
			msg = ge.Error()
		}
		return ge.HTTPStatus(), string(ge.Kind), msg
	case errors.As(err, &ie):
		kind := ie.Code
		if kind == "" {
			kind = "IdentityProviderError"
		}
		return ie.HTTPStatus(), kind, ie.Message
	}
	return http.StatusInternalServerError, "Internal", "internal error"
}

// writeErr answers with the mapped error and returns the status used.
func writeErr(w http.ResponseWriter, r *http.Request, err error) int {
	status, kind, msg := describe(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeError(w, status, kind, msg)
	return status
}

func queryInt(r *http.Request, name string, def, max int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, badRequest("%s must be a positive integer", name)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}
