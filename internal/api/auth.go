package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eniz1806/VaultGallery/internal/audit"
	"github.com/eniz1806/VaultGallery/internal/broker"
	"github.com/eniz1806/VaultGallery/internal/gateway"
	"github.com/eniz1806/VaultGallery/internal/identity"
	"github.com/eniz1806/VaultGallery/internal/token"
)

// session is the authenticated caller of one request.
type session struct {
	creds       broker.ScopedCredentials
	owner       string
	fingerprint string
}

// headerError maps an Authorization header failure onto the broker taxonomy.
// A header that is present but not a bearer token is invalid, not missing.
func headerError(err error) *broker.Error {
	kind := broker.KindMissingToken
	if errors.Is(err, token.ErrMalformedHeader) {
		kind = broker.KindInvalidToken
	}
	return &broker.Error{Kind: kind, Message: err.Error(), Err: err}
}

type authedFunc func(w http.ResponseWriter, r *http.Request, s *session) (resource string, err error)

// authed resolves the bearer ID token before fn runs, writes fn's error if
// any, and records the outcome under action. An empty action records
// nothing.
func (h *Handler) authed(action string, fn authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := token.FromAuthorizationHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeErr(w, r, headerError(err))
			return
		}
		creds, claims, err := h.broker.Credentials(r.Context(), raw)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		s := &session{creds: creds, owner: claims.Subject, fingerprint: token.Fingerprint(raw)}

		resource, err := fn(w, r, s)
		outcome, status := "ok", 0
		if err != nil {
			status = writeErr(w, r, err)
			_, outcome, _ = describe(err)
		}
		if action != "" {
			h.record(audit.Entry{
				Subject:     s.owner,
				IdentityID:  creds.IdentityID,
				Action:      action,
				Resource:    resource,
				Outcome:     outcome,
				Status:      status,
				Fingerprint: s.fingerprint,
			})
		}
	}
}

func (h *Handler) record(e audit.Entry) {
	if h.activity == nil {
		return
	}
	e.Time = h.now()
	if err := h.activity.Record(e); err != nil {
		slog.Warn("activity record failed", "action", e.Action, "error", err)
	}
}

func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) bool {
	if h.identity == nil {
		writeErr(w, r, &identity.Error{Op: "identity", Message: "identity provider not configured", Status: http.StatusServiceUnavailable})
		return false
	}
	return true
}

type signUpRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !h.requireIdentity(w, r) {
		return
	}
	var req signUpRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" || req.Email == "" {
		writeErr(w, r, badRequest("username, password and email are required"))
		return
	}
	res, err := h.identity.SignUp(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type confirmRequest struct {
	Username         string `json:"username"`
	ConfirmationCode string `json:"confirmationCode"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if !h.requireIdentity(w, r) {
		return
	}
	var req confirmRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Username == "" || req.ConfirmationCode == "" {
		writeErr(w, r, badRequest("username and confirmationCode are required"))
		return
	}
	if err := h.identity.ConfirmSignUp(r.Context(), req.Username, req.ConfirmationCode); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "user confirmed"})
}

type resendRequest struct {
	Username string `json:"username"`
}

func (h *Handler) handleResendCode(w http.ResponseWriter, r *http.Request) {
	if !h.requireIdentity(w, r) {
		return
	}
	var req resendRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Username == "" {
		writeErr(w, r, badRequest("username is required"))
		return
	}
	if err := h.identity.ResendCode(r.Context(), req.Username); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "confirmation code sent"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	identity.Tokens
	Username             string     `json:"username"`
	IdentityID           string     `json:"identityId,omitempty"`
	CredentialsExpiresAt *time.Time `json:"credentialsExpiresAt,omitempty"`
}

// handleLogin signs in and warms the credential cache for the new ID token
// so the first storage call does not pay for the exchange. Tokens are
// returned to the client only; nothing is kept server side.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.requireIdentity(w, r) {
		return
	}
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErr(w, r, badRequest("username and password are required"))
		return
	}
	tokens, err := h.identity.SignIn(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := loginResponse{Tokens: tokens, Username: req.Username}
	creds, claims, err := h.broker.Credentials(r.Context(), tokens.IDToken)
	if err != nil {
		slog.Warn("credential warm-up failed", "fingerprint", token.Fingerprint(tokens.IDToken), "error", err)
	} else {
		resp.IdentityID = creds.IdentityID
		exp := creds.ExpiresAt.UTC()
		resp.CredentialsExpiresAt = &exp
		h.record(audit.Entry{
			Subject:     claims.Subject,
			IdentityID:  creds.IdentityID,
			Action:      audit.ActionLogin,
			Outcome:     "ok",
			Fingerprint: token.Fingerprint(tokens.IDToken),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type exchangeCodeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

func (h *Handler) handleExchangeCode(w http.ResponseWriter, r *http.Request) {
	if !h.requireIdentity(w, r) {
		return
	}
	var req exchangeCodeRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Code == "" || req.RedirectURI == "" {
		writeErr(w, r, badRequest("code and redirect_uri are required"))
		return
	}
	tokens, err := h.identity.ExchangeCode(r.Context(), req.Code, req.RedirectURI)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// handleMe takes the access token, not the ID token.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if !h.requireIdentity(w, r) {
		return
	}
	raw, err := token.FromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeErr(w, r, headerError(err))
		return
	}
	user, err := h.identity.GetUser(r.Context(), raw)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// imageRef builds the caller's object address from path and query input.
func imageRef(owner, album, filename string) (gateway.ObjectRef, error) {
	ref := gateway.ObjectRef{Owner: owner, Album: strings.TrimSpace(album), Filename: filename}
	if ref.Album != "" {
		if err := gateway.ValidateAlbumName(ref.Album); err != nil {
			return ref, badRequest("%v", err)
		}
	}
	if err := ref.Validate(); err != nil {
		return ref, badRequest("%v", err)
	}
	return ref, nil
}
