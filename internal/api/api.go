// Package api serves the gallery's JSON HTTP API. Storage routes act as the
// bearer of an ID token: the broker turns the token into scoped credentials
// and every key is built from the token's subject.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/eniz1806/VaultGallery/internal/audit"
	"github.com/eniz1806/VaultGallery/internal/broker"
	"github.com/eniz1806/VaultGallery/internal/gateway"
	"github.com/eniz1806/VaultGallery/internal/identity"
	"github.com/eniz1806/VaultGallery/internal/token"
)

// CredentialBroker resolves a raw ID token into scoped credentials.
// *broker.Broker implements it.
type CredentialBroker interface {
	Credentials(ctx context.Context, raw string) (broker.ScopedCredentials, *token.Claims, error)
}

// IdentityProvider is the user-pool pass-through. *identity.Client
// implements it.
type IdentityProvider interface {
	SignUp(ctx context.Context, username, password, email string) (identity.SignUpResult, error)
	ConfirmSignUp(ctx context.Context, username, code string) error
	ResendCode(ctx context.Context, username string) error
	SignIn(ctx context.Context, username, password string) (identity.Tokens, error)
	GetUser(ctx context.Context, accessToken string) (identity.User, error)
	ExchangeCode(ctx context.Context, code, redirectURI string) (identity.Tokens, error)
}

// Notifier publishes object events. *notify.Dispatcher implements it.
type Notifier interface {
	Dispatch(bucket, key, eventName string, size int64, etag string)
}

// ActivityStore keeps the per-subject trail. *audit.Store implements it.
type ActivityStore interface {
	Record(e audit.Entry) error
	List(subject string, limit int, since time.Time) ([]audit.Entry, error)
}

type Options struct {
	Region         string
	MaxUploadBytes int64
}

// Handler routes the /auth and /api endpoints.
type Handler struct {
	mux      *http.ServeMux
	broker   CredentialBroker
	identity IdentityProvider
	gw       *gateway.Gateway
	notifier Notifier
	activity ActivityStore
	opts     Options
	now      func() time.Time
}

func NewHandler(b CredentialBroker, idp IdentityProvider, gw *gateway.Gateway, notifier Notifier, activity ActivityStore, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	h := &Handler{
		mux:      http.NewServeMux(),
		broker:   b,
		identity: idp,
		gw:       gw,
		notifier: notifier,
		activity: activity,
		opts:     opts,
		now:      time.Now,
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("POST /auth/signup", h.handleSignUp)
	h.mux.HandleFunc("POST /auth/confirm", h.handleConfirm)
	h.mux.HandleFunc("POST /auth/resend-code", h.handleResendCode)
	h.mux.HandleFunc("POST /auth/login", h.handleLogin)
	h.mux.HandleFunc("POST /auth/exchange-code", h.handleExchangeCode)
	h.mux.HandleFunc("GET /auth/me", h.handleMe)

	h.mux.HandleFunc("POST /api/upload", h.authed(audit.ActionUpload, h.handleUpload))
	h.mux.HandleFunc("GET /api/images", h.authed(audit.ActionList, h.handleListImages))
	h.mux.HandleFunc("POST /api/images/move", h.authed(audit.ActionMove, h.handleMoveImage))
	h.mux.HandleFunc("DELETE /api/images/{filename}", h.authed(audit.ActionDelete, h.handleDeleteImage))
	h.mux.HandleFunc("GET /api/images/{filename}/tags", h.authed(audit.ActionTags, h.handleImageTags))

	h.mux.HandleFunc("GET /api/albums", h.authed(audit.ActionList, h.handleListAlbums))
	h.mux.HandleFunc("POST /api/albums", h.authed(audit.ActionAlbumCreate, h.handleCreateAlbum))
	h.mux.HandleFunc("DELETE /api/albums/{album}", h.authed(audit.ActionAlbumDelete, h.handleDeleteAlbum))

	h.mux.HandleFunc("GET /api/tags", h.authed(audit.ActionTags, h.handlePopularTags))
	h.mux.HandleFunc("GET /api/tags/{tag}/images", h.authed(audit.ActionTags, h.handleImagesByTag))

	h.mux.HandleFunc("GET /api/activity", h.authed("", h.handleActivity))
}

// Register mounts the routes on mux so they share it with the server's
// own endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/auth/", h.mux)
	mux.Handle("/api/", h.mux)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}
