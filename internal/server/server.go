package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/eniz1806/VaultGallery/internal/api"
	"github.com/eniz1806/VaultGallery/internal/audit"
	"github.com/eniz1806/VaultGallery/internal/broker"
	"github.com/eniz1806/VaultGallery/internal/config"
	"github.com/eniz1806/VaultGallery/internal/gateway"
	"github.com/eniz1806/VaultGallery/internal/identity"
	"github.com/eniz1806/VaultGallery/internal/metrics"
	"github.com/eniz1806/VaultGallery/internal/middleware"
	"github.com/eniz1806/VaultGallery/internal/notify"
	"github.com/eniz1806/VaultGallery/internal/ratelimit"
	"github.com/eniz1806/VaultGallery/internal/token"
)

// Server is the gallery BFF: the JSON API plus health, readiness and
// metrics endpoints.
type Server struct {
	cfg         *config.Config
	metrics     *metrics.Collector
	cache       *broker.Cache
	api         *api.Handler
	activity    *audit.Store
	local       *gateway.LocalStore
	notifyDisp  *notify.Dispatcher
	rateLimiter *ratelimit.Limiter
}

// LoadAWSConfig resolves region, profile and the default credential chain.
// Process credentials are only used by the exchange client and the
// labeler; storage calls always run under the caller's scoped credentials.
func LoadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// backend is the storage side chosen by storage.backend.
type backend struct {
	objects   gateway.ObjectStore
	labels    gateway.LabelTable
	exchanger broker.Exchanger
	local     *gateway.LocalStore
}

func newBackend(cfg *config.Config, awsCfg aws.Config) (*backend, error) {
	switch cfg.Storage.Backend {
	case "local":
		store, err := gateway.NewLocalStore(cfg.Storage.DataDir, filepath.Join(cfg.Storage.MetadataDir, "gallery.db"), localBucket(cfg))
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		slog.Warn("local storage backend: credentials are minted locally, not for production use",
			"data_dir", cfg.Storage.DataDir)
		return &backend{objects: store, labels: store, exchanger: broker.NewLocalExchanger(time.Hour), local: store}, nil
	default:
		objects, err := gateway.NewS3Store(cfg.AWS.Bucket, gateway.NewS3ClientFactory(awsCfg, cfg.AWS.Endpoint), cfg.Storage.ClientCache)
		if err != nil {
			return nil, err
		}
		labels, err := gateway.NewDynamoLabels(cfg.AWS.LabelsTable, gateway.NewDynamoClientFactory(awsCfg, cfg.AWS.Endpoint), cfg.Storage.ClientCache)
		if err != nil {
			return nil, err
		}
		return &backend{
			objects:   objects,
			labels:    labels,
			exchanger: broker.NewCognitoExchanger(awsCfg, cfg.AWS.IdentityPoolID, cfg.AWS.ProviderName()),
		}, nil
	}
}

func localBucket(cfg *config.Config) string {
	if cfg.AWS.Bucket != "" {
		return cfg.AWS.Bucket
	}
	return "local"
}

// New wires every component from cfg. Nothing listens until Run.
func New(cfg *config.Config, awsCfg aws.Config) (*Server, error) {
	if err := cfg.RequireIdentity(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.MetadataDir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	mc := metrics.NewCollector()

	be, err := newBackend(cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	cache, err := broker.NewCache(be.exchanger, cfg.Broker.CacheSize, cfg.Broker.SafetyMargin(), cfg.Broker.ExchangeTimeout(),
		broker.WithObserver(mc))
	if err != nil {
		closeLocal(be.local)
		return nil, err
	}
	b := broker.New(token.NewDecoder(cfg.AWS.ClientID), cache, broker.RetryPolicy{
		MaxAttempts: cfg.Broker.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Broker.BackoffBaseMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Broker.BackoffMaxMillis) * time.Millisecond,
	})

	activity, err := audit.Open(filepath.Join(cfg.Storage.MetadataDir, "audit.db"))
	if err != nil {
		closeLocal(be.local)
		return nil, fmt.Errorf("init audit store: %w", err)
	}

	notifyDisp := notify.NewFromConfig(cfg.Notifications, cfg.AWS.Region)

	var notifier api.Notifier
	if notifyDisp.Enabled() {
		notifier = notifyDisp
	}

	idp := identity.New(awsCfg, cfg.AWS.ClientID, cfg.AWS.ClientSecret, cfg.AWS.UserPoolDomain)

	handler := api.NewHandler(b, idp, gateway.New(be.objects, be.labels, mc), notifier, activity, api.Options{
		Region:         cfg.AWS.Region,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rateLimiter = ratelimit.NewLimiter(
			cfg.RateLimit.RequestsPerSec, cfg.RateLimit.BurstSize,
			cfg.RateLimit.TokenRequestsPerS, cfg.RateLimit.TokenBurstSize,
		)
	}

	return &Server{
		cfg:         cfg,
		metrics:     mc,
		cache:       cache,
		api:         handler,
		activity:    activity,
		local:       be.local,
		notifyDisp:  notifyDisp,
		rateLimiter: rateLimiter,
	}, nil
}

func closeLocal(l *gateway.LocalStore) {
	if l != nil {
		l.Close()
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	checks := []readinessCheck{{name: "audit", ping: s.activity.Ping}}
	if s.local != nil {
		checks = append(checks, readinessCheck{name: "local_store", ping: s.local.Ping})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(s.metrics.StartTime()))
	mux.HandleFunc("GET /ready", readyHandler(checks...))
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics)
	}
	s.api.Register(mux)

	mws := []func(http.Handler) http.Handler{
		middleware.PanicRecovery,
		middleware.RequestID,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(s.cfg.CORS),
	}
	if s.rateLimiter != nil {
		mws = append(mws, middleware.RateLimit(s.rateLimiter, s.metrics.RecordRateLimited))
	}
	return middleware.Chain(middleware.Instrument(s.metrics, mux), mws...)
}

func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.Server.ProxyProtocol {
		ln = &middleware.ProxyListener{Listener: ln}
	}
	return ln, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.ListenAddr()
	timeout := time.Duration(s.cfg.Server.RequestTimeoutSecs) * time.Second

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}

	var challenge *http.Server
	switch {
	case s.cfg.Server.AutoTLS.Enabled:
		tlsCfg, challengeHandler, err := NewAutoTLS(s.cfg.Server.AutoTLS)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsCfg
		if challengeHandler != nil {
			challenge = &http.Server{Addr: ":80", Handler: challengeHandler, ReadHeaderTimeout: 10 * time.Second}
		}
	case s.cfg.Server.TLS.Enabled:
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("load tls key pair: %w", err)
		}
		httpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	ln, err := s.listen(addr)
	if err != nil {
		return err
	}

	// Notification workers outlive ctx so Close can drain the queue.
	s.notifyDisp.Start(context.WithoutCancel(ctx))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go audit.NewPruner(s.activity, s.cfg.Audit.PruneIntervalSecs, s.cfg.Audit.RetentionDays).Run(bgCtx)

	scheme := "http"
	if httpServer.TLSConfig != nil {
		scheme = "https"
	}
	slog.Info("vaultgallery starting",
		"addr", addr,
		"scheme", scheme,
		"backend", s.cfg.Storage.Backend,
		"region", s.cfg.AWS.Region,
		"bucket", s.cfg.AWS.Bucket,
		"notifications", s.notifyDisp.Enabled(),
		"rate_limit", s.rateLimiter != nil,
		"proxy_protocol", s.cfg.Server.ProxyProtocol,
	)

	errCh := make(chan error, 2)
	go func() {
		if httpServer.TLSConfig != nil {
			errCh <- httpServer.ServeTLS(ln, "", "")
		} else {
			errCh <- httpServer.Serve(ln)
		}
	}()
	if challenge != nil {
		go func() {
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("acme challenge listener failed", "error", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownTimeout := time.Duration(s.cfg.Server.ShutdownTimeoutSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if challenge != nil {
		challenge.Shutdown(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown timed out", "timeout", shutdownTimeout, "error", err)
		return err
	}
	slog.Info("server stopped")
	return nil
}

// Close releases everything New acquired. Cached credentials are dropped
// so nothing outlives the process in memory longer than needed.
func (s *Server) Close() {
	s.cache.Purge()
	s.notifyDisp.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.activity != nil {
		s.activity.Close()
	}
	closeLocal(s.local)
}
