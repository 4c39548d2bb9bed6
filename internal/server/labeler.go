package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/eniz1806/VaultGallery/internal/config"
	"github.com/eniz1806/VaultGallery/internal/labeler"
	"github.com/eniz1806/VaultGallery/internal/metrics"
	"github.com/eniz1806/VaultGallery/internal/middleware"
)

// Labeler serves the labeler's event endpoint and, when configured,
// consumes the same events from NATS.
type Labeler struct {
	cfg     *config.Config
	metrics *metrics.Collector
	pool    *labeler.Pool
	handler *labeler.Handler
}

// NewLabeler builds a labeler on the process's own AWS credentials.
func NewLabeler(cfg *config.Config, awsCfg aws.Config) *Labeler {
	mc := metrics.NewCollector()
	lc := cfg.Labeler
	processor := labeler.NewAWSProcessor(awsCfg, cfg.AWS.Endpoint, labeler.Options{
		Table:         cfg.AWS.LabelsTable,
		MaxLabels:     lc.MaxLabels,
		MinConfidence: lc.MinConfidence,
		Extensions:    lc.Extensions,
	}, mc)
	return newLabeler(cfg, mc, processor)
}

func newLabeler(cfg *config.Config, mc *metrics.Collector, processor *labeler.Processor) *Labeler {
	pool := labeler.NewPool(processor, cfg.Labeler.Workers, cfg.Labeler.QueueSize)
	return &Labeler{
		cfg:     cfg,
		metrics: mc,
		pool:    pool,
		handler: labeler.NewHandler(processor, pool),
	}
}

// Handler exposes /events and /health from the labeler and /metrics.
func (l *Labeler) Handler() http.Handler {
	mux := http.NewServeMux()
	if l.cfg.Metrics.Enabled {
		mux.Handle("GET "+l.cfg.Metrics.Path, l.metrics)
	}
	mux.Handle("/", l.handler)
	return middleware.Chain(middleware.Instrument(l.metrics, mux),
		middleware.PanicRecovery,
		middleware.RequestID,
		middleware.Logging,
	)
}

// Run serves until ctx is cancelled. Queued images are finished before it
// returns.
func (l *Labeler) Run(ctx context.Context) error {
	l.pool.Start(context.WithoutCancel(ctx))
	defer l.pool.Stop()

	if nc := l.cfg.Labeler.NATS; nc.Enabled {
		sub, err := labeler.Subscribe(nc.URL, nc.Subject, l.pool)
		if err != nil {
			return fmt.Errorf("labeler nats: %w", err)
		}
		// Runs before pool.Stop: in-flight NATS callbacks finish enqueueing first.
		defer func() {
			if err := sub.Close(); err != nil {
				slog.Warn("nats subscriber close", "error", err)
			}
		}()
	}

	addr := l.cfg.LabelerAddr()
	srv := &http.Server{Addr: addr, Handler: l.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("labeler starting",
		"addr", addr,
		"table", l.cfg.AWS.LabelsTable,
		"workers", l.cfg.Labeler.Workers,
		"nats", l.cfg.Labeler.NATS.Enabled,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("labeler server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(l.cfg.Server.ShutdownTimeoutSecs)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("labeler stopped", "pending", l.pool.QueueDepth())
	return nil
}
