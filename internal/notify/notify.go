// Package notify publishes gallery object events in the S3 event
// notification format to webhooks and message backends.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eniz1806/VaultGallery/internal/config"
)

const (
	EventObjectCreatedPut    = "s3:ObjectCreated:Put"
	EventObjectCreatedCopy   = "s3:ObjectCreated:Copy"
	EventObjectRemovedDelete = "s3:ObjectRemoved:Delete"
)

// S3Event matches the AWS S3 event notification JSON format.
type S3Event struct {
	Records []S3EventRecord `json:"Records"`
}

type S3EventRecord struct {
	EventVersion string   `json:"eventVersion"`
	EventSource  string   `json:"eventSource"`
	AWSRegion    string   `json:"awsRegion,omitempty"`
	EventTime    string   `json:"eventTime"`
	EventName    string   `json:"eventName"`
	S3           S3Detail `json:"s3"`
}

type S3Detail struct {
	Bucket S3Bucket `json:"bucket"`
	Object S3Object `json:"object"`
}

type S3Bucket struct {
	Name string `json:"name"`
}

type S3Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	ETag string `json:"eTag,omitempty"`
}

// Message is one encoded event plus the routing fields backends key on.
type Message struct {
	EventName string
	Key       string
	Payload   []byte
}

// Backend is the interface for notification delivery backends.
type Backend interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Dispatcher fans events out to backends and webhooks from a bounded worker
// pool. Dispatch never blocks the caller.
type Dispatcher struct {
	client         *http.Client
	workerCh       chan Message
	wg             sync.WaitGroup
	maxWorkers     int
	maxRetries     int
	timeout        time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	region         string
	webhooks       []config.WebhookConfig
	backends       []Backend
	mu             sync.Mutex
}

func NewDispatcher(cfg config.NotificationsConfig, region string) *Dispatcher {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client:         &http.Client{Timeout: timeout},
		workerCh:       make(chan Message, cfg.QueueSize),
		maxWorkers:     cfg.MaxWorkers,
		maxRetries:     cfg.MaxRetries,
		timeout:        timeout,
		initialBackoff: 1 * time.Second,
		maxBackoff:     30 * time.Second,
		region:         region,
		webhooks:       cfg.Webhooks,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-d.workerCh:
					if !ok {
						return
					}
					d.deliver(ctx, msg)
				}
			}
		}()
	}
}

// AddBackend registers a notification backend.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, b)
	slog.Info("notification backend registered", "backend", b.Name())
}

// Enabled reports whether any webhook or backend is configured.
func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backends) > 0 || len(d.webhooks) > 0
}

func (d *Dispatcher) Stop() {
	close(d.workerCh)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		b.Close()
	}
}

// QueueDepth returns the number of events waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.workerCh)
}

// NewEvent builds a single-record event.
func NewEvent(region, bucket, key, eventName string, size int64, etag string) S3Event {
	return S3Event{
		Records: []S3EventRecord{{
			EventVersion: "2.1",
			EventSource:  "vaultgallery",
			AWSRegion:    region,
			EventTime:    time.Now().UTC().Format(time.RFC3339),
			EventName:    eventName,
			S3: S3Detail{
				Bucket: S3Bucket{Name: bucket},
				Object: S3Object{Key: key, Size: size, ETag: etag},
			},
		}},
	}
}

// Dispatch enqueues an event for delivery.
func (d *Dispatcher) Dispatch(bucket, key, eventName string, size int64, etag string) {
	if !d.Enabled() {
		return
	}
	payload, err := json.Marshal(NewEvent(d.region, bucket, key, eventName, size, etag))
	if err != nil {
		slog.Error("notify error marshaling event", "error", err)
		return
	}

	// Drop rather than block the request when the queue is full.
	select {
	case d.workerCh <- Message{EventName: eventName, Key: key, Payload: payload}:
	default:
		slog.Warn("notify queue full, dropping event", "event", eventName, "bucket", bucket, "key", key)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	d.mu.Lock()
	backends := make([]Backend, len(d.backends))
	copy(backends, d.backends)
	d.mu.Unlock()

	for _, b := range backends {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := b.Publish(pctx, msg)
		cancel()
		if err != nil {
			slog.Error("notify backend publish error", "backend", b.Name(), "error", err)
		}
	}

	for _, wh := range d.webhooks {
		if !matchEvent(wh.Events, msg.EventName) || !matchFilters(wh, msg.Key) {
			continue
		}
		if err := d.deliverWebhook(ctx, wh.Endpoint, msg.Payload); err != nil {
			slog.Error("notify webhook failed after retries", "retries", d.maxRetries, "endpoint", wh.Endpoint, "error", err)
		}
	}
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, endpoint string, payload []byte) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.initialBackoff
	eb.MaxInterval = d.maxBackoff
	eb.MaxElapsedTime = 0
	retries := d.maxRetries - 1
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			herr := &httpError{statusCode: resp.StatusCode}
			// The receiver rejected the event itself; resending won't help.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(herr)
			}
			return herr
		}
		return nil
	}
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		slog.Warn("notify webhook retry", "endpoint", endpoint, "wait", wait, "error", err)
	})
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.statusCode)
}

// matchEvent checks if the actual event type matches any of the configured
// event patterns. No patterns matches everything.
func matchEvent(patterns []string, actual string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == actual {
			return true
		}
		// Wildcard matching: "s3:ObjectCreated:*" matches "s3:ObjectCreated:Put"
		if strings.HasSuffix(p, ":*") {
			prefix := p[:len(p)-1] // "s3:ObjectCreated:"
			if strings.HasPrefix(actual, prefix) {
				return true
			}
		}
		// Global wildcard
		if p == "*" || p == "s3:*" {
			return true
		}
	}
	return false
}

func matchFilters(wh config.WebhookConfig, key string) bool {
	if wh.Prefix != "" && !strings.HasPrefix(key, wh.Prefix) {
		return false
	}
	if wh.Suffix != "" && !strings.HasSuffix(key, wh.Suffix) {
		return false
	}
	return true
}

// NewFromConfig builds a dispatcher with every enabled backend attached.
// A backend that fails to connect is logged and skipped.
func NewFromConfig(cfg config.NotificationsConfig, region string) *Dispatcher {
	d := NewDispatcher(cfg, region)
	if cfg.Kafka.Enabled {
		d.AddBackend(NewKafkaBackend(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.NATS.Enabled {
		b, err := NewNATSBackend(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			slog.Error("nats notification backend unavailable", "url", cfg.NATS.URL, "error", err)
		} else {
			d.AddBackend(b)
		}
	}
	if cfg.Redis.Enabled {
		d.AddBackend(NewRedisBackend(cfg.Redis))
	}
	if cfg.Postgres.Enabled {
		b, err := NewPostgresBackend(cfg.Postgres.ConnStr, cfg.Postgres.Table)
		if err != nil {
			slog.Error("postgres notification backend unavailable", "error", err)
		} else {
			d.AddBackend(b)
		}
	}
	return d
}
