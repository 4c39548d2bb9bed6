package labeler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eniz1806/VaultGallery/internal/notify"
)

// Subscriber feeds events published on a NATS subject into a Pool.
type Subscriber struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	closed chan struct{}
}

const drainTimeout = 30 * time.Second

// Subscribe connects to url and queues every event received on subject.
// Labeler replicas share the "labeler" queue group so each event is
// processed once.
func Subscribe(url, subject string, pool *Pool) (*Subscriber, error) {
	closed := make(chan struct{})
	conn, err := nats.Connect(url,
		nats.Name("vaultgallery-labeler"),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	sub, err := conn.QueueSubscribe(subject, "labeler", func(m *nats.Msg) {
		handleMessage(m.Data, pool)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	slog.Info("labeler subscribed", "subject", subject)
	return &Subscriber{conn: conn, sub: sub, closed: closed}, nil
}

func handleMessage(data []byte, pool *Pool) int {
	var ev notify.S3Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("discarding malformed event", "error", err)
		return 0
	}
	return pool.Enqueue(ev)
}

// Close drains the connection and returns once every in-flight callback has
// finished, so the pool can be stopped afterwards.
func (s *Subscriber) Close() error {
	if err := s.conn.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
		s.conn.Close()
	}
	select {
	case <-s.closed:
	case <-time.After(drainTimeout + time.Second):
		return fmt.Errorf("nats drain did not finish within %s", drainTimeout)
	}
	return nil
}
