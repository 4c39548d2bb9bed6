package notify

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NATSBackend publishes events to a NATS subject. The labeler can subscribe
// to the same subject.
type NATSBackend struct {
	conn    *nats.Conn
	subject string
}

func NewNATSBackend(url, subject string) (*NATSBackend, error) {
	conn, err := nats.Connect(url, nats.Name("vaultgallery-notify"))
	if err != nil {
		return nil, err
	}
	return &NATSBackend{conn: conn, subject: subject}, nil
}

func (n *NATSBackend) Name() string {
	return "nats"
}

func (n *NATSBackend) Publish(_ context.Context, msg Message) error {
	return n.conn.PublishMsg(natsMessage(n.subject, msg))
}

func natsMessage(subject string, msg Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Payload
	m.Header.Set("Event-Name", msg.EventName)
	m.Header.Set("Object-Key", msg.Key)
	return m
}

func (n *NATSBackend) Close() error {
	n.conn.Close()
	return nil
}
