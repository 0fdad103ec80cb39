package eventbus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/platform/logging"
)

// NATSEventBus implements EventBus over a real NATS connection, letting
// multiple orchestrator replicas share one Activity Journal fan-out.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logging.Logger
}

func NewNATSEventBus(url, clientID string, log *logging.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name(clientID), nats.MaxReconnects(10))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSEventBus{conn: conn, logger: log}, nil
}

func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	return b.conn.Publish(subject, event.Data)
}

func (b *NATSEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		evt := NewEvent(msg.Subject, msg.Data)
		if err := handler(context.Background(), evt); err != nil {
			b.logger.Warn("nats handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) Close() {
	b.conn.Close()
}

func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) IsValid() bool      { return s.sub.IsValid() }
