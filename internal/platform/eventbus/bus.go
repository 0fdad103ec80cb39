// Package eventbus provides publish/subscribe fan-out for the Activity
// Journal (spec §4.10), backed either by NATS across replicas or by an
// in-memory implementation for a single process / tests.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the bus. The journal publishes one Event
// per appended ActivityRecord; Data carries the JSON-encoded record.
type Event struct {
	ID        string
	Subject   string
	Timestamp time.Time
	Data      []byte
}

func NewEvent(subject string, data []byte) *Event {
	return &Event{ID: uuid.New().String(), Subject: subject, Timestamp: time.Now().UTC(), Data: data}
}

// Handler processes one Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe abstraction used throughout the core.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
