package eventbus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/platform/logging"
)

// MemoryEventBus implements EventBus with in-process fan-out. It is the
// default when Config.NATS.URL is empty — matches single-node deployments
// and the test suite, which never needs a real broker.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logging.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	mu      sync.Mutex
	active  bool
}

func NewMemoryEventBus(log *logging.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// subjectPattern turns a NATS-style subject with "*" (single token) and ">"
// (remaining tokens) wildcards into a regexp over dot-separated tokens.
func subjectPattern(subject string) *regexp.Regexp {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		switch p {
		case "*":
			parts[i] = `[^.]+`
		case ">":
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(p)
		}
	}
	return regexp.MustCompile("^" + strings.Join(parts, `\.`) + "$")
}

func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			if !sub.pattern.MatchString(subject) {
				continue
			}
			handler := sub.handler
			go func() {
				if err := handler(ctx, event); err != nil && b.logger != nil {
					b.logger.Warn("event handler failed", zap.String("subject", subject), zap.Error(err))
				}
			}()
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{bus: b, subject: subject, pattern: subjectPattern(subject), handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, s := range subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
