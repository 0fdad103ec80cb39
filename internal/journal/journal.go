// Package journal implements the Activity Journal (spec §4.10): a
// store.Store decorator that publishes every appended ActivityRecord onto
// the platform event bus, plus the historical query and live subscription
// surface the control plane exposes over it. Every component already
// appends through store.Store's own ActivityRepo; wrapping the store once
// at composition time means none of them need to know the journal exists.
package journal

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/eventbus"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// SubjectActivityAppended is published once per appended ActivityRecord,
// carrying the JSON-encoded record as Event.Data.
const SubjectActivityAppended = "trinity.activity.appended"

// Journal is the query/subscribe facade callers use; it does not itself
// hold state beyond a reference to the underlying store and bus.
type Journal struct {
	store  store.Store
	bus    eventbus.EventBus
	logger *logging.Logger
}

func New(s store.Store, bus eventbus.EventBus, log *logging.Logger) *Journal {
	return &Journal{store: s, bus: bus, logger: log.WithFields(zap.String("component", "journal"))}
}

// Query answers a historical lookup against the durable store (spec §6).
func (j *Journal) Query(ctx context.Context, f domain.ActivityFilter) ([]*domain.ActivityRecord, error) {
	return j.store.Activity().Query(ctx, f)
}

// Subscriber receives decoded ActivityRecords as they're published.
type Subscriber func(ctx context.Context, rec *domain.ActivityRecord)

// Subscribe attaches fn to the live activity feed. An empty agentFilter
// receives every agent's records; a non-empty one is matched exactly
// against ActivityRecord.AgentName after decode, since the bus itself only
// understands subject strings, not record contents.
func (j *Journal) Subscribe(agentFilter string, fn Subscriber) (eventbus.Subscription, error) {
	return j.bus.Subscribe(SubjectActivityAppended, func(ctx context.Context, ev *eventbus.Event) error {
		var rec domain.ActivityRecord
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			j.logger.Warn("failed to decode activity record from event", zap.Error(err))
			return nil
		}
		if agentFilter != "" && rec.AgentName != agentFilter {
			return nil
		}
		fn(ctx, &rec)
		return nil
	})
}

// Wrap returns a store.Store identical to s except its ActivityRepo also
// publishes every appended record to bus under SubjectActivityAppended.
// Composition roots should wrap the store once, before handing it to any
// other component, so every direct store.Activity().Append call (from the
// Execution Engine, Lifecycle Manager, Scheduler, Mediator, Supervisor)
// durably persists first and is observable on the live feed immediately
// after (spec §4.10: "append before observed").
func Wrap(s store.Store, bus eventbus.EventBus, log *logging.Logger) store.Store {
	return &publishingStore{Store: s, bus: bus, logger: log.WithFields(zap.String("component", "journal"))}
}

type publishingStore struct {
	store.Store
	bus    eventbus.EventBus
	logger *logging.Logger
}

func (p *publishingStore) Activity() store.ActivityRepo {
	return &publishingActivityRepo{ActivityRepo: p.Store.Activity(), bus: p.bus, logger: p.logger}
}

type publishingActivityRepo struct {
	store.ActivityRepo
	bus    eventbus.EventBus
	logger *logging.Logger
}

func (p *publishingActivityRepo) Append(ctx context.Context, r *domain.ActivityRecord) error {
	if err := p.ActivityRepo.Append(ctx, r); err != nil {
		return err
	}
	if p.bus == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		p.logger.Warn("failed to marshal activity record for publish", zap.Error(err))
		return nil
	}
	ev := eventbus.NewEvent(SubjectActivityAppended, data)
	if err := p.bus.Publish(ctx, SubjectActivityAppended, ev); err != nil {
		p.logger.Warn("failed to publish activity record", zap.Error(err))
	}
	return nil
}
