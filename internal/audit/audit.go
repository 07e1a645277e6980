// Package audit delivers state-transition events to whoever keeps the
// operator log. Delivery is best effort: a failing sink never fails the
// operation that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cashledger/backend/internal/domain"
)

type Sink interface {
	Emit(ctx context.Context, event domain.AuditEvent) error
}

type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, event domain.AuditEvent) error {
	s.logger.Info(event.Action,
		zap.String("event_id", event.ID),
		zap.String("entity_type", event.EntityType),
		zap.String("entity_id", event.EntityID),
		zap.String("actor", event.Actor),
		zap.String("drawer_id", event.DrawerID),
		zap.Any("detail", event.Detail),
		zap.Time("at", event.At),
	)
	return nil
}

// RedisStreamSink appends each event to a redis stream with XADD.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamSink(client redis.UniversalClient, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: 100000}
}

func (s *RedisStreamSink) Emit(ctx context.Context, event domain.AuditEvent) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":          event.ID,
			"action":      event.Action,
			"entity_type": event.EntityType,
			"entity_id":   event.EntityID,
			"actor":       event.Actor,
			"drawer_id":   event.DrawerID,
			"detail":      string(detail),
			"at":          event.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		},
	}).Err()
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, event domain.AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Emit(context.Context, domain.AuditEvent) error { return nil }

// Recorder keeps events in memory for tests and local inspection.
type Recorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *Recorder) Emit(_ context.Context, event domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEvent(nil), r.events...)
}

// Actions lists recorded actions in order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}
