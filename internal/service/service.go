package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cashledger/backend/internal/audit"
	"cashledger/backend/internal/cache"
	"cashledger/backend/internal/cashsession"
	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/ledger"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.ID != "" {
		return actor.ID
	}
	return "system"
}

// InvoiceRange is the authorised block of invoice numbers for one
// establishment and expedition point.
type InvoiceRange struct {
	Establishment string
	Expedition    string
	End           int64
}

func (r InvoiceRange) Format(n int64) (string, error) {
	if r.End > 0 && n > r.End {
		return "", fmt.Errorf("invoice %d beyond %d: %w", n, r.End, domain.ErrInvoiceRangeExhausted)
	}
	return fmt.Sprintf("%s-%s-%07d", r.Establishment, r.Expedition, n), nil
}

type Service struct {
	repo       store.Repository
	ledger     *ledger.Ledger
	logger     *zap.Logger
	sink       audit.Sink
	summaries  cache.SummaryCache
	summaryTTL time.Duration
	policy     cashsession.Policy
	invoices   InvoiceRange
	now        func() time.Time

	allowNegativeAdjustment bool
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithSummaryCache(c cache.SummaryCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.summaries = c
		s.summaryTTL = ttl
	}
}

func WithDeviationPolicy(policy cashsession.Policy) Option {
	return func(s *Service) { s.policy = policy }
}

func WithInvoiceRange(r InvoiceRange) Option {
	return func(s *Service) { s.invoices = r }
}

// WithNegativeAdjustments lets manual stock adjustments go below zero.
func WithNegativeAdjustments(allow bool) Option {
	return func(s *Service) { s.allowNegativeAdjustment = allow }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		logger:     zap.NewNop(),
		sink:       audit.Nop{},
		summaries:  cache.NoopSummaryCache{},
		summaryTTL: 10 * time.Minute,
		policy:     cashsession.DefaultPolicy(),
		invoices:   InvoiceRange{Establishment: "001", Expedition: "001", End: 9999999},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = ledger.New(s.allowNegativeAdjustment, s.now)
	return s
}

// emit sends one audit event after the unit of work committed. Sink
// failures are logged and otherwise ignored.
func (s *Service) emit(ctx context.Context, action, entityType, entityID, drawerID string, detail map[string]any) {
	event := domain.AuditEvent{
		ID:         xid.New("aud"),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actorID(ctx),
		DrawerID:   drawerID,
		Detail:     detail,
		At:         s.now(),
	}
	if err := s.sink.Emit(ctx, event); err != nil {
		s.logger.Warn("audit sink failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}
