package cache

import (
	"context"
	"time"

	"cashledger/backend/internal/domain"
)

// SummaryCache holds reports of closed sessions. A closed session never
// changes, so entries only expire by TTL.
type SummaryCache interface {
	Get(ctx context.Context, sessionID string) (*domain.SessionSummary, bool, error)
	Set(ctx context.Context, sessionID string, value *domain.SessionSummary, ttl time.Duration) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.SessionSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.SessionSummary, _ time.Duration) error {
	return nil
}
