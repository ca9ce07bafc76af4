package cache

import (
	"context"
	"time"

	"tokopos/backend/internal/domain"
)

// ReportCache holds computed aggregate reports. Invalidate drops every cached
// report for a business; callers invoke it after each committed sale or
// refund so stale aggregates never outlive the short TTL.
type ReportCache interface {
	Get(ctx context.Context, businessID, key string) (*domain.AggregateReport, bool, error)
	Set(ctx context.Context, businessID, key string, value *domain.AggregateReport, ttl time.Duration) error
	Invalidate(ctx context.Context, businessID string) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _, _ string) (*domain.AggregateReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _, _ string, _ *domain.AggregateReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
