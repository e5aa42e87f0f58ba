package prometheus

import (
	"context"
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
)

// DirectoryCollector wraps a DirectoryInterface and records metrics for all operations
type DirectoryCollector struct {
	next DirectoryInterface
}

var _ DirectoryInterface = (*DirectoryCollector)(nil)

// NewDirectoryCollector creates a new instrumented wrapper around a DirectoryInterface
func NewDirectoryCollector(next DirectoryInterface) *DirectoryCollector {
	return &DirectoryCollector{next: next}
}

// recordOperation records duration and count for an operation
func recordOperation(operation string, start time.Time, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}

	OperationDuration.WithLabelValues(operation, success).Observe(time.Since(start).Seconds())
	OperationsTotal.WithLabelValues(operation, success).Inc()
}

// updatePoolMetrics updates connection pool gauges from stats
func updatePoolMetrics(stats *models.Stats) {
	if stats == nil {
		return
	}
	PoolSize.Set(float64(stats.PoolSize))
	PoolIdleConnections.Set(float64(stats.Available))
	PoolActiveConnections.Set(float64(stats.InUse))
	PoolTotalRequests.Set(float64(stats.TotalRequests))
}

func (c *DirectoryCollector) Verify(ctx context.Context, login, password string) (*models.DirectoryIdentity, error) {
	start := time.Now()
	identity, err := c.next.Verify(ctx, login, password)
	recordOperation("verify", start, err)
	updatePoolMetrics(c.next.GetStats())
	return identity, err
}

func (c *DirectoryCollector) FetchAttributes(ctx context.Context, uid string) (*models.DirectoryIdentity, error) {
	start := time.Now()
	identity, err := c.next.FetchAttributes(ctx, uid)
	recordOperation("fetch_attributes", start, err)
	updatePoolMetrics(c.next.GetStats())
	return identity, err
}

func (c *DirectoryCollector) GroupMembers(ctx context.Context, groupDN string) ([]string, error) {
	start := time.Now()
	members, err := c.next.GroupMembers(ctx, groupDN)
	recordOperation("group_members", start, err)
	return members, err
}

func (c *DirectoryCollector) HealthCheck(ctx context.Context) error {
	start := time.Now()
	err := c.next.HealthCheck(ctx)
	recordOperation("health_check", start, err)
	updatePoolMetrics(c.next.GetStats())
	return err
}

// GetStats is pass-through and refreshes the pool gauges
func (c *DirectoryCollector) GetStats() *models.Stats {
	stats := c.next.GetStats()
	updatePoolMetrics(stats)
	return stats
}
