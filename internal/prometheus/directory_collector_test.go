package prometheus

import (
	"context"
	"errors"
	"testing"

	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	err   error
	stats *models.Stats
}

func (d *stubDirectory) Verify(ctx context.Context, login, password string) (*models.DirectoryIdentity, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &models.DirectoryIdentity{DN: "uid=" + login + ",o=sevenSeas", UID: login}, nil
}

func (d *stubDirectory) FetchAttributes(ctx context.Context, uid string) (*models.DirectoryIdentity, error) {
	return d.Verify(ctx, uid, "")
}

func (d *stubDirectory) GroupMembers(ctx context.Context, groupDN string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []string{"uid=hhornblo,o=sevenSeas"}, nil
}

func (d *stubDirectory) HealthCheck(ctx context.Context) error {
	return d.err
}

func (d *stubDirectory) GetStats() *models.Stats {
	return d.stats
}

func TestDirectoryCollector_CountsOperations(t *testing.T) {
	ctx := context.Background()
	dir := &stubDirectory{stats: &models.Stats{PoolSize: 5, Available: 3, InUse: 2, TotalRequests: 40}}
	collector := NewDirectoryCollector(dir)

	okBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("verify", "true"))
	failedBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("verify", "false"))

	identity, err := collector.Verify(ctx, "hhornblo", "pass")
	require.NoError(t, err)
	assert.Equal(t, "hhornblo", identity.UID)

	dir.err = errors.New("connection refused")
	_, err = collector.Verify(ctx, "hhornblo", "pass")
	assert.EqualError(t, err, "connection refused")

	assert.Equal(t, okBefore+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("verify", "true")))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("verify", "false")))
}

func TestDirectoryCollector_PassesResultsThrough(t *testing.T) {
	ctx := context.Background()
	collector := NewDirectoryCollector(&stubDirectory{})

	members, err := collector.GroupMembers(ctx, "cn=crew,o=sevenSeas")
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=hhornblo,o=sevenSeas"}, members)

	identity, err := collector.FetchAttributes(ctx, "wbush")
	require.NoError(t, err)
	assert.Equal(t, "uid=wbush,o=sevenSeas", identity.DN)

	assert.NoError(t, collector.HealthCheck(ctx))
	// a directory without stats leaves the gauges alone
	assert.Nil(t, collector.GetStats())
}

func TestDirectoryCollector_UpdatesPoolGauges(t *testing.T) {
	dir := &stubDirectory{stats: &models.Stats{PoolSize: 8, Available: 6, InUse: 2, TotalRequests: 17}}
	collector := NewDirectoryCollector(dir)

	require.NoError(t, collector.HealthCheck(context.Background()))

	assert.Equal(t, float64(8), testutil.ToFloat64(PoolSize))
	assert.Equal(t, float64(6), testutil.ToFloat64(PoolIdleConnections))
	assert.Equal(t, float64(2), testutil.ToFloat64(PoolActiveConnections))
	assert.Equal(t, float64(17), testutil.ToFloat64(PoolTotalRequests))
}
