package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shockscore/internal/apperrors"
	"shockscore/internal/models"
)

// newTestClient connects to the Redis at REDIS_ADDR or skips the test.
func newTestClient(t *testing.T) *RedisClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := NewRedisClient(ctx, addr, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisClient_ReportRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	id := uuid.NewString()

	report := models.Report{
		SessionID:       id,
		EPM:             4.2,
		BaselineQuality: models.BaselineNominal,
		Timeline:        []models.ShockScoreSample{{Timestamp: 1, Score: 42, DominantEmotion: models.Fear}},
	}
	require.NoError(t, c.SaveReport(ctx, report))

	got, err := c.LoadReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, report.EPM, got.EPM)
	assert.Equal(t, report.Timeline, got.Timeline)

	recent, err := c.RecentReports(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, recent, id)
}

func TestRedisClient_MissingReport(t *testing.T) {
	c := newTestClient(t)

	_, err := c.LoadReport(context.Background(), uuid.NewString())

	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestRedisClient_TimelineIsCapped(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	id := uuid.NewString()

	for i := 0; i < maxTimelineSamples+5; i++ {
		require.NoError(t, c.AppendSample(ctx, id, models.ShockScoreSample{Timestamp: float64(i), Score: 1}))
	}

	all, err := c.RecentSamples(ctx, id, 2*maxTimelineSamples)
	require.NoError(t, err)
	assert.Len(t, all, maxTimelineSamples)
	assert.Equal(t, 5.0, all[0].Timestamp)

	last, err := c.RecentSamples(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	assert.Equal(t, float64(maxTimelineSamples+4), last[2].Timestamp)
}
