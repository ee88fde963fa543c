package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"shockscore/internal/apperrors"
	"shockscore/internal/models"
)

const (
	// maxTimelineSamples caps the live timeline list kept per session.
	maxTimelineSamples = 1000
	maxRecentReports   = 1000
	recentReportsKey   = "reports:recent"
)

type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to addr and verifies the connection. Reports and
// timelines expire after ttl.
func NewRedisClient(ctx context.Context, addr string, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &RedisClient{client: client, ttl: ttl}, nil
}

func reportKey(sessionID string) string {
	return "report:" + sessionID
}

func timelineKey(sessionID string) string {
	return "timeline:" + sessionID
}

// SaveReport stores the final report and records it in the recent list.
func (r *RedisClient) SaveReport(ctx context.Context, report models.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := reportKey(report.SessionID)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.LPush(ctx, recentReportsKey, report.SessionID)
	pipe.LTrim(ctx, recentReportsKey, 0, maxRecentReports-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store report in Redis: %w", err)
	}
	return nil
}

func (r *RedisClient) LoadReport(ctx context.Context, sessionID string) (models.Report, error) {
	data, err := r.client.Get(ctx, reportKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Report{}, apperrors.NotFound("no stored report for session %s", sessionID)
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to load report: %w", err)
	}

	var report models.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return models.Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}

// RecentReports returns the IDs of the most recently stored reports, newest first.
func (r *RedisClient) RecentReports(ctx context.Context, count int64) ([]string, error) {
	ids, err := r.client.LRange(ctx, recentReportsKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent report ids: %w", err)
	}
	return ids, nil
}

// AppendSample pushes a scored sample onto the session's live timeline,
// keeping only the newest entries.
func (r *RedisClient) AppendSample(ctx context.Context, sessionID string, sample models.ShockScoreSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	key := timelineKey(sessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxTimelineSamples, -1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}
	return nil
}

// RecentSamples returns up to count of the newest samples in timestamp order.
func (r *RedisClient) RecentSamples(ctx context.Context, sessionID string, count int64) ([]models.ShockScoreSample, error) {
	raw, err := r.client.LRange(ctx, timelineKey(sessionID), -count, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent samples: %w", err)
	}

	samples := make([]models.ShockScoreSample, 0, len(raw))
	for _, item := range raw {
		var s models.ShockScoreSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
