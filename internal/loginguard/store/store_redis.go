package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"clavis/internal/loginguard/models"
	id "clavis/pkg/domain"
)

// RedisStore keeps login attempts in per-pair sorted sets scored by
// attempt time, so the sliding-window count is a single ZCOUNT. Keys
// expire one window past the last failure; there is nothing for the
// purge worker to do.
type RedisStore struct {
	client *redis.Client
	window time.Duration
}

// NewRedis constructs a Redis-backed attempt store. window bounds key
// retention and should match the service's lockout window.
func NewRedis(client *redis.Client, window time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("lockout window must be positive")
	}
	return &RedisStore{client: client, window: window}, nil
}

func attemptSetKey(email string, appID id.ApplicationID) string {
	return "clavis:lockout:" + appID.String() + ":" + email
}

func (s *RedisStore) RecordAttempt(ctx context.Context, attempt *models.Attempt) error {
	key := attemptSetKey(attempt.Email, attempt.ApplicationID)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score: float64(attempt.CreatedAt.UnixNano()),
		// Unique member so two failures in the same nanosecond both count.
		Member: strconv.FormatInt(attempt.CreatedAt.UnixNano(), 10) + ":" + uuid.NewString(),
	})
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

func (s *RedisStore) WindowStats(ctx context.Context, email string, appID id.ApplicationID, since time.Time) (models.WindowStats, error) {
	key := attemptSetKey(email, appID)
	min := strconv.FormatInt(since.UnixNano(), 10)

	// Trim out-of-window members first so the set never grows unbounded.
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", "("+min).Err(); err != nil {
		return models.WindowStats{}, fmt.Errorf("trim login attempts: %w", err)
	}

	entries, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return models.WindowStats{}, fmt.Errorf("oldest login attempt: %w", err)
	}
	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return models.WindowStats{}, fmt.Errorf("count login attempts: %w", err)
	}

	stats := models.WindowStats{Count: int(count)}
	if len(entries) > 0 {
		stats.Oldest = time.Unix(0, int64(entries[0].Score))
	}
	return stats, nil
}

func (s *RedisStore) Clear(ctx context.Context, email string, appID id.ApplicationID) error {
	if err := s.client.Del(ctx, attemptSetKey(email, appID)).Err(); err != nil {
		return fmt.Errorf("clear login attempts: %w", err)
	}
	return nil
}

// PurgeBefore is a no-op: per-key TTLs already bound retention.
func (s *RedisStore) PurgeBefore(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}
