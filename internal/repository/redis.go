package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bhr/internal/metrics"
	"bhr/internal/models"
)

// RedisRepository holds the soft state next to the durable registry: the
// sweep lock, per-agent poll heartbeats, and the block-event time index used
// for rate stats. Nothing here is a source of truth for block state.
type RedisRepository struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisRepository(host string, port int, password string, db int) *RedisRepository {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
	return &RedisRepository{
		client: rdb,
		ctx:    context.Background(),
	}
}

func (r *RedisRepository) trackDuration(op string, start time.Time) {
	metrics.MetricRedisDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (r *RedisRepository) GetClient() *redis.Client {
	return r.client
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// AcquireLock takes a best-effort distributed lock so only one process runs
// the sweep at a time.
func (r *RedisRepository) AcquireLock(name string, ttl time.Duration) (bool, error) {
	defer r.trackDuration("AcquireLock", time.Now())
	return r.client.SetNX(r.ctx, name, "locked", ttl).Result()
}

func (r *RedisRepository) ReleaseLock(name string) error {
	defer r.trackDuration("ReleaseLock", time.Now())
	return r.client.Del(r.ctx, name).Err()
}

// RecordAgentPoll notes that an agent fetched its queue. First use registers
// the ident; there is no separate agent registry.
func (r *RedisRepository) RecordAgentPoll(ident string, ts time.Time) error {
	defer r.trackDuration("RecordAgentPoll", time.Now())
	return r.client.HSet(r.ctx, "agents", ident, ts.UTC().Format(time.RFC3339)).Err()
}

func (r *RedisRepository) GetAgentPolls() ([]models.AgentStatus, error) {
	defer r.trackDuration("GetAgentPolls", time.Now())
	res, err := r.client.HGetAll(r.ctx, "agents").Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.AgentStatus, 0, len(res))
	for ident, raw := range res {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		out = append(out, models.AgentStatus{Ident: ident, LastPoll: ts})
	}
	return out, nil
}

// IndexBlockEvent records a block-creation timestamp for rate stats.
func (r *RedisRepository) IndexBlockEvent(id string, ts time.Time) error {
	defer r.trackDuration("IndexBlockEvent", time.Now())
	return r.client.ZAdd(r.ctx, "blocks_by_ts", redis.Z{Score: float64(ts.Unix()), Member: id}).Err()
}

func (r *RedisRepository) countSince(since time.Time) (int, error) {
	n, err := r.client.ZCount(r.ctx, "blocks_by_ts",
		fmt.Sprintf("%d", since.Unix()), "+inf").Result()
	return int(n), err
}

func (r *RedisRepository) CountBlocksLastHour() (int, error) {
	defer r.trackDuration("CountBlocksLastHour", time.Now())
	return r.countSince(time.Now().Add(-time.Hour))
}

func (r *RedisRepository) CountBlocksLastDay() (int, error) {
	defer r.trackDuration("CountBlocksLastDay", time.Now())
	return r.countSince(time.Now().Add(-24 * time.Hour))
}

// PruneBlockEvents drops event index entries older than the retention
// window. Called by the sweeper; the index only feeds rate stats.
func (r *RedisRepository) PruneBlockEvents(olderThan time.Time) error {
	defer r.trackDuration("PruneBlockEvents", time.Now())
	return r.client.ZRemRangeByScore(r.ctx, "blocks_by_ts",
		"-inf", fmt.Sprintf("%d", olderThan.Unix())).Err()
}
