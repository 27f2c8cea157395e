package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-chat/internal/config"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// RedisDirectory records which instances hold a live connection per user.
//
//	{prefix}:user:{user_id}  ZSET member=instance_id score=expiry (unix ms)
//
// Entries are refreshed by a heartbeat, so users of a crashed instance age
// out after KeyTTL.
type RedisDirectory struct {
	client            *redis.Client
	prefix            string
	instanceID        string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	mu      sync.Mutex
	managed map[int64]struct{}
}

// NewRedisDirectory connects to Redis and verifies the connection.
func NewRedisDirectory(cfg config.RedisConfig, instanceID string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisDirectory(client, cfg, instanceID), nil
}

func newRedisDirectory(client *redis.Client, cfg config.RedisConfig, instanceID string) *RedisDirectory {
	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 || interval >= ttl {
		interval = ttl / 3
	}
	prefix := cfg.PresenceKey
	if prefix == "" {
		prefix = "chat:presence"
	}
	return &RedisDirectory{
		client:            client,
		prefix:            prefix,
		instanceID:        instanceID,
		keyTTL:            ttl,
		heartbeatInterval: interval,
		now:               time.Now,
		managed:           make(map[int64]struct{}),
	}
}

func (d *RedisDirectory) keyFor(userID int64) string {
	return d.prefix + ":user:" + strconv.FormatInt(userID, 10)
}

// SetOnline adds or removes this instance from userID's entry.
func (d *RedisDirectory) SetOnline(ctx context.Context, userID int64, online bool) error {
	key := d.keyFor(userID)

	if !online {
		d.mu.Lock()
		delete(d.managed, userID)
		d.mu.Unlock()

		if err := d.client.ZRem(ctx, key, d.instanceID).Err(); err != nil {
			return fmt.Errorf("failed to remove presence: %w", err)
		}
		return nil
	}

	d.mu.Lock()
	d.managed[userID] = struct{}{}
	d.mu.Unlock()

	pipe := d.client.TxPipeline()
	d.refresh(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

func (d *RedisDirectory) refresh(ctx context.Context, pipe redis.Pipeliner, key string) {
	expiry := d.now().Add(d.keyTTL).UnixMilli()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry), Member: d.instanceID})
	pipe.PExpire(ctx, key, 2*d.keyTTL)
}

// IsOnline reports whether any instance holds a fresh entry for userID.
func (d *RedisDirectory) IsOnline(ctx context.Context, userID int64) (bool, error) {
	now := strconv.FormatInt(d.now().UnixMilli(), 10)
	n, err := d.client.ZCount(ctx, d.keyFor(userID), "("+now, "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return n > 0, nil
}

// Run refreshes this instance's entries until ctx is cancelled, then
// removes them.
func (d *RedisDirectory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.cleanup()
			return
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *RedisDirectory) snapshot() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.managed))
	for id := range d.managed {
		ids = append(ids, id)
	}
	return ids
}

func (d *RedisDirectory) heartbeat(ctx context.Context) {
	ids := d.snapshot()
	if len(ids) == 0 {
		return
	}

	pipe := d.client.Pipeline()
	for _, id := range ids {
		d.refresh(ctx, pipe, d.keyFor(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l := log.L()
		l.Warn().Err(err).Int("users", len(ids)).Msg("presence heartbeat failed")
	}
}

func (d *RedisDirectory) cleanup() {
	ids := d.snapshot()
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := d.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, d.keyFor(id), d.instanceID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("failed to clean up presence entries")
	}
}

// Close closes the Redis client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
