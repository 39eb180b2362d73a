package settings

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/gosight/gosight/auditor/internal/config"
)

const (
	fieldConnected       = "connected"
	fieldTargetDomain    = "target_domain"
	fieldConnectionCount = "connection_count"
	fieldIsPrimary       = "is_primary"
)

// Redis keeps the state in one hash so the status command can read it from
// another process.
type Redis struct {
	rdb *redis.Client
	key string
}

// NewRedis creates a Redis-backed store
func NewRedis(redisCfg config.RedisConfig, key string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	return &Redis{rdb: rdb, key: key}
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, key string) *Redis {
	return &Redis{rdb: rdb, key: key}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) SetConnected(ctx context.Context, connected bool) error {
	return r.rdb.HSet(ctx, r.key, fieldConnected, strconv.FormatBool(connected)).Err()
}

func (r *Redis) SetTargetDomain(ctx context.Context, domain string) error {
	if domain == "" {
		return r.rdb.HDel(ctx, r.key, fieldTargetDomain).Err()
	}
	return r.rdb.HSet(ctx, r.key, fieldTargetDomain, domain).Err()
}

func (r *Redis) SetConnectionRank(ctx context.Context, count int, primary bool) error {
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.key, fieldConnectionCount, count)
	pipe.HSet(ctx, r.key, fieldIsPrimary, strconv.FormatBool(primary))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Load(ctx context.Context) (State, error) {
	data, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return State{}, fmt.Errorf("load settings: %w", err)
	}
	return parseState(data), nil
}

// parseState fills missing or unreadable fields with the session defaults.
func parseState(data map[string]string) State {
	st := State{ConnectionCount: 1, IsPrimary: true}
	if v, ok := data[fieldConnected]; ok {
		st.Connected, _ = strconv.ParseBool(v)
	}
	st.TargetDomain = data[fieldTargetDomain]
	if v, ok := data[fieldConnectionCount]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			st.ConnectionCount = n
		}
	}
	if v, ok := data[fieldIsPrimary]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			st.IsPrimary = b
		}
	}
	return st
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.rdb.Close()
}
