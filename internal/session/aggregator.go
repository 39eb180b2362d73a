// Package session keeps running per-page audit counters in Redis and turns
// them into audit_pages rows when a page goes away.
package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/domain"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/storage"
)

const (
	keyPrefix      = "audit:page:"
	platformPrefix = "platform:"
	pageTTL        = time.Hour
)

// PageStore receives flushed page summaries.
type PageStore interface {
	UpsertPage(ctx context.Context, p storage.PageRow) error
}

// Aggregator aggregates page audit data in Redis
type Aggregator struct {
	store PageStore
	redis *redis.Client
}

func NewAggregator(store PageStore, redisCfg config.RedisConfig) *Aggregator {
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	return NewAggregatorWithClient(store, rdb)
}

func NewAggregatorWithClient(store PageStore, rdb *redis.Client) *Aggregator {
	return &Aggregator{
		store: store,
		redis: rdb,
	}
}

// PageKey is the aggregation key for a page URL: scheme, host and path,
// without query or fragment.
func PageKey(pageURL string) string {
	s := pageURL
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, "/")
}

// UpdatePage counts one archived record against its page.
func (a *Aggregator) UpdatePage(ctx context.Context, row storage.EventRow) error {
	if a.redis == nil || row.PageURL == "" {
		return nil
	}

	page := PageKey(row.PageURL)
	key := keyPrefix + page

	pipe := a.redis.Pipeline()
	pipe.HSet(ctx, key, "last_seen", row.Timestamp.UnixMilli())
	pipe.HIncrBy(ctx, key, "events_count", 1)

	switch event.Family(row.Family) {
	case event.FamilyDataLayerPush:
		pipe.HIncrBy(ctx, key, "datalayer_count", 1)
	case event.FamilyUserAction:
		pipe.HIncrBy(ctx, key, "user_action_count", 1)
	default:
		pipe.HIncrBy(ctx, key, "network_count", 1)
		pipe.HIncrBy(ctx, key, platformPrefix+row.Platform, 1)
	}
	if row.ServerSideConfigured == 1 {
		pipe.HIncrBy(ctx, key, "server_side_count", 1)
	}

	pipe.HSetNX(ctx, key, "page_url", page)
	pipe.HSetNX(ctx, key, "page_host", row.PageHost)
	pipe.HSetNX(ctx, key, "first_seen", row.Timestamp.UnixMilli())
	pipe.Expire(ctx, key, pageTTL)

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Error().Err(err).Str("page", page).Msg("Failed to update page in Redis")
	}
	return err
}

// FlushPage writes the page summary to the store and removes it from Redis.
func (a *Aggregator) FlushPage(ctx context.Context, pageURL string) error {
	return a.flushKey(ctx, keyPrefix+PageKey(pageURL))
}

func (a *Aggregator) flushKey(ctx context.Context, key string) error {
	if a.redis == nil || a.store == nil {
		return nil
	}

	data, err := a.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	row := parsePageData(strings.TrimPrefix(key, keyPrefix), data)
	if err := a.store.UpsertPage(ctx, row); err != nil {
		return err
	}

	a.redis.Del(ctx, key)
	return nil
}

func parsePageData(page string, data map[string]string) storage.PageRow {
	row := storage.PageRow{
		PageURL:   page,
		PageHost:  data["page_host"],
		Platforms: map[string]uint32{},
	}
	if v, ok := data["page_url"]; ok && v != "" {
		row.PageURL = v
	}
	if row.PageHost == "" {
		row.PageHost, _ = domain.Hostname(row.PageURL)
	}
	if ms, err := strconv.ParseInt(data["first_seen"], 10, 64); err == nil {
		row.FirstSeen = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(data["last_seen"], 10, 64); err == nil {
		row.LastSeen = time.UnixMilli(ms)
	}
	if !row.FirstSeen.IsZero() && row.LastSeen.After(row.FirstSeen) {
		row.DurationMs = uint64(row.LastSeen.Sub(row.FirstSeen).Milliseconds())
	}

	row.EventsCount = count(data["events_count"])
	row.NetworkCount = count(data["network_count"])
	row.DataLayerCount = count(data["datalayer_count"])
	row.UserActionCount = count(data["user_action_count"])
	row.ServerSideCount = count(data["server_side_count"])

	for k, v := range data {
		if name, ok := strings.CutPrefix(k, platformPrefix); ok && name != "" {
			row.Platforms[name] = count(v)
		}
	}
	return row
}

func count(s string) uint32 {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// FlushAllPages flushes every pending page summary.
func (a *Aggregator) FlushAllPages(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}

	keys, err := a.redis.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := a.flushKey(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to flush page")
		}
	}
	return nil
}

func (a *Aggregator) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
