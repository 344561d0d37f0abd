package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// InboxCache keeps a per-user watermark naming the newest message that
// involves the user. A poll whose cursor is at or past the watermark can be
// answered without touching the database.
type InboxCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	stats  *Stats
}

// Stats tracks cache statistics.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Sets   uint64 `json:"sets"`
	Errors uint64 `json:"errors"`
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Errors    uint64  `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
	TotalGets uint64  `json:"total_gets"`
}

// Watermark is the (created_at, id) of a message.
type Watermark struct {
	At time.Time
	ID string
}

// touchScript raises the watermark, never lowers it. Values are
// "micros:id"; ids on the same microsecond compare bytewise.
var touchScript = redis.NewScript(`
	local function newer(micros, id, current)
		local sep = string.find(current, ':', 1, true)
		local curMicros = tonumber(sep and string.sub(current, 1, sep - 1) or current)
		if micros ~= curMicros then
			return micros > curMicros
		end
		local curID = sep and string.sub(current, sep + 1) or ''
		for i = 1, math.min(#id, #curID) do
			local a, b = string.byte(id, i), string.byte(curID, i)
			if a ~= b then
				return a > b
			end
		end
		return #id > #curID
	end

	local current = redis.call('GET', KEYS[1])
	if (not current) or newer(tonumber(ARGV[1]), ARGV[2], current) then
		redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2], 'PX', ARGV[3])
		return 1
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 0
`)

// NewInboxCache creates a new watermark cache.
func NewInboxCache(client *redis.Client, prefix string, ttl time.Duration) *InboxCache {
	if prefix == "" {
		prefix = "inbox:latest:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &InboxCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		stats:  &Stats{},
	}
}

// Touch raises the watermark for userID to w.
func (c *InboxCache) Touch(ctx context.Context, userID string, w Watermark) error {
	err := touchScript.Run(ctx, c.client,
		[]string{c.prefix + userID},
		w.At.UTC().UnixMicro(), w.ID, c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return fmt.Errorf("cache touch error: %w", err)
	}
	atomic.AddUint64(&c.stats.Sets, 1)
	return nil
}

// Latest returns the watermark for userID. The boolean is false on a miss.
func (c *InboxCache) Latest(ctx context.Context, userID string) (Watermark, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			atomic.AddUint64(&c.stats.Misses, 1)
			return Watermark{}, false, nil
		}
		atomic.AddUint64(&c.stats.Errors, 1)
		return Watermark{}, false, fmt.Errorf("cache get error: %w", err)
	}

	rawMicros, id, _ := strings.Cut(raw, ":")
	micros, err := strconv.ParseInt(rawMicros, 10, 64)
	if err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return Watermark{}, false, fmt.Errorf("cache decode error: %w", err)
	}

	atomic.AddUint64(&c.stats.Hits, 1)
	return Watermark{At: time.UnixMicro(micros).UTC(), ID: id}, true, nil
}

// Forget removes the watermark for userID.
func (c *InboxCache) Forget(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.prefix+userID).Err(); err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the cache statistics.
func (c *InboxCache) Stats() StatsSnapshot {
	hits := atomic.LoadUint64(&c.stats.Hits)
	misses := atomic.LoadUint64(&c.stats.Misses)
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return StatsSnapshot{
		Hits:      hits,
		Misses:    misses,
		Sets:      atomic.LoadUint64(&c.stats.Sets),
		Errors:    atomic.LoadUint64(&c.stats.Errors),
		HitRate:   hitRate,
		TotalGets: total,
	}
}

// Ping checks the Redis connection.
func (c *InboxCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *InboxCache) Close() error {
	return c.client.Close()
}
