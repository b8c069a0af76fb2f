package offers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RankEntry is the cached part of a Score: the offer's position and
// sub-scores, without the offer payload itself.
type RankEntry struct {
	OfferID        int64          `json:"offerId"`
	Condition      ConditionLevel `json:"condition"`
	ConditionScore float64        `json:"conditionScore"`
	PriceScore     float64        `json:"priceScore"`
	StockScore     float64        `json:"stockScore"`
	Composite      float64        `json:"score"`
	Recommended    bool           `json:"isRecommended"`
}

func entriesOf(scores []Score) []RankEntry {
	entries := make([]RankEntry, 0, len(scores))
	for _, s := range scores {
		entries = append(entries, RankEntry{
			OfferID:        s.Offer.ID,
			Condition:      s.Condition,
			ConditionScore: s.ConditionScore,
			PriceScore:     s.PriceScore,
			StockScore:     s.StockScore,
			Composite:      s.Composite,
			Recommended:    s.Recommended,
		})
	}
	return entries
}

// scoresFrom rebuilds a ranking from cached entries and the offers just
// fetched. It reports false when the entries do not cover offers exactly.
func scoresFrom(entries []RankEntry, offers []Offer) ([]Score, bool) {
	if len(entries) != len(offers) {
		return nil, false
	}
	byID := make(map[int64]Offer, len(offers))
	for _, o := range offers {
		byID[o.ID] = o
	}
	scores := make([]Score, 0, len(entries))
	for _, e := range entries {
		o, ok := byID[e.OfferID]
		if !ok {
			return nil, false
		}
		scores = append(scores, Score{
			Offer:          o,
			Condition:      e.Condition,
			ConditionScore: e.ConditionScore,
			PriceScore:     e.PriceScore,
			StockScore:     e.StockScore,
			Composite:      e.Composite,
			Recommended:    e.Recommended,
		})
	}
	return scores, true
}

// Cache stores rankings keyed by SetKey. Only ordering and sub-scores are
// cached, so display fields always come from the offers being ranked.
type Cache interface {
	Get(ctx context.Context, key string) ([]RankEntry, bool, error)
	Set(ctx context.Context, key string, entries []RankEntry, ttl time.Duration) error
}

// Ranker ranks offer sets through an optional cache. Cache failures are
// logged and never fail the ranking.
type Ranker struct {
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewRanker(cache Cache, ttl time.Duration, logger *slog.Logger) *Ranker {
	return &Ranker{cache: cache, ttl: ttl, logger: logger}
}

// Rank returns the ranking for offers, consulting the cache first.
func (r *Ranker) Rank(ctx context.Context, offers []Offer) []Score {
	if r.cache == nil || len(offers) == 0 {
		return Rank(offers)
	}
	key := SetKey(offers)
	cached, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("ranking cache get failed", "key", key, "error", err)
	} else if ok {
		if scores, ok := scoresFrom(cached, offers); ok {
			return scores
		}
		r.logger.Warn("ranking cache entry does not match offers", "key", key)
	}
	ranked := Rank(offers)
	if err := r.cache.Set(ctx, key, entriesOf(ranked), r.ttl); err != nil {
		r.logger.Warn("ranking cache set failed", "key", key, "error", err)
	}
	return ranked
}

// MemoryCache is a process-local Cache. Expired entries are dropped when read
// and swept on every Set.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	entries   []RankEntry
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]RankEntry, bool, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	out := make([]RankEntry, len(item.entries))
	copy(out, item.entries)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entries []RankEntry, ttl time.Duration) error {
	stored := make([]RankEntry, len(entries))
	copy(stored, entries)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = memoryEntry{entries: stored, expiresAt: now.Add(ttl)}
	return nil
}

// Len reports the number of entries, expired ones not yet swept included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

const rankingKeyPrefix = "storefront:ranking:"

// RedisCache shares rankings between storefront instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redisURL (redis://host:port/db) and pings it.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]RankEntry, bool, error) {
	raw, err := c.client.Get(ctx, rankingKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get ranking: %w", err)
	}
	var entries []RankEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("decode ranking: %w", err)
	}
	return entries, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entries []RankEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode ranking: %w", err)
	}
	if err := c.client.Set(ctx, rankingKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set ranking: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
