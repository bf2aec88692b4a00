// Package redis provides the volatile cache tier backed by Redis.
// It is a disposable projection of the durable tier: every key family for a
// session shares one TTL, refreshed on any read or write that touches the
// family, and entries self-expire.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/saladjay/ChatCoachService-sub000/pkg/cache"
)

// Store implements cache.VolatileStore using Redis.
type Store struct {
	client     goredis.UniversalClient
	namespace  string
	defaultTTL time.Duration

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

// Config holds configuration for the Redis store.
type Config struct {
	Addr     string `yaml:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `yaml:"password"` // Redis password
	DB       int    `yaml:"db"`       // Redis database number

	Namespace    string        `yaml:"namespace"`      // Key namespace prefix
	DefaultTTL   time.Duration `yaml:"default_ttl"`    // Session family TTL (default: 1 hour)
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // Connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Write timeout
	PoolSize     int           `yaml:"pool_size"`      // Connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // Minimum idle connections
	MaxRetries   int           `yaml:"max_retries"`    // Maximum retries
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		Namespace:    "chatcoach",
		DefaultTTL:   time.Hour,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// New creates a new Redis store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg.Namespace, cfg.DefaultTTL), nil
}

// NewWithClient wraps an existing client (useful for tests and shared pools).
func NewWithClient(client goredis.UniversalClient, namespace string, defaultTTL time.Duration) *Store {
	if namespace == "" {
		namespace = "chatcoach"
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Store{
		client:     client,
		namespace:  namespace,
		defaultTTL: defaultTTL,
	}
}

// Key layout per session family (sid = "<session_id>:<scene>"):
//
//	<ns>:<sid>:tl:<category>        list of event JSON, oldest first
//	<ns>:<sid>:last:<rkey>:<cat>    last-value event JSON
//	<ns>:<sid>:rc:<rkey>            hash category -> event JSON
//	<ns>:<sid>:res                  zset resource_key scored by activity
//	<ns>:<sid>:resraw               hash resource_key -> raw resource
//	<ns>:<sid>:keys                 set of every key in the family
func (s *Store) base(key cache.SessionKey) string {
	return s.namespace + ":" + key.String()
}

func (s *Store) timelineKey(key cache.SessionKey, cat cache.Category) string {
	return s.base(key) + ":tl:" + string(cat)
}

func (s *Store) lastKey(key cache.SessionKey, resourceKey string, cat cache.Category) string {
	return s.base(key) + ":last:" + resourceKey + ":" + string(cat)
}

func (s *Store) resourceCatKey(key cache.SessionKey, resourceKey string) string {
	return s.base(key) + ":rc:" + resourceKey
}

func (s *Store) recencyKey(key cache.SessionKey) string {
	return s.base(key) + ":res"
}

func (s *Store) rawKey(key cache.SessionKey) string {
	return s.base(key) + ":resraw"
}

func (s *Store) registryKey(key cache.SessionKey) string {
	return s.base(key) + ":keys"
}

// AppendEvent mirrors one durable append into the volatile projection.
func (s *Store) AppendEvent(ctx context.Context, key cache.SessionKey, ev cache.Event, rawResource string, maxTimeline int) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tlKey := s.timelineKey(key, ev.Category)
	lvKey := s.lastKey(key, ev.ResourceKey, ev.Category)
	rcKey := s.resourceCatKey(key, ev.ResourceKey)

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, tlKey, data)
	if maxTimeline > 0 {
		pipe.LTrim(ctx, tlKey, int64(-maxTimeline), -1)
	}
	pipe.Set(ctx, lvKey, data, s.defaultTTL)
	pipe.HSet(ctx, rcKey, string(ev.Category), data)
	pipe.ZAdd(ctx, s.recencyKey(key), goredis.Z{Score: float64(ev.Timestamp.UnixNano()), Member: ev.ResourceKey})
	pipe.HSet(ctx, s.rawKey(key), ev.ResourceKey, rawResource)
	pipe.SAdd(ctx, s.registryKey(key), tlKey, lvKey, rcKey, s.recencyKey(key), s.rawKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis append: %w", err)
	}

	s.sets.Add(1)
	return nil
}

// Timeline returns the cached event list, oldest first.
func (s *Store) Timeline(ctx context.Context, key cache.SessionKey, cat cache.Category) ([]cache.Event, error) {
	vals, err := s.client.LRange(ctx, s.timelineKey(key, cat), 0, -1).Result()
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	if len(vals) == 0 {
		s.misses.Add(1)
		return nil, nil
	}

	events := make([]cache.Event, 0, len(vals))
	for _, v := range vals {
		var ev cache.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	s.hits.Add(1)
	return events, nil
}

// ResourceLast returns the cached last value for the triple, or nil on miss.
func (s *Store) ResourceLast(ctx context.Context, key cache.SessionKey, cat cache.Category, resourceKey string) (*cache.Event, error) {
	val, err := s.client.Get(ctx, s.lastKey(key, resourceKey, cat)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			s.misses.Add(1)
			return nil, nil
		}
		s.errors.Add(1)
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var ev cache.Event
	if err := json.Unmarshal(val, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	s.hits.Add(1)
	return &ev, nil
}

// ResourceCategories returns the cached category map for one resource.
func (s *Store) ResourceCategories(ctx context.Context, key cache.SessionKey, resourceKey string) (map[cache.Category]cache.Event, error) {
	vals, err := s.client.HGetAll(ctx, s.resourceCatKey(key, resourceKey)).Result()
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(vals) == 0 {
		s.misses.Add(1)
		return map[cache.Category]cache.Event{}, nil
	}

	result := make(map[cache.Category]cache.Event, len(vals))
	for cat, v := range vals {
		var ev cache.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		result[cache.Category(cat)] = ev
	}
	s.hits.Add(1)
	return result, nil
}

// Resources returns cached resource keys by recency with raw identifiers.
func (s *Store) Resources(ctx context.Context, key cache.SessionKey, limit int) ([]cache.Resource, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRangeWithScores(ctx, s.recencyKey(key), 0, stop).Result()
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	if len(members) == 0 {
		s.misses.Add(1)
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = m.Member.(string)
	}
	raws, err := s.client.HMGet(ctx, s.rawKey(key), keys...).Result()
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	resources := make([]cache.Resource, len(members))
	for i, m := range members {
		r := cache.Resource{
			Key:          keys[i],
			LastActiveAt: time.Unix(0, int64(m.Score)),
		}
		if raw, ok := raws[i].(string); ok {
			r.Raw = raw
		}
		resources[i] = r
	}
	s.hits.Add(1)
	return resources, nil
}

// LoadTimeline replaces the cached timeline wholesale.
func (s *Store) LoadTimeline(ctx context.Context, key cache.SessionKey, cat cache.Category, events []cache.Event) error {
	tlKey := s.timelineKey(key, cat)

	pipe := s.client.Pipeline()
	pipe.Del(ctx, tlKey)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		pipe.RPush(ctx, tlKey, data)

		lvKey := s.lastKey(key, ev.ResourceKey, ev.Category)
		pipe.Set(ctx, lvKey, data, s.defaultTTL)
		pipe.HSet(ctx, s.resourceCatKey(key, ev.ResourceKey), string(ev.Category), data)
		pipe.SAdd(ctx, s.registryKey(key), lvKey, s.resourceCatKey(key, ev.ResourceKey))
	}
	pipe.SAdd(ctx, s.registryKey(key), tlKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis load timeline: %w", err)
	}

	s.sets.Add(1)
	return nil
}

// LoadLast repopulates the last-value pointer and resource-category index
// for one event without touching the timeline.
func (s *Store) LoadLast(ctx context.Context, key cache.SessionKey, ev cache.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	lvKey := s.lastKey(key, ev.ResourceKey, ev.Category)
	rcKey := s.resourceCatKey(key, ev.ResourceKey)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, lvKey, data, s.defaultTTL)
	pipe.HSet(ctx, rcKey, string(ev.Category), data)
	pipe.SAdd(ctx, s.registryKey(key), lvKey, rcKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis load last: %w", err)
	}

	s.sets.Add(1)
	return nil
}

// LoadResources replaces the cached recency index wholesale.
func (s *Store) LoadResources(ctx context.Context, key cache.SessionKey, resources []cache.Resource) error {
	recKey := s.recencyKey(key)
	rawKey := s.rawKey(key)

	pipe := s.client.Pipeline()
	pipe.Del(ctx, recKey, rawKey)
	for _, r := range resources {
		pipe.ZAdd(ctx, recKey, goredis.Z{Score: float64(r.LastActiveAt.UnixNano()), Member: r.Key})
		pipe.HSet(ctx, rawKey, r.Key, r.Raw)
	}
	pipe.SAdd(ctx, s.registryKey(key), recKey, rawKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis load resources: %w", err)
	}

	s.sets.Add(1)
	return nil
}

// Touch refreshes the TTL on every key in the session's family, including
// the registry itself.
func (s *Store) Touch(ctx context.Context, key cache.SessionKey, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	members, err := s.client.SMembers(ctx, s.registryKey(key)).Result()
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis smembers: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, k := range members {
		pipe.Expire(ctx, k, ttl)
	}
	pipe.Expire(ctx, s.registryKey(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis touch: %w", err)
	}
	return nil
}

// DeleteSession drops every volatile key for the session.
func (s *Store) DeleteSession(ctx context.Context, key cache.SessionKey) error {
	members, err := s.client.SMembers(ctx, s.registryKey(key)).Result()
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis smembers: %w", err)
	}
	members = append(members, s.registryKey(key))
	if err := s.client.Del(ctx, members...).Err(); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteResource drops the volatile keys scoped to one resource.
func (s *Store) DeleteResource(ctx context.Context, key cache.SessionKey, resourceKey string) error {
	members, err := s.client.SMembers(ctx, s.registryKey(key)).Result()
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis smembers: %w", err)
	}

	lastPrefix := s.base(key) + ":last:" + resourceKey + ":"
	rcKey := s.resourceCatKey(key, resourceKey)

	var doomed []string
	for _, m := range members {
		if m == rcKey || strings.HasPrefix(m, lastPrefix) {
			doomed = append(doomed, m)
		}
	}

	pipe := s.client.Pipeline()
	if len(doomed) > 0 {
		pipe.Del(ctx, doomed...)
		pipe.SRem(ctx, s.registryKey(key), doomed)
	}
	pipe.ZRem(ctx, s.recencyKey(key), resourceKey)
	pipe.HDel(ctx, s.rawKey(key), resourceKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis delete resource: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Stats returns volatile-tier counters.
func (s *Store) Stats() cache.Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return cache.Stats{
		Hits:           hits,
		Misses:         misses,
		Appends:        s.sets.Load(),
		VolatileErrors: s.errors.Load(),
		HitRate:        hitRate,
	}
}
