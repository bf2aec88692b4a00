// Package cache defines the shared types and tier interfaces for the
// categorized session cache. The cache memoizes pipeline-stage outputs per
// session, resource, and category; payloads are opaque bytes owned by the
// caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Category tags which pipeline stage produced a cached value.
type Category string

// Stage categories plus parser-specific categories used by callers that
// memoize auxiliary parses.
const (
	CategoryContextAnalysis Category = "context_analysis"
	CategorySceneAnalysis   Category = "scene_analysis"
	CategoryPersonaAnalysis Category = "persona_analysis"
	CategoryStrategyPlan    Category = "strategy_plan"
	CategoryReply           Category = "reply"
	CategoryParserScene     Category = "parser_scene"
	CategoryParserPersona   Category = "parser_persona"
)

// SessionKey identifies a logical conversation instance under a scenario tag.
// All cache entries are namespaced by this pair.
type SessionKey struct {
	SessionID string
	Scene     string
}

// String returns the composite identity used as the durable-tier session_id
// and as the volatile-tier key segment.
func (k SessionKey) String() string {
	return k.SessionID + ":" + k.Scene
}

// ResourceKeyLen is the length of a hex-encoded resource key.
const ResourceKeyLen = 16

// ResourceKey returns a short fixed-length digest of a caller-supplied
// resource identifier. Raw resource strings may be large or unbounded, so
// keys carry the digest and the raw string is kept in the resource index.
func ResourceKey(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:ResourceKeyLen/2])
}

// Event is one cached value for a (session, resource, category) triple.
// Payload is an opaque serialized blob; the cache never interprets it.
type Event struct {
	Timestamp   time.Time `json:"ts"`
	ResourceKey string    `json:"resource_key"`
	Category    Category  `json:"category"`
	Payload     []byte    `json:"payload"`
}

// Resource pairs a resource key with the raw identifier it stands for.
type Resource struct {
	Key          string
	Raw          string
	LastActiveAt time.Time
}

// SessionRecord is a durable-tier session row surfaced during recovery.
type SessionRecord struct {
	Key          SessionKey
	LastActiveAt time.Time
}

// DurableStore is the source-of-truth tier. It survives restarts; the
// volatile tier is a derivable projection of it.
type DurableStore interface {
	// Append writes one event in a single logical transaction: sessions
	// upsert, resources upsert, events insert, and a trim of events beyond
	// maxTimeline for the (session, category) pair.
	Append(ctx context.Context, key SessionKey, ev Event, rawResource string, maxTimeline int) error

	// Timeline returns the ordered event list for (session, category),
	// oldest first, at most maxTimeline entries.
	Timeline(ctx context.Context, key SessionKey, cat Category, maxTimeline int) ([]Event, error)

	// ResourceLast returns the most recent event for the triple, or nil.
	ResourceLast(ctx context.Context, key SessionKey, cat Category, resourceKey string) (*Event, error)

	// ResourceCategories returns the most recent event per category for one
	// resource.
	ResourceCategories(ctx context.Context, key SessionKey, resourceKey string) (map[Category]Event, error)

	// Resources returns resources for a session ordered by most-recent
	// activity, up to limit (0 means no limit).
	Resources(ctx context.Context, key SessionKey, limit int) ([]Resource, error)

	// ActiveSessions returns sessions whose last activity is within the
	// given window of now.
	ActiveSessions(ctx context.Context, window time.Duration) ([]SessionRecord, error)

	// Categories returns every category with at least one event for the
	// session.
	Categories(ctx context.Context, key SessionKey) ([]Category, error)

	// DeleteSession removes the session row and everything under it.
	DeleteSession(ctx context.Context, key SessionKey) error

	// DeleteResource removes one resource and its events.
	DeleteResource(ctx context.Context, key SessionKey, resourceKey string) error

	// DeleteExpired removes sessions whose last activity is older than the
	// window and returns how many sessions were swept.
	DeleteExpired(ctx context.Context, window time.Duration) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// VolatileStore is the low-latency projection tier. Every key family for one
// session shares a TTL refreshed on any touch; entries self-expire.
type VolatileStore interface {
	// AppendEvent mirrors one append: timeline push+trim, last-value set,
	// resource-category index set, and recency index update.
	AppendEvent(ctx context.Context, key SessionKey, ev Event, rawResource string, maxTimeline int) error

	// Timeline returns the cached event list, oldest first. Empty result
	// means a miss (or a genuinely empty timeline).
	Timeline(ctx context.Context, key SessionKey, cat Category) ([]Event, error)

	// ResourceLast returns the cached last value for the triple, or nil on
	// miss.
	ResourceLast(ctx context.Context, key SessionKey, cat Category, resourceKey string) (*Event, error)

	// ResourceCategories returns the cached category map for one resource;
	// an empty map means a miss.
	ResourceCategories(ctx context.Context, key SessionKey, resourceKey string) (map[Category]Event, error)

	// Resources returns cached resource keys by recency with their raw
	// identifiers; an empty slice means a miss.
	Resources(ctx context.Context, key SessionKey, limit int) ([]Resource, error)

	// LoadTimeline replaces the cached timeline wholesale (read-repair and
	// recovery path).
	LoadTimeline(ctx context.Context, key SessionKey, cat Category, events []Event) error

	// LoadLast repopulates the last-value pointer and resource-category
	// index for one event without touching the timeline (resource-scoped
	// read-repair).
	LoadLast(ctx context.Context, key SessionKey, ev Event) error

	// LoadResources replaces the cached recency index wholesale.
	LoadResources(ctx context.Context, key SessionKey, resources []Resource) error

	// Touch refreshes the TTL on every key in the session's family. A
	// non-positive ttl applies the configured default.
	Touch(ctx context.Context, key SessionKey, ttl time.Duration) error

	// DeleteSession drops every volatile key for the session.
	DeleteSession(ctx context.Context, key SessionKey) error

	// DeleteResource drops the volatile keys scoped to one resource.
	DeleteResource(ctx context.Context, key SessionKey, resourceKey string) error

	Ping(ctx context.Context) error
	Close() error
}

// Stats holds operation counters for observability.
type Stats struct {
	Appends        int64   `json:"appends"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Repairs        int64   `json:"repairs"`
	VolatileErrors int64   `json:"volatile_errors"`
	DurableErrors  int64   `json:"durable_errors"`
	Cleanups       int64   `json:"cleanups"`
	HitRate        float64 `json:"hit_rate"`
}
