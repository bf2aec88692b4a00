package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/saladjay/ChatCoachService-sub000/pkg/cache"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewWithClient(client, "test", time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func testEvent(resource string, cat cache.Category, payload string) cache.Event {
	return cache.Event{
		Timestamp:   time.Now(),
		ResourceKey: cache.ResourceKey(resource),
		Category:    cat,
		Payload:     []byte(payload),
	}
}

func TestStore_AppendEventAndTimeline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "a"), "img-1", 10))
	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "b"), "img-1", 10))

	events, err := store.Timeline(ctx, key, cache.CategoryReply)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "a", string(events[0].Payload))
	require.Equal(t, "b", string(events[1].Payload))
}

func TestStore_TimelineTrim(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, string(rune('a'+i))), "img-1", 3))
	}

	events, err := store.Timeline(ctx, key, cache.CategoryReply)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "c", string(events[0].Payload))
	require.Equal(t, "e", string(events[2].Payload))
}

func TestStore_ResourceLast(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}
	rkey := cache.ResourceKey("img-1")

	ev, err := store.ResourceLast(ctx, key, cache.CategoryReply, rkey)
	require.NoError(t, err)
	require.Nil(t, ev)

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "old"), "img-1", 10))
	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "new"), "img-1", 10))

	ev, err = store.ResourceLast(ctx, key, cache.CategoryReply, rkey)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "new", string(ev.Payload))
}

func TestStore_ResourceCategories(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategorySceneAnalysis, "scene"), "img-1", 10))
	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "reply"), "img-1", 10))

	cats, err := store.ResourceCategories(ctx, key, cache.ResourceKey("img-1"))
	require.NoError(t, err)
	require.Len(t, cats, 2)
	require.Equal(t, "scene", string(cats[cache.CategorySceneAnalysis].Payload))
	require.Equal(t, "reply", string(cats[cache.CategoryReply].Payload))
}

func TestStore_ResourcesRecencyOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	first := testEvent("img-1", cache.CategoryReply, "a")
	first.Timestamp = time.Now().Add(-time.Minute)
	second := testEvent("img-2", cache.CategoryReply, "b")

	require.NoError(t, store.AppendEvent(ctx, key, first, "img-1", 10))
	require.NoError(t, store.AppendEvent(ctx, key, second, "img-2", 10))

	resources, err := store.Resources(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, resources, 2)
	require.Equal(t, "img-2", resources[0].Raw)
	require.Equal(t, "img-1", resources[1].Raw)
}

func TestStore_LoadTimelineReplacesWholesale(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "stale"), "img-1", 10))

	fresh := []cache.Event{
		testEvent("img-1", cache.CategoryReply, "x"),
		testEvent("img-1", cache.CategoryReply, "y"),
	}
	require.NoError(t, store.LoadTimeline(ctx, key, cache.CategoryReply, fresh))

	events, err := store.Timeline(ctx, key, cache.CategoryReply)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "x", string(events[0].Payload))

	// Last-value pointer reflects the repopulated timeline.
	ev, err := store.ResourceLast(ctx, key, cache.CategoryReply, cache.ResourceKey("img-1"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "y", string(ev.Payload))
}

func TestStore_LoadLastDoesNotTouchTimeline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	ev := testEvent("img-1", cache.CategoryReply, "solo")
	require.NoError(t, store.LoadLast(ctx, key, ev))

	got, err := store.ResourceLast(ctx, key, cache.CategoryReply, ev.ResourceKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "solo", string(got.Payload))

	events, err := store.Timeline(ctx, key, cache.CategoryReply)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStore_TouchRefreshesWholeFamily(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "a"), "img-1", 10))
	require.NoError(t, store.Touch(ctx, key, time.Minute))

	for _, k := range []string{
		"test:s1:date:tl:reply",
		"test:s1:date:res",
		"test:s1:date:keys",
	} {
		require.Greater(t, mr.TTL(k), time.Duration(0), "key %s should carry a TTL", k)
	}

	// Family keys expire together.
	mr.FastForward(2 * time.Minute)
	events, err := store.Timeline(ctx, key, cache.CategoryReply)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStore_DeleteSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}
	other := cache.SessionKey{SessionID: "s2", Scene: "date"}

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "a"), "img-1", 10))
	require.NoError(t, store.AppendEvent(ctx, other, testEvent("img-1", cache.CategoryReply, "b"), "img-1", 10))

	require.NoError(t, store.DeleteSession(ctx, key))

	events, err := store.Timeline(ctx, key, cache.CategoryReply)
	require.NoError(t, err)
	require.Empty(t, events)

	events, err = store.Timeline(ctx, other, cache.CategoryReply)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestStore_DeleteResource(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "a"), "img-1", 10))
	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-2", cache.CategoryReply, "b"), "img-2", 10))

	require.NoError(t, store.DeleteResource(ctx, key, cache.ResourceKey("img-1")))

	ev, err := store.ResourceLast(ctx, key, cache.CategoryReply, cache.ResourceKey("img-1"))
	require.NoError(t, err)
	require.Nil(t, ev)

	cats, err := store.ResourceCategories(ctx, key, cache.ResourceKey("img-1"))
	require.NoError(t, err)
	require.Empty(t, cats)

	resources, err := store.Resources(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, "img-2", resources[0].Raw)
}

func TestStore_Stats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := cache.SessionKey{SessionID: "s1", Scene: "date"}

	_, err := store.ResourceLast(ctx, key, cache.CategoryReply, cache.ResourceKey("img-1"))
	require.NoError(t, err)

	require.NoError(t, store.AppendEvent(ctx, key, testEvent("img-1", cache.CategoryReply, "a"), "img-1", 10))
	_, err = store.ResourceLast(ctx, key, cache.CategoryReply, cache.ResourceKey("img-1"))
	require.NoError(t, err)

	stats := store.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Appends)
	require.InDelta(t, 0.5, stats.HitRate, 0.001)
}
