package assets

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

type fakeResolveStore struct {
	generation int64
	values     map[string]string
	ttls       map[string]time.Duration
}

func newFakeResolveStore() *fakeResolveStore {
	return &fakeResolveStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeResolveStore) Get(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (f *fakeResolveStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	f.values[key] = fmt.Sprint(value)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeResolveStore) ResolveKey(generation int64, parts ...string) string {
	return fmt.Sprintf("resolve:%d:%s", generation, strings.Join(parts, ":"))
}

func (f *fakeResolveStore) CatalogGeneration(context.Context) (int64, error) {
	return f.generation, nil
}

func (f *fakeResolveStore) BumpCatalogGeneration(context.Context) (int64, error) {
	f.generation++
	return f.generation, nil
}

func TestRedisResolveCacheRoundTrip(t *testing.T) {
	store := newFakeResolveStore()
	cache, err := NewRedisResolveCache(store, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	sc := ScopeContext{EpisodeID: uuid.New()}
	assetID := uuid.New()

	gen, err := cache.Generation(ctx)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	if _, ok, err := cache.Lookup(ctx, gen, sc, "BG.MAIN"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := cache.Store(ctx, gen, sc, "bg.main", assetID); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := cache.Lookup(ctx, gen, sc, "BG.MAIN")
	if err != nil || !ok || got != assetID {
		t.Fatalf("expected hit for %s, got %s ok=%v err=%v", assetID, got, ok, err)
	}
	for _, ttl := range store.ttls {
		if ttl != time.Minute {
			t.Fatalf("expected ttl 1m, got %v", ttl)
		}
	}

	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	next, _ := cache.Generation(ctx)
	if next == gen {
		t.Fatal("expected invalidate to bump the generation")
	}
	if _, ok, _ := cache.Lookup(ctx, next, sc, "BG.MAIN"); ok {
		t.Fatal("expected generation bump to drop cached entries")
	}
}

func TestRedisResolveCacheStoresUnderGivenGeneration(t *testing.T) {
	store := newFakeResolveStore()
	cache, _ := NewRedisResolveCache(store, time.Minute)
	ctx := context.Background()
	sc := ScopeContext{EpisodeID: uuid.New()}

	readAt, _ := cache.Generation(ctx)
	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := cache.Store(ctx, readAt, sc, "BG.MAIN", uuid.New()); err != nil {
		t.Fatalf("store: %v", err)
	}
	current, _ := cache.Generation(ctx)
	if _, ok, _ := cache.Lookup(ctx, current, sc, "BG.MAIN"); ok {
		t.Fatal("expected a write computed before the bump to stay out of the current generation")
	}
}

func TestRedisResolveCacheKeysByShow(t *testing.T) {
	store := newFakeResolveStore()
	cache, _ := NewRedisResolveCache(store, time.Minute)
	ctx := context.Background()
	episodeID := uuid.New()
	showID := uuid.New()

	if err := cache.Store(ctx, 0, ScopeContext{EpisodeID: episodeID, ShowID: &showID}, "BG.MAIN", uuid.New()); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, ok, _ := cache.Lookup(ctx, 0, ScopeContext{EpisodeID: episodeID}, "BG.MAIN"); ok {
		t.Fatal("expected entries for different show contexts to be distinct")
	}
}

func TestRedisResolveCacheIgnoresGarbage(t *testing.T) {
	store := newFakeResolveStore()
	cache, _ := NewRedisResolveCache(store, time.Minute)
	ctx := context.Background()
	sc := ScopeContext{EpisodeID: uuid.New()}
	store.values[store.ResolveKey(0, resolveParts(sc, "BG.MAIN")...)] = "not-a-uuid"

	if _, ok, err := cache.Lookup(ctx, 0, sc, "BG.MAIN"); ok || err != nil {
		t.Fatalf("expected garbage entry to read as a miss, got ok=%v err=%v", ok, err)
	}
}

func TestNewRedisResolveCacheValidates(t *testing.T) {
	if _, err := NewRedisResolveCache(nil, time.Minute); err == nil {
		t.Fatal("expected nil store to fail")
	}
	if _, err := NewRedisResolveCache(newFakeResolveStore(), 0); err == nil {
		t.Fatal("expected zero ttl to fail")
	}
}
