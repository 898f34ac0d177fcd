package assets

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/compositor-backend/pkg/roles"
)

// resolveStore is the slice of pkg/redis the resolve cache needs.
type resolveStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	ResolveKey(generation int64, parts ...string) string
	CatalogGeneration(ctx context.Context) (int64, error)
	BumpCatalogGeneration(ctx context.Context) (int64, error)
}

// ResolveCache remembers which asset id won a resolution. Entries are keyed
// by the catalog generation, so bumping the generation drops them all.
// Callers read Generation before querying the database and pass that value
// to Store, so a winner computed before a bump never lands under the new
// generation.
type ResolveCache interface {
	Generation(ctx context.Context) (int64, error)
	Lookup(ctx context.Context, gen int64, sc ScopeContext, roleKey string) (uuid.UUID, bool, error)
	Store(ctx context.Context, gen int64, sc ScopeContext, roleKey string, assetID uuid.UUID) error
	Invalidate(ctx context.Context) error
}

type redisResolveCache struct {
	store resolveStore
	ttl   time.Duration
}

func NewRedisResolveCache(store resolveStore, ttl time.Duration) (ResolveCache, error) {
	if store == nil {
		return nil, errors.New("resolve cache store required")
	}
	if ttl <= 0 {
		return nil, errors.New("resolve cache ttl must be positive")
	}
	return &redisResolveCache{store: store, ttl: ttl}, nil
}

func (c *redisResolveCache) Generation(ctx context.Context) (int64, error) {
	return c.store.CatalogGeneration(ctx)
}

func (c *redisResolveCache) Lookup(ctx context.Context, gen int64, sc ScopeContext, roleKey string) (uuid.UUID, bool, error) {
	raw, err := c.store.Get(ctx, c.store.ResolveKey(gen, resolveParts(sc, roleKey)...))
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (c *redisResolveCache) Store(ctx context.Context, gen int64, sc ScopeContext, roleKey string, assetID uuid.UUID) error {
	return c.store.Set(ctx, c.store.ResolveKey(gen, resolveParts(sc, roleKey)...), assetID.String(), c.ttl)
}

func (c *redisResolveCache) Invalidate(ctx context.Context) error {
	_, err := c.store.BumpCatalogGeneration(ctx)
	return err
}

func resolveParts(sc ScopeContext, roleKey string) []string {
	show := "-"
	if sc.ShowID != nil {
		show = sc.ShowID.String()
	}
	return []string{"e" + sc.EpisodeID.String(), "s" + show, roles.Normalize(roleKey)}
}

// flightKey identifies identical concurrent resolves for singleflight. The
// generation is part of the key so a caller that saw a newer generation
// never joins a read that started before the bump.
func flightKey(gen int64, sc ScopeContext, roleKey string) string {
	parts := resolveParts(sc, roleKey)
	return strconv.FormatInt(gen, 10) + "|" + parts[0] + "|" + parts[1] + "|" + parts[2]
}

type noopResolveCache struct{}

func (noopResolveCache) Generation(context.Context) (int64, error) { return 0, nil }

func (noopResolveCache) Lookup(context.Context, int64, ScopeContext, string) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}

func (noopResolveCache) Store(context.Context, int64, ScopeContext, string, uuid.UUID) error {
	return nil
}

func (noopResolveCache) Invalidate(context.Context) error { return nil }
