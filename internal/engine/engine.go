// Package engine wires the catalog, registry, composition manager, output
// tracker and render dispatch over one database client.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/compositor-backend/internal/assets"
	"github.com/angelmondragon/compositor-backend/internal/compositions"
	"github.com/angelmondragon/compositor-backend/internal/outputs"
	"github.com/angelmondragon/compositor-backend/internal/rendering"
	"github.com/angelmondragon/compositor-backend/internal/templates"
	"github.com/angelmondragon/compositor-backend/pkg/config"
	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/formats"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/metrics"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
	"github.com/angelmondragon/compositor-backend/pkg/redis"
	"github.com/angelmondragon/compositor-backend/pkg/storage"
	"github.com/angelmondragon/compositor-backend/pkg/storage/gcs"
	"github.com/angelmondragon/compositor-backend/pkg/storage/memory"
)

type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	// Redis backs the resolve cache when the feature flag is on.
	Redis *redis.Client
	// Store enables content intake. Nil leaves IntakeContent unavailable.
	Store      storage.ContentStore
	Registerer prometheus.Registerer
}

type Engine struct {
	Formats      *formats.Catalog
	Outbox       *outbox.Service
	DeadLetters  *outbox.DLQRepository
	Metrics      *metrics.Engine
	Assets       assets.Service
	Templates    templates.Service
	Compositions compositions.Service
	Outputs      outputs.Service
	Dispatcher   *rendering.Dispatcher
	Results      *rendering.ResultHandler
}

func New(p Params) (*Engine, error) {
	if p.Config == nil {
		return nil, errors.New("config is required")
	}
	if p.DB == nil {
		return nil, errors.New("database client is required")
	}

	catalog, err := loadFormats(p.Config.Engine)
	if err != nil {
		return nil, err
	}

	engineMetrics := metrics.NewEngine(p.Registerer)
	emitter := outbox.NewService(outbox.NewRepository(p.DB.DB()), p.Logger)

	var cache assets.ResolveCache
	if p.Config.FeatureFlags.ResolveCache && p.Redis != nil {
		cache, err = assets.NewRedisResolveCache(p.Redis, p.Config.Engine.ResolveCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("building resolve cache: %w", err)
		}
	}

	assetSvc, err := assets.NewService(assets.ServiceParams{
		Repository: assets.NewRepository(p.DB.DB()),
		Tx:         p.DB,
		Outbox:     emitter,
		Store:      p.Store,
		Cache:      cache,
		Metrics:    engineMetrics,
		Logger:     p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building asset catalog: %w", err)
	}

	templateSvc, err := templates.NewService(templates.NewRepository(p.DB.DB()), p.DB, catalog, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("building template registry: %w", err)
	}

	compositionSvc, err := compositions.NewService(compositions.ServiceParams{
		Repository: compositions.NewRepository(p.DB.DB()),
		Tx:         p.DB,
		Outbox:     emitter,
		Templates:  templateSvc,
		Assets:     assetSvc,
		Engine:     p.Config.Engine,
		Metrics:    engineMetrics,
		Logger:     p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building composition manager: %w", err)
	}

	outputSvc, err := outputs.NewService(outputs.NewRepository(p.DB.DB()), p.DB, emitter, catalog, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("building output tracker: %w", err)
	}

	dispatcher, err := rendering.NewDispatcher(compositionSvc, emitter, catalog, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("building render dispatcher: %w", err)
	}
	results, err := rendering.NewResultHandler(compositionSvc, outputSvc, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("building render result handler: %w", err)
	}

	return &Engine{
		Formats:      catalog,
		Outbox:       emitter,
		DeadLetters:  outbox.NewDLQRepository(p.DB.DB()),
		Metrics:      engineMetrics,
		Assets:       assetSvc,
		Templates:    templateSvc,
		Compositions: compositionSvc,
		Outputs:      outputSvc,
		Dispatcher:   dispatcher,
		Results:      results,
	}, nil
}

func loadFormats(cfg config.EngineConfig) (*formats.Catalog, error) {
	if cfg.FormatCatalogPath == "" {
		return formats.Default()
	}
	catalog, err := formats.Load(cfg.FormatCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading format catalog: %w", err)
	}
	return catalog, nil
}

// ContentStore is an opened store plus its health probe and closer.
type ContentStore struct {
	storage.ContentStore
	Ping  func(ctx context.Context) error
	Close func() error
}

// OpenContentStore builds the store selected by COMPOSITOR_CONTENT_STORE.
func OpenContentStore(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*ContentStore, error) {
	switch cfg.FeatureFlags.ContentStore {
	case config.ContentStoreMemory:
		store := memory.NewStore(cfg.GCS.ObjectPrefix)
		return &ContentStore{ContentStore: store, Ping: store.Ping, Close: func() error { return nil }}, nil
	case config.ContentStoreGCS:
		store, err := gcs.NewStore(ctx, cfg.GCS, cfg.GCP, logg)
		if err != nil {
			return nil, fmt.Errorf("opening gcs content store: %w", err)
		}
		return &ContentStore{ContentStore: store, Ping: store.Ping, Close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unknown content store %q", cfg.FeatureFlags.ContentStore)
	}
}
