package main

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/compositor-backend/internal/engine"
	"github.com/angelmondragon/compositor-backend/pkg/config"
	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
)

type engineOpener func(ctx context.Context, verbose bool) (*engine.Engine, func(), error)

type commandContext struct {
	open    engineOpener
	actor   string
	asJSON  bool
	verbose bool

	once    sync.Once
	engine  *engine.Engine
	closeFn func()
	openErr error
}

func newCommandContext(open engineOpener) *commandContext {
	return &commandContext{open: open}
}

func (c *commandContext) ensureEngine(ctx context.Context) (*engine.Engine, error) {
	c.once.Do(func() {
		c.engine, c.closeFn, c.openErr = c.open(ctx, c.verbose)
	})
	return c.engine, c.openErr
}

func (c *commandContext) close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// openEngine builds the engine from the service environment. Redis and the
// content store are left out; the commands only read and version metadata.
func openEngine(ctx context.Context, verbose bool) (*engine.Engine, func(), error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	opts := logger.Options{ServiceName: "compositorctl", Level: logger.ParseLevel("warn"), Output: io.Discard}
	if verbose {
		opts.Level = logger.ParseLevel(cfg.App.LogLevel)
		opts.Output = os.Stderr
	}
	logg := logger.New(opts)

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, nil, err
	}
	cfg.FeatureFlags.ResolveCache = false

	eng, err := engine.New(engine.Params{Config: cfg, Logger: logg, DB: dbClient})
	if err != nil {
		_ = dbClient.Close()
		return nil, nil, err
	}
	return eng, func() { _ = dbClient.Close() }, nil
}
