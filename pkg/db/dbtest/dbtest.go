// Package dbtest opens in-memory SQLite databases carrying the compositor schema.
package dbtest

import (
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/compositor-backend/pkg/db"
)

// Schema mirrors the goose migrations using SQLite types. Partial unique
// indexes carry the same active-row invariants as Postgres.
var Schema = []string{
	`CREATE TABLE assets (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  category TEXT NOT NULL,
  role_key TEXT,
  scope TEXT NOT NULL CHECK (scope IN ('GLOBAL','SHOW','EPISODE')),
  show_id TEXT,
  episode_id TEXT,
  content_hash TEXT,
  storage_key_raw TEXT NOT NULL,
  storage_key_processed TEXT,
  approval_status TEXT NOT NULL DEFAULT 'PENDING',
  approved_at DATETIME,
  metadata TEXT,
  created_by TEXT NOT NULL,
  created_at DATETIME,
  updated_at DATETIME,
  deleted_at DATETIME,
  CHECK (
    (scope = 'GLOBAL' AND show_id IS NULL AND episode_id IS NULL) OR
    (scope = 'SHOW' AND show_id IS NOT NULL AND episode_id IS NULL) OR
    (scope = 'EPISODE' AND episode_id IS NOT NULL)
  )
);`,
	`CREATE UNIQUE INDEX assets_content_hash_active_key ON assets(content_hash) WHERE content_hash IS NOT NULL AND deleted_at IS NULL;`,
	`CREATE INDEX assets_role_resolution_idx ON assets(role_key, scope, approval_status);`,
	`CREATE TABLE templates (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  required_roles TEXT NOT NULL,
  optional_roles TEXT NOT NULL,
  layout_by_format TEXT,
  superseded_by TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  deleted_at DATETIME
);`,
	`CREATE TABLE compositions (
  id TEXT PRIMARY KEY,
  episode_id TEXT NOT NULL,
  show_id TEXT,
  template_id TEXT NOT NULL REFERENCES templates(id),
  is_primary INTEGER NOT NULL DEFAULT 0,
  current_version INTEGER NOT NULL DEFAULT 1 CHECK (current_version >= 1),
  config TEXT,
  render_status TEXT NOT NULL DEFAULT 'draft',
  render_error TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  deleted_at DATETIME
);`,
	`CREATE UNIQUE INDEX compositions_one_primary_per_episode ON compositions(episode_id) WHERE is_primary AND deleted_at IS NULL;`,
	`CREATE TABLE composition_asset_assignments (
  id TEXT PRIMARY KEY,
  composition_id TEXT NOT NULL REFERENCES compositions(id),
  role_key TEXT NOT NULL,
  asset_id TEXT NOT NULL REFERENCES assets(id),
  version_number INTEGER NOT NULL,
  created_at DATETIME,
  deleted_at DATETIME
);`,
	`CREATE UNIQUE INDEX composition_assignments_active_role_key ON composition_asset_assignments(composition_id, role_key) WHERE deleted_at IS NULL;`,
	`CREATE TABLE composition_versions (
  id TEXT PRIMARY KEY,
  composition_id TEXT NOT NULL REFERENCES compositions(id),
  version_number INTEGER NOT NULL CHECK (version_number > 0),
  role_assignments TEXT NOT NULL,
  config_snapshot TEXT,
  actor TEXT NOT NULL,
  change_summary TEXT,
  rolled_back_from INTEGER,
  created_at DATETIME,
  UNIQUE (composition_id, version_number)
);`,
	`CREATE TABLE outputs (
  id TEXT PRIMARY KEY,
  composition_id TEXT NOT NULL REFERENCES compositions(id),
  version_number INTEGER NOT NULL,
  format_id TEXT NOT NULL,
  storage_key TEXT NOT NULL,
  rendered_at DATETIME NOT NULL,
  created_at DATETIME,
  deleted_at DATETIME
);`,
	`CREATE UNIQUE INDEX outputs_active_triple_key ON outputs(composition_id, version_number, format_id) WHERE deleted_at IS NULL;`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  actor TEXT,
  payload BLOB NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`,
	`CREATE TABLE outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  topic TEXT,
  payload_json BLOB NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME,
  created_at DATETIME
);`,
}

// Open returns a client over a fresh, private in-memory database.
func Open(t testing.TB) *db.Client {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return db.NewFromGorm(conn)
}
