package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db"
)

// Store is the PostgreSQL db.Store. Every table keeps one row per write, so point-in-time
// reads pick the newest row at or below the requested height.
type Store struct {
	Client
}

var _ db.Store = (*Store)(nil)

// NewStore connects and makes sure the schema exists.
func NewStore(ctx context.Context, logger *zap.Logger, poolConfig *PoolConfig) (*Store, error) {
	client, err := New(ctx, logger, poolConfig)
	if err != nil {
		return nil, err
	}
	s := &Store{Client: client}
	if err := s.InitializeDB(ctx); err != nil {
		client.Pool.Close()
		return nil, err
	}
	return s, nil
}

// InitializeDB creates the tables and indexes. Statements are idempotent.
func (s *Store) InitializeDB(ctx context.Context) error {
	start := time.Now()
	initOps := []struct {
		name string
		ddl  []string
	}{
		{"state_events", stateEventsDDL},
		{"transformations", transformationsDDL},
		{"entities", entitiesDDL},
		{"blocks", blocksDDL},
		{"computations", computationsDDL},
	}
	// Ordered: computation_dependencies references computations.
	for _, op := range initOps {
		s.Logger.Debug("Initializing table", zap.String("table", op.name))
		for _, stmt := range op.ddl {
			if _, err := s.Pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("init %s: %w", op.name, err)
			}
		}
	}
	s.Logger.Info("Database initialized", zap.Duration("duration", time.Since(start)))
	return nil
}

// InTx joins the transaction already carried by ctx or starts a new one.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		return fn(s.WithTx(ctx, tx))
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

var stateEventsDDL = []string{
	`CREATE TABLE IF NOT EXISTS state_events (
		namespace     TEXT COLLATE "C" NOT NULL,
		entity_id     TEXT COLLATE "C" NOT NULL,
		key           BYTEA NOT NULL,
		block_height  BIGINT NOT NULL,
		block_time_ms BIGINT NOT NULL,
		value         TEXT NOT NULL DEFAULT '',
		value_json    JSONB,
		deleted       BOOLEAN NOT NULL DEFAULT FALSE,
		dependent_key TEXT COLLATE "C" GENERATED ALWAYS AS (namespace || ':' || entity_id || ':' || encode(key, 'hex')) STORED,
		PRIMARY KEY (namespace, entity_id, key, block_height)
	)`,
	`CREATE INDEX IF NOT EXISTS state_events_dependent_key_idx ON state_events (dependent_key, block_height)`,
	`CREATE INDEX IF NOT EXISTS state_events_block_height_idx ON state_events (block_height)`,
}

var transformationsDDL = []string{
	`CREATE TABLE IF NOT EXISTS transformations (
		entity_id     TEXT COLLATE "C" NOT NULL,
		name          TEXT COLLATE "C" NOT NULL,
		block_height  BIGINT NOT NULL,
		block_time_ms BIGINT NOT NULL,
		value         JSONB,
		dependent_key TEXT COLLATE "C" GENERATED ALWAYS AS ('transformation:' || entity_id || ':' || name) STORED,
		PRIMARY KEY (entity_id, name, block_height)
	)`,
	`CREATE INDEX IF NOT EXISTS transformations_name_idx ON transformations (name, block_height)`,
	`CREATE INDEX IF NOT EXISTS transformations_dependent_key_idx ON transformations (dependent_key, block_height)`,
	`CREATE INDEX IF NOT EXISTS transformations_block_height_idx ON transformations (block_height)`,
}

var entitiesDDL = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		address                   TEXT COLLATE "C" PRIMARY KEY,
		code_id                   BIGINT NOT NULL,
		admin                     TEXT NOT NULL DEFAULT '',
		creator                   TEXT NOT NULL DEFAULT '',
		label                     TEXT NOT NULL DEFAULT '',
		instantiated_at_height    BIGINT NOT NULL DEFAULT 0,
		instantiated_at_time_ms   BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS entities_code_id_idx ON entities (code_id)`,
}

var blocksDDL = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		height  BIGINT PRIMARY KEY,
		time_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS blocks_time_idx ON blocks (time_ms, height)`,
}

var computationsDDL = []string{
	`CREATE TABLE IF NOT EXISTS computations (
		id                        BIGSERIAL PRIMARY KEY,
		target_address            TEXT COLLATE "C" NOT NULL,
		type                      TEXT NOT NULL,
		formula                   TEXT NOT NULL,
		args                      TEXT NOT NULL,
		block_height              BIGINT NOT NULL,
		block_time_ms             BIGINT NOT NULL,
		latest_block_height_valid BIGINT NOT NULL,
		validity_extendable       BOOLEAN NOT NULL DEFAULT TRUE,
		output                    TEXT,
		dependencies              JSONB NOT NULL DEFAULT '[]',
		UNIQUE (target_address, type, formula, args, block_height)
	)`,
	`CREATE TABLE IF NOT EXISTS computation_dependencies (
		computation_id BIGINT NOT NULL REFERENCES computations (id) ON DELETE CASCADE,
		key            TEXT COLLATE "C" NOT NULL,
		prefix         BOOLEAN NOT NULL,
		exact          BOOLEAN NOT NULL,
		pattern        TEXT COLLATE "C" NOT NULL,
		PRIMARY KEY (computation_id, key, prefix)
	)`,
	`CREATE INDEX IF NOT EXISTS computation_dependencies_exact_idx ON computation_dependencies (key) WHERE exact`,
	`CREATE INDEX IF NOT EXISTS computation_dependencies_pattern_idx ON computation_dependencies (computation_id) WHERE NOT exact`,
}
