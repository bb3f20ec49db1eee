package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/canopy-network/statex/pkg/db/models"
)

func (s *Store) UpsertBlocks(ctx context.Context, blocks []models.Block) error {
	batch := &pgx.Batch{}
	for _, b := range blocks {
		batch.Queue(`
			INSERT INTO blocks (height, time_ms) VALUES ($1, $2)
			ON CONFLICT (height) DO UPDATE SET time_ms = EXCLUDED.time_ms`,
			b.Height, b.TimeUnixMs)
	}
	if err := executeBatch(ctx, s.GetExecutor(ctx), batch); err != nil {
		return fmt.Errorf("upsert blocks: %w", err)
	}
	return nil
}

func (s *Store) queryBlock(ctx context.Context, query string, args ...any) (*models.Block, error) {
	var b models.Block
	err := s.GetExecutor(ctx).QueryRow(ctx, query, args...).Scan(&b.Height, &b.TimeUnixMs)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) LatestBlock(ctx context.Context) (*models.Block, error) {
	return s.queryBlock(ctx, `SELECT height, time_ms FROM blocks ORDER BY height DESC LIMIT 1`)
}

func (s *Store) FirstBlock(ctx context.Context) (*models.Block, error) {
	return s.queryBlock(ctx, `SELECT height, time_ms FROM blocks ORDER BY height LIMIT 1`)
}

func (s *Store) BlockAtOrBefore(ctx context.Context, height uint64) (*models.Block, error) {
	return s.queryBlock(ctx, `SELECT height, time_ms FROM blocks WHERE height <= $1 ORDER BY height DESC LIMIT 1`, height)
}

func (s *Store) BlockAtOrBeforeTime(ctx context.Context, timeUnixMs int64) (*models.Block, error) {
	return s.queryBlock(ctx, `
		SELECT height, time_ms FROM blocks
		WHERE time_ms <= $1
		ORDER BY time_ms DESC, height DESC
		LIMIT 1`, timeUnixMs)
}

func (s *Store) UpsertEntities(ctx context.Context, entities []models.Entity) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO entities (address, code_id, admin, creator, label, instantiated_at_height, instantiated_at_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			code_id = EXCLUDED.code_id,
			admin = EXCLUDED.admin,
			creator = EXCLUDED.creator,
			label = EXCLUDED.label,
			instantiated_at_height = EXCLUDED.instantiated_at_height,
			instantiated_at_time_ms = EXCLUDED.instantiated_at_time_ms`
	for _, e := range entities {
		batch.Queue(query, e.Address, e.CodeID, e.Admin, e.Creator, e.Label,
			e.InstantiatedAtBlockHeight, e.InstantiatedAtBlockTimeUnixMs)
	}
	if err := executeBatch(ctx, s.GetExecutor(ctx), batch); err != nil {
		return fmt.Errorf("upsert entities: %w", err)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, address string) (*models.Entity, error) {
	e := models.Entity{Address: address}
	err := s.GetExecutor(ctx).QueryRow(ctx, `
		SELECT code_id, admin, creator, label, instantiated_at_height, instantiated_at_time_ms
		FROM entities WHERE address = $1`, address).
		Scan(&e.CodeID, &e.Admin, &e.Creator, &e.Label, &e.InstantiatedAtBlockHeight, &e.InstantiatedAtBlockTimeUnixMs)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", address, err)
	}
	return &e, nil
}
