package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

const eventColumns = `namespace, entity_id, key, value, value_json, block_height, block_time_ms, deleted`

func scanEvent(row pgx.Row) (models.StateEvent, error) {
	var (
		e         models.StateEvent
		valueJSON []byte
	)
	if err := row.Scan(&e.Namespace, &e.EntityID, &e.Key, &e.Value, &valueJSON, &e.BlockHeight, &e.BlockTimeUnixMs, &e.Deleted); err != nil {
		return models.StateEvent{}, err
	}
	if valueJSON != nil {
		e.ValueJSON = json.RawMessage(valueJSON)
	}
	return e, nil
}

func collectEvents(rows pgx.Rows, err error) ([]models.StateEvent, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StateEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func optionalEvent(row pgx.Row) (*models.StateEvent, error) {
	e, err := scanEvent(row)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// jsonParam maps an absent or malformed document to SQL NULL.
func jsonParam(v json.RawMessage) any {
	if len(v) == 0 || !json.Valid(v) {
		return nil
	}
	return string(v)
}

func (s *Store) UpsertEvents(ctx context.Context, events []models.StateEvent) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO state_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT (namespace, entity_id, key, block_height) DO UPDATE SET
			value = EXCLUDED.value,
			value_json = EXCLUDED.value_json,
			block_time_ms = EXCLUDED.block_time_ms,
			deleted = EXCLUDED.deleted`
	for _, e := range models.CollapseEvents(events) {
		batch.Queue(query, e.Namespace, e.EntityID, e.Key, e.Value, jsonParam(e.ValueJSON), e.BlockHeight, e.BlockTimeUnixMs, e.Deleted)
	}
	if err := executeBatch(ctx, s.GetExecutor(ctx), batch); err != nil {
		return fmt.Errorf("upsert state events: %w", err)
	}
	return nil
}

func (s *Store) LatestEvent(ctx context.Context, namespace, entity string, key []byte, height uint64) (*models.StateEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM state_events
		WHERE namespace = $1 AND entity_id = $2 AND key = $3 AND block_height <= $4
		ORDER BY block_height DESC
		LIMIT 1`
	return optionalEvent(s.GetExecutor(ctx).QueryRow(ctx, query, namespace, entity, key, height))
}

func (s *Store) LatestEventsWithPrefix(ctx context.Context, namespace, entity string, prefix []byte, height uint64) ([]models.StateEvent, error) {
	query := `
		SELECT DISTINCT ON (key) ` + eventColumns + `
		FROM state_events
		WHERE namespace = $1 AND entity_id = $2
			AND key >= $3 AND substring(key FROM 1 FOR octet_length($3)) = $3
			AND block_height <= $4
		ORDER BY key, block_height DESC`
	return collectEvents(s.GetExecutor(ctx).Query(ctx, query, namespace, entity, prefix, height))
}

func (s *Store) FirstEvent(ctx context.Context, namespace, entity string, key []byte, height uint64, filter db.EventFilter) (*models.StateEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM state_events
		WHERE namespace = $1 AND entity_id = $2 AND key = $3 AND block_height <= $4
			AND (NOT $5::boolean OR NOT deleted)
			AND ($6::jsonb IS NULL OR (NOT deleted AND value_json @> $6::jsonb))
		ORDER BY block_height
		LIMIT 1`
	var contains any
	if len(filter.ValueContains) > 0 {
		contains = string(filter.ValueContains)
	}
	return optionalEvent(s.GetExecutor(ctx).QueryRow(ctx, query, namespace, entity, key, height, filter.SkipDeleted, contains))
}

func (s *Store) EventsBetween(ctx context.Context, namespace string, from, to uint64) ([]models.StateEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM state_events
		WHERE block_height BETWEEN $1 AND $2 AND ($3 = '' OR namespace = $3)
		ORDER BY block_height, namespace, entity_id, key`
	return collectEvents(s.GetExecutor(ctx).Query(ctx, query, from, to, namespace))
}

// ChangeBlocks searches both row tables through their generated dependent_key columns. Exact
// dependencies compare by equality, the rest by LIKE.
func (s *Store) ChangeBlocks(ctx context.Context, deps []models.DependentKey, from, to uint64, limit int) ([]models.Block, error) {
	if len(deps) == 0 || from > to {
		return nil, nil
	}
	exact := make([]string, 0, len(deps))
	patterns := make([]string, 0, len(deps))
	for _, d := range deps {
		if d.IsExact() {
			exact = append(exact, d.Key)
		} else {
			patterns = append(patterns, d.LikePattern())
		}
	}
	var lim *int64
	if limit > 0 {
		n := int64(limit)
		lim = &n
	}

	query := `
		SELECT block_height, MIN(block_time_ms)
		FROM (
			SELECT block_height, block_time_ms FROM state_events
			WHERE block_height BETWEEN $1 AND $2
				AND (dependent_key = ANY($3::text[]) OR dependent_key LIKE ANY($4::text[]))
			UNION ALL
			SELECT block_height, block_time_ms FROM transformations
			WHERE block_height BETWEEN $1 AND $2
				AND (dependent_key = ANY($3::text[]) OR dependent_key LIKE ANY($4::text[]))
		) AS changes
		GROUP BY block_height
		ORDER BY block_height
		LIMIT $5`
	rows, err := s.GetExecutor(ctx).Query(ctx, query, from, to, exact, patterns, lim)
	if err != nil {
		return nil, fmt.Errorf("change blocks: %w", err)
	}
	defer rows.Close()

	var out []models.Block
	for rows.Next() {
		var b models.Block
		if err := rows.Scan(&b.Height, &b.TimeUnixMs); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
