package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

const transformationColumns = `entity_id, name, value, block_height, block_time_ms`

func scanTransformation(row pgx.Row) (models.Transformation, error) {
	var (
		tr    models.Transformation
		value []byte
	)
	if err := row.Scan(&tr.EntityID, &tr.Name, &value, &tr.BlockHeight, &tr.BlockTimeUnixMs); err != nil {
		return models.Transformation{}, err
	}
	if value != nil {
		tr.Value = json.RawMessage(value)
	}
	return tr, nil
}

func collectTransformations(rows pgx.Rows, err error) ([]models.Transformation, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transformation
	for rows.Next() {
		tr, err := scanTransformation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func optionalTransformation(row pgx.Row) (*models.Transformation, error) {
	tr, err := scanTransformation(row)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// namePattern renders a transformation name pattern as LIKE syntax.
func namePattern(pattern string) string {
	return models.DependentKey{Key: pattern}.LikePattern()
}

func codeIDParam(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func (s *Store) UpsertTransformations(ctx context.Context, transformations []models.Transformation) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO transformations (` + transformationColumns + `)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (entity_id, name, block_height) DO UPDATE SET
			value = EXCLUDED.value,
			block_time_ms = EXCLUDED.block_time_ms`
	for _, tr := range transformations {
		var value any
		if !tr.IsNull() {
			value = jsonParam(tr.Value)
		}
		batch.Queue(query, tr.EntityID, tr.Name, value, tr.BlockHeight, tr.BlockTimeUnixMs)
	}
	if err := executeBatch(ctx, s.GetExecutor(ctx), batch); err != nil {
		return fmt.Errorf("upsert transformations: %w", err)
	}
	return nil
}

func (s *Store) LatestTransformation(ctx context.Context, entity, name string, height uint64) (*models.Transformation, error) {
	query := `
		SELECT ` + transformationColumns + `
		FROM transformations
		WHERE entity_id = $1 AND name = $2 AND block_height <= $3
		ORDER BY block_height DESC
		LIMIT 1`
	return optionalTransformation(s.GetExecutor(ctx).QueryRow(ctx, query, entity, name, height))
}

func (s *Store) LatestTransformationsWithPrefix(ctx context.Context, entity, namePrefix string, height uint64) ([]models.Transformation, error) {
	query := `
		SELECT DISTINCT ON (name) ` + transformationColumns + `
		FROM transformations
		WHERE entity_id = $1 AND starts_with(name, $2) AND block_height <= $3
		ORDER BY name, block_height DESC`
	return collectTransformations(s.GetExecutor(ctx).Query(ctx, query, entity, namePrefix, height))
}

func (s *Store) MatchTransformations(ctx context.Context, q db.TransformationQuery, height uint64) ([]models.Transformation, error) {
	query := `
		SELECT DISTINCT ON (entity_id, name) ` + transformationColumns + `
		FROM transformations
		WHERE block_height <= $1
			AND ($2 = '' OR entity_id = $2)
			AND name LIKE $3
			AND (cardinality($4::bigint[]) = 0
				OR entity_id IN (SELECT address FROM entities WHERE code_id = ANY($4::bigint[])))
		ORDER BY entity_id, name, block_height DESC`
	return collectTransformations(s.GetExecutor(ctx).Query(ctx, query,
		height, q.Entity, namePattern(q.NamePattern), codeIDParam(q.CodeIDs)))
}

func (s *Store) FirstTransformation(ctx context.Context, q db.TransformationQuery, valueContains json.RawMessage, height uint64) (*models.Transformation, error) {
	query := `
		SELECT ` + transformationColumns + `
		FROM transformations
		WHERE block_height <= $1
			AND value IS NOT NULL
			AND ($2 = '' OR entity_id = $2)
			AND name LIKE $3
			AND (cardinality($4::bigint[]) = 0
				OR entity_id IN (SELECT address FROM entities WHERE code_id = ANY($4::bigint[])))
			AND ($5::jsonb IS NULL OR value @> $5::jsonb)
		ORDER BY block_height, entity_id, name
		LIMIT 1`
	return optionalTransformation(s.GetExecutor(ctx).QueryRow(ctx, query,
		height, q.Entity, namePattern(q.NamePattern), codeIDParam(q.CodeIDs), jsonParam(valueContains)))
}

func (s *Store) TransformationsBetween(ctx context.Context, from, to uint64) ([]models.Transformation, error) {
	query := `
		SELECT ` + transformationColumns + `
		FROM transformations
		WHERE block_height BETWEEN $1 AND $2
		ORDER BY block_height, entity_id, name`
	return collectTransformations(s.GetExecutor(ctx).Query(ctx, query, from, to))
}
