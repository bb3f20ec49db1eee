package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/canopy-network/statex/pkg/db/models"
)

const computationColumns = `id, target_address, type, formula, args, block_height, block_time_ms,
	latest_block_height_valid, validity_extendable, output, dependencies`

func scanComputation(row pgx.Row) (models.Computation, error) {
	var (
		c      models.Computation
		output *string
		deps   []byte
	)
	err := row.Scan(&c.ID, &c.TargetAddress, &c.Type, &c.Formula, &c.Args, &c.BlockHeight, &c.BlockTimeUnixMs,
		&c.LatestBlockHeightValid, &c.ValidityExtendable, &output, &deps)
	if err != nil {
		return models.Computation{}, err
	}
	if output != nil {
		c.Output = json.RawMessage(*output)
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &c.Dependencies); err != nil {
			return models.Computation{}, fmt.Errorf("decode dependencies of computation %d: %w", c.ID, err)
		}
		if len(c.Dependencies) == 0 {
			c.Dependencies = nil
		}
	}
	return c, nil
}

func collectComputations(rows pgx.Rows, err error) ([]models.Computation, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) LatestComputation(ctx context.Context, key models.ComputationKey, height uint64) (*models.Computation, error) {
	query := `
		SELECT ` + computationColumns + `
		FROM computations
		WHERE target_address = $1 AND type = $2 AND formula = $3 AND args = $4 AND block_height <= $5
		ORDER BY block_height DESC
		LIMIT 1`
	c, err := scanComputation(s.GetExecutor(ctx).QueryRow(ctx, query,
		key.TargetAddress, key.Type, key.Formula, key.Args, height))
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ComputationsInRange(ctx context.Context, key models.ComputationKey, after, upTo uint64) ([]models.Computation, error) {
	if after >= upTo {
		return nil, nil
	}
	query := `
		SELECT ` + computationColumns + `
		FROM computations
		WHERE target_address = $1 AND type = $2 AND formula = $3 AND args = $4
			AND block_height > $5 AND block_height <= $6
		ORDER BY block_height`
	return collectComputations(s.GetExecutor(ctx).Query(ctx, query,
		key.TargetAddress, key.Type, key.Formula, key.Args, after, upTo))
}

// ComputationsDependingOn matches exact dependencies through the key index and the remaining
// patterns with LIKE against every row key.
func (s *Store) ComputationsDependingOn(ctx context.Context, rowKeys []string) ([]models.Computation, error) {
	if len(rowKeys) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + computationColumns + `
		FROM computations c
		WHERE EXISTS (
			SELECT 1 FROM computation_dependencies d
			WHERE d.computation_id = c.id AND (
				(d.exact AND d.key = ANY($1::text[]))
				OR (NOT d.exact AND EXISTS (
					SELECT 1 FROM unnest($1::text[]) AS rk(k) WHERE rk.k LIKE d.pattern
				))
			)
		)
		ORDER BY c.id`
	return collectComputations(s.GetExecutor(ctx).Query(ctx, query, rowKeys))
}

// UpsertComputation writes the row and replaces its dependency index in one transaction.
func (s *Store) UpsertComputation(ctx context.Context, c *models.Computation) error {
	deps := c.Dependencies
	if deps == nil {
		deps = []models.DependentKey{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	var output *string
	if c.Output != nil {
		o := string(c.Output)
		output = &o
	}

	return s.InTx(ctx, func(ctx context.Context) error {
		exec := s.GetExecutor(ctx)
		err := exec.QueryRow(ctx, `
			INSERT INTO computations (target_address, type, formula, args, block_height, block_time_ms,
				latest_block_height_valid, validity_extendable, output, dependencies)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
			ON CONFLICT (target_address, type, formula, args, block_height) DO UPDATE SET
				block_time_ms = EXCLUDED.block_time_ms,
				latest_block_height_valid = GREATEST(computations.latest_block_height_valid, EXCLUDED.latest_block_height_valid),
				validity_extendable = EXCLUDED.validity_extendable,
				output = EXCLUDED.output,
				dependencies = EXCLUDED.dependencies
			RETURNING id, latest_block_height_valid`,
			c.TargetAddress, c.Type, c.Formula, c.Args, c.BlockHeight, c.BlockTimeUnixMs,
			c.LatestBlockHeightValid, c.ValidityExtendable, output, string(depsJSON),
		).Scan(&c.ID, &c.LatestBlockHeightValid)
		if err != nil {
			return fmt.Errorf("upsert computation %s/%s: %w", c.TargetAddress, c.Formula, err)
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM computation_dependencies WHERE computation_id = $1`, c.ID)
		for _, d := range models.DedupeDependentKeys(deps) {
			batch.Queue(`
				INSERT INTO computation_dependencies (computation_id, key, prefix, exact, pattern)
				VALUES ($1, $2, $3, $4, $5)`,
				c.ID, d.Key, d.Prefix, d.IsExact(), d.LikePattern())
		}
		return executeBatch(ctx, exec, batch)
	})
}

func (s *Store) UpdateComputationValidity(ctx context.Context, id int64, latestBlockHeightValid uint64) error {
	_, err := s.GetExecutor(ctx).Exec(ctx,
		`UPDATE computations SET latest_block_height_valid = $2 WHERE id = $1`, id, latestBlockHeightValid)
	if err != nil {
		return fmt.Errorf("update validity of computation %d: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteComputations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.GetExecutor(ctx).Exec(ctx, `DELETE FROM computations WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete computations: %w", err)
	}
	return nil
}

func (s *Store) DeleteComputationsForTarget(ctx context.Context, address string) (int64, error) {
	tag, err := s.GetExecutor(ctx).Exec(ctx, `DELETE FROM computations WHERE target_address = $1`, address)
	if err != nil {
		return 0, fmt.Errorf("delete computations for %s: %w", address, err)
	}
	return tag.RowsAffected(), nil
}
