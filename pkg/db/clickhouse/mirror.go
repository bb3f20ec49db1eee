package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
)

const (
	StateEventsTableName      = "state_events"
	TransformationsTableName  = "transformations"
	exportInsertParallelism   = 2
	defaultMirrorDatabaseName = "statex"
)

// Mirror keeps an append-only analytics copy of committed events and transformations.
// Tables are ReplacingMergeTree keyed like the primary store, so exporting the same heights
// twice collapses on merge.
type Mirror struct {
	Client
	pool pond.Pool
}

// NewMirror connects and creates the database and tables.
func NewMirror(ctx context.Context, logger *zap.Logger, dbName string, poolConfig *PoolConfig) (*Mirror, error) {
	if dbName == "" {
		dbName = defaultMirrorDatabaseName
	}
	client, err := New(ctx, logger, dbName, poolConfig)
	if err != nil {
		return nil, err
	}
	m := &Mirror{Client: client, pool: pond.NewPool(exportInsertParallelism)}
	if err := m.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) InitializeDB(ctx context.Context) error {
	if err := m.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s %s", m.Database, m.OnCluster())); err != nil {
		return fmt.Errorf("create database %s: %w", m.Database, err)
	}
	for _, q := range []string{m.eventsDDL(), m.transformationsDDL()} {
		if err := m.Exec(ctx, q); err != nil {
			return err
		}
	}
	m.Logger.Info("ClickHouse mirror initialized", zap.String("database", m.Database))
	return nil
}

func (m *Mirror) eventsDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
	%s
) ENGINE = %s
PARTITION BY intDiv(block_height, 1000000)
ORDER BY (namespace, entity_id, key_hex, block_height)`,
		m.Database, StateEventsTableName, m.OnCluster(),
		models.ColumnsToSchemaSQL(models.StateEventColumns),
		m.Engine(ReplacingMergeTree, ""))
}

func (m *Mirror) transformationsDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
	%s
) ENGINE = %s
PARTITION BY intDiv(block_height, 1000000)
ORDER BY (entity_id, name, block_height)`,
		m.Database, TransformationsTableName, m.OnCluster(),
		models.ColumnsToSchemaSQL(models.TransformationColumns),
		m.Engine(ReplacingMergeTree, ""))
}

// Export inserts both row kinds in parallel.
func (m *Mirror) Export(ctx context.Context, events []models.StateEvent, transformations []models.Transformation) error {
	var eventsErr, transformationsErr error

	group := m.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	group.Submit(func() {
		eventsErr = m.insert(groupCtx, StateEventsTableName, models.StateEventColumns, len(events), func(b driver.Batch, i int) error {
			return b.Append(eventRow(events[i])...)
		})
	})
	group.Submit(func() {
		transformationsErr = m.insert(groupCtx, TransformationsTableName, models.TransformationColumns, len(transformations), func(b driver.Batch, i int) error {
			return b.Append(transformationRow(transformations[i])...)
		})
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	return errors.Join(eventsErr, transformationsErr)
}

func (m *Mirror) insert(ctx context.Context, table string, columns []models.ColumnDef, n int, appendRow func(driver.Batch, int) error) error {
	if n == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES`, m.Database, table, models.ColumnsToNameList(columns))
	batch, err := m.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for i := 0; i < n; i++ {
		if err := appendRow(batch, i); err != nil {
			return fmt.Errorf("append %s row %d: %w", table, i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", table, err)
	}
	return nil
}

// Close stops the insert pool and the connection.
func (m *Mirror) Close() error {
	m.pool.StopAndWait()
	return m.Client.Close()
}

// eventRow follows the StateEventColumns order.
func eventRow(e models.StateEvent) []any {
	return []any{
		e.Namespace,
		e.EntityID,
		keys.Hex(e.Key),
		e.Value,
		e.BlockHeight,
		time.UnixMilli(e.BlockTimeUnixMs).UTC(),
		e.Deleted,
	}
}

// transformationRow follows the TransformationColumns order. Null values stay NULL.
func transformationRow(t models.Transformation) []any {
	var value *string
	if !t.IsNull() {
		s := string(t.Value)
		value = &s
	}
	return []any{
		t.EntityID,
		t.Name,
		value,
		t.BlockHeight,
		time.UnixMilli(t.BlockTimeUnixMs).UTC(),
	}
}
