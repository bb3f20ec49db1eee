package clickhouse

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/canopy-network/statex/pkg/db/models"
)

func TestGetPoolConfigForComponent(t *testing.T) {
	tests := []struct {
		component string
		wantOpen  int
		wantIdle  int
	}{
		{component: "worker", wantOpen: 10, wantIdle: 3},
		{component: "query", wantOpen: 5, wantIdle: 2},
		{component: "other", wantOpen: 20, wantIdle: 5},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			cfg := GetPoolConfigForComponent(tt.component)
			require.Equal(t, tt.wantOpen, cfg.MaxOpenConns)
			require.Equal(t, tt.wantIdle, cfg.MaxIdleConns)
			require.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
			require.Equal(t, tt.component, cfg.Component)
		})
	}
}

func TestGetPoolConfigCapsIdleAtOpen(t *testing.T) {
	t.Setenv("CLICKHOUSE_MAX_OPEN_CONNS", "4")
	t.Setenv("CLICKHOUSE_MAX_IDLE_CONNS", "9")
	t.Setenv("CLICKHOUSE_CONN_MAX_LIFETIME", "90s")

	cfg := GetPoolConfigForComponent("")
	require.Equal(t, 4, cfg.MaxOpenConns)
	require.Equal(t, 4, cfg.MaxIdleConns)
	require.Equal(t, 90*time.Second, cfg.ConnMaxLifetime)
}

func TestDSNParsing(t *testing.T) {
	require.Equal(t, []string{"h1:9000", "h2:9000"}, extractReplicas("clickhouse://u:p@h1:9000,h2:9000/db?x=1"))
	require.Equal(t, []string{"localhost:9000"}, extractReplicas("clickhouse://"))

	user, pass := extractCredentials("clickhouse://u:p@h1:9000")
	require.Equal(t, "u", user)
	require.Equal(t, "p", pass)
	user, pass = extractCredentials("tcp://h1:9000")
	require.Equal(t, "default", user)
	require.Equal(t, "", pass)
}

func TestParseConnOpenStrategy(t *testing.T) {
	require.Equal(t, clickhouse.ConnOpenRoundRobin, parseConnOpenStrategy("round_robin"))
	require.Equal(t, clickhouse.ConnOpenRandom, parseConnOpenStrategy(" Random "))
	require.Equal(t, clickhouse.ConnOpenInOrder, parseConnOpenStrategy("bogus"))
}

func TestEngineAndCluster(t *testing.T) {
	c := &Client{}
	require.Equal(t, "ReplacingMergeTree", c.Engine(ReplacingMergeTree, ""))
	require.Equal(t, "", c.OnCluster())

	c.Cluster = "statex"
	require.Equal(t, "ReplicatedReplacingMergeTree(block_height)", c.Engine(ReplacingMergeTree, "block_height"))
	require.Equal(t, "ON CLUSTER statex", c.OnCluster())
}

func TestMirrorDDL(t *testing.T) {
	m := &Mirror{Client: Client{Database: "statex_test"}}
	ddl := m.eventsDDL()
	require.Contains(t, ddl, `"statex_test"."state_events"`)
	require.Contains(t, ddl, "block_height UInt64 CODEC(Delta, ZSTD(3))")
	require.Contains(t, ddl, "ORDER BY (namespace, entity_id, key_hex, block_height)")
	require.True(t, strings.Contains(m.transformationsDDL(), "value Nullable(String)"))
}

func TestRows(t *testing.T) {
	row := eventRow(models.StateEvent{
		Namespace: "wasm", EntityID: "token", Key: []byte{0xab}, Value: "1",
		BlockHeight: 7, BlockTimeUnixMs: 7000,
	})
	require.Len(t, row, len(models.StateEventColumns))
	require.Equal(t, "ab", row[2])
	require.Equal(t, time.UnixMilli(7000).UTC(), row[5])

	nullRow := transformationRow(models.Transformation{EntityID: "token", Name: "balance:a", Value: json.RawMessage("null")})
	require.Len(t, nullRow, len(models.TransformationColumns))
	require.Nil(t, nullRow[2])

	valueRow := transformationRow(models.Transformation{EntityID: "token", Name: "balance:a", Value: json.RawMessage(`"5"`)})
	require.Equal(t, `"5"`, *(valueRow[2].(*string)))
}
