package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/dbtest"
	"github.com/canopy-network/statex/pkg/db/models"
)

// TestStore runs the shared store suite against a live database. Each subtest truncates the
// tables first, so POSTGRES_URL must point at a scratch database.
func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	if os.Getenv("POSTGRES_URL") == "" {
		t.Skip("POSTGRES_URL not set")
	}

	dbtest.Run(t, func(t *testing.T) db.Store {
		ctx := context.Background()
		s, err := NewStore(ctx, zaptest.NewLogger(t), GetPoolConfigForComponent("test"))
		require.NoError(t, err)
		_, err = s.Pool.Exec(ctx, `TRUNCATE state_events, transformations, entities, blocks, computations, computation_dependencies`)
		require.NoError(t, err)
		return s
	})
}

func TestNamePattern(t *testing.T) {
	require.Equal(t, `hasBalance:%`, namePattern("hasBalance:*"))
	require.Equal(t, `member\_count:w1`, namePattern("member_count:w1"))
	require.Equal(t, `100\%`, namePattern("100%"))
}

func TestJSONParam(t *testing.T) {
	require.Nil(t, jsonParam(nil))
	require.Nil(t, jsonParam([]byte(`{"broken"`)))
	require.Equal(t, `{"a":1}`, jsonParam([]byte(`{"a":1}`)))
}

func TestCodeIDParam(t *testing.T) {
	require.Equal(t, []int64{}, codeIDParam(nil))
	require.Equal(t, []int64{1, 9}, codeIDParam([]uint64{1, 9}))
}

func TestPoolConfigForComponent(t *testing.T) {
	require.Equal(t, int32(40), GetPoolConfigForComponent("query").MaxConns)
	require.Equal(t, int32(20), GetPoolConfigForComponent("other").MaxConns)
	require.Equal(t, "ingester", GetPoolConfigForComponent("ingester").Component)
}

func TestDependencyRowsUseLikePatterns(t *testing.T) {
	d := models.DependentKey{Key: "wasm:c1:00", Prefix: true}
	require.False(t, d.IsExact())
	require.Equal(t, "wasm:c1:00%", d.LikePattern())
}
