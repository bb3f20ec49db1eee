package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/dbtest"
	"github.com/canopy-network/statex/pkg/db/models"
)

func TestStore(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) db.Store { return New() })
}

func TestConcurrentReadsDuringTx(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertBlocks(ctx, []models.Block{{Height: 1, TimeUnixMs: 1}}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(h uint64) {
			defer wg.Done()
			_ = s.InTx(ctx, func(ctx context.Context) error {
				return s.UpsertBlocks(ctx, []models.Block{{Height: h, TimeUnixMs: int64(h)}})
			})
			_, _ = s.LatestBlock(ctx)
		}(uint64(i + 2))
	}
	wg.Wait()

	b, err := s.LatestBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9), b.Height)
}
