package ingester

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/ingest"
)

// StreamStats counts one stream's progress.
type StreamStats struct {
	Received        atomic.Int64
	Dropped         atomic.Int64
	Commits         atomic.Int64
	LastHeight      atomic.Uint64
	Halted          atomic.Bool
	Transformations atomic.Int64
}

// Stats tracks every stream of the process. It also receives commits as a dispatcher.
type Stats struct {
	streams *xsync.Map[string, *StreamStats]
}

var _ ingest.Dispatcher = (*Stats)(nil)

func NewStats() *Stats {
	return &Stats{streams: xsync.NewMap[string, *StreamStats]()}
}

// Stream returns the counters of stream, creating them on first use.
func (s *Stats) Stream(stream string) *StreamStats {
	if st, ok := s.streams.Load(stream); ok {
		return st
	}
	st, _ := s.streams.LoadOrStore(stream, &StreamStats{})
	return st
}

func (s *Stats) Dispatch(_ context.Context, c *ingest.Commit) error {
	st := s.Stream(c.Stream)
	st.Commits.Add(1)
	st.Transformations.Add(int64(len(c.Transformations)))
	if h := c.LatestBlock().Height; h > st.LastHeight.Load() {
		st.LastHeight.Store(h)
	}
	return nil
}

// Log writes one line per stream.
func (s *Stats) Log(logger *zap.Logger) {
	s.streams.Range(func(stream string, st *StreamStats) bool {
		logger.Info("Stream progress",
			zap.String("stream", stream),
			zap.Int64("received", st.Received.Load()),
			zap.Int64("dropped", st.Dropped.Load()),
			zap.Int64("commits", st.Commits.Load()),
			zap.Int64("transformations", st.Transformations.Load()),
			zap.Uint64("last_height", st.LastHeight.Load()),
			zap.Bool("halted", st.Halted.Load()))
		return true
	})
}
