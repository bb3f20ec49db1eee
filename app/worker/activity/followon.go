package activity

import (
	"context"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/app/worker/types"
	"github.com/canopy-network/statex/pkg/ingest"
)

// ExportCommit reads the committed heights back from the store and copies them into the
// mirror. Exporting a range twice is harmless.
func (c *Context) ExportCommit(ctx context.Context, in types.ActivityExportCommitInput) (types.ActivityExportCommitOutput, error) {
	start := time.Now()
	if in.FromHeight == 0 || in.ToHeight < in.FromHeight {
		return types.ActivityExportCommitOutput{}, sdktemporal.NewNonRetryableApplicationError("invalid export range", "invalid_range", nil)
	}

	events, err := c.Store.EventsBetween(ctx, "", in.FromHeight, in.ToHeight)
	if err != nil {
		return types.ActivityExportCommitOutput{}, sdktemporal.NewApplicationErrorWithCause("read_events_failed", "store_error", err)
	}
	transformations, err := c.Store.TransformationsBetween(ctx, in.FromHeight, in.ToHeight)
	if err != nil {
		return types.ActivityExportCommitOutput{}, sdktemporal.NewApplicationErrorWithCause("read_transformations_failed", "store_error", err)
	}
	if err := c.Exporter.Export(ctx, events, transformations); err != nil {
		return types.ActivityExportCommitOutput{}, sdktemporal.NewApplicationErrorWithCause("export_failed", "mirror_error", err)
	}

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	c.Logger.Debug("Exported commit",
		zap.String("commit_id", in.CommitID),
		zap.Uint64("from_height", in.FromHeight),
		zap.Uint64("to_height", in.ToHeight),
		zap.Int("events", len(events)),
		zap.Int("transformations", len(transformations)),
		zap.Float64("duration_ms", durationMs))

	return types.ActivityExportCommitOutput{
		Events:          len(events),
		Transformations: len(transformations),
		DurationMs:      durationMs,
	}, nil
}

// NotifyExported publishes the export notification.
func (c *Context) NotifyExported(ctx context.Context, note ingest.Notification) error {
	if c.Notifier == nil {
		c.Logger.Debug("No notifier configured", zap.String("commit_id", note.ID))
		return nil
	}
	return c.Notifier.NotifyExported(ctx, note)
}
