package activity

import (
	"context"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/ingest"
)

// Exporter writes committed rows to the analytics mirror.
type Exporter interface {
	Export(ctx context.Context, events []models.StateEvent, transformations []models.Transformation) error
}

// Notifier announces that a commit was exported.
type Notifier interface {
	NotifyExported(ctx context.Context, note ingest.Notification) error
}

type Context struct {
	Logger   *zap.Logger
	Store    db.Reader
	Exporter Exporter
	// Notifier is optional; without it NotifyExported only logs.
	Notifier Notifier
}
