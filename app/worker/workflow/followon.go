package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/app/worker/types"
	statextemporal "github.com/canopy-network/statex/pkg/temporal"
)

// FollowOnWorkflow runs after a commit: it exports the committed heights to the analytics
// mirror and then announces the export.
func (wc *Context) FollowOnWorkflow(ctx workflow.Context, input statextemporal.FollowOnInput) (types.WorkflowFollowOnOutput, error) {
	start := workflow.Now(ctx)
	logger := workflow.GetLogger(ctx)
	commit := input.Commit

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})

	var exported types.ActivityExportCommitOutput
	err := workflow.ExecuteActivity(ctx, wc.ActivityContext.ExportCommit, types.ActivityExportCommitInput{
		CommitID:   commit.ID,
		FromHeight: commit.FromHeight,
		ToHeight:   commit.LatestBlock.Height,
	}).Get(ctx, &exported)
	if err != nil {
		logger.Error("Failed to export commit",
			zap.String("commitId", commit.ID),
			zap.Uint64("fromHeight", commit.FromHeight),
			zap.Uint64("toHeight", commit.LatestBlock.Height),
			zap.Error(err))
		return types.WorkflowFollowOnOutput{}, err
	}

	// Notification is best effort once the rows are exported.
	notifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	if err := workflow.ExecuteActivity(notifyCtx, wc.ActivityContext.NotifyExported, commit).Get(ctx, nil); err != nil {
		logger.Warn("Failed to announce export", zap.String("commitId", commit.ID), zap.Error(err))
	}

	durationMs := float64(workflow.Now(ctx).Sub(start).Milliseconds())
	logger.Info("Follow-on workflow completed",
		zap.String("commitId", commit.ID),
		zap.Int("events", exported.Events),
		zap.Int("transformations", exported.Transformations),
		zap.Float64("durationMs", durationMs))

	return types.WorkflowFollowOnOutput{
		CommitID:        commit.ID,
		Events:          exported.Events,
		Transformations: exported.Transformations,
		DurationMs:      durationMs,
	}, nil
}
