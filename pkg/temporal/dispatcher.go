package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/ingest"
)

type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// FollowOnDispatcher starts one follow-on workflow per commit. Starting the same commit twice
// is a no-op.
type FollowOnDispatcher struct {
	starter    workflowStarter
	queue      string
	workflowID string
	logger     *zap.Logger
}

var _ ingest.Dispatcher = (*FollowOnDispatcher)(nil)

func NewFollowOnDispatcher(c *Client, logger *zap.Logger) *FollowOnDispatcher {
	return &FollowOnDispatcher{
		starter:    c.TClient,
		queue:      c.FollowOnQueue,
		workflowID: c.FollowOnWorkflowID,
		logger:     logger,
	}
}

func (d *FollowOnDispatcher) Dispatch(ctx context.Context, c *ingest.Commit) error {
	// Entity-only commits carry no rows worth exporting.
	if len(c.Blocks) == 0 {
		return nil
	}
	options := FollowOnStartOptions(d.queue, fmt.Sprintf(d.workflowID, c.ID))

	_, err := d.starter.ExecuteWorkflow(ctx, options, FollowOnWorkflowName, FollowOnInput{Commit: c.Notification()})
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			d.logger.Debug("Follow-on workflow already started", zap.String("commit_id", c.ID))
			return nil
		}
		return err
	}
	d.logger.Debug("Started follow-on workflow", zap.String("commit_id", c.ID), zap.String("queue", d.queue))
	return nil
}

// FollowOnStartOptions builds the start options of a follow-on workflow. A failed run may be
// restarted under the same id, a successful one may not.
func FollowOnStartOptions(queue, workflowID string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             queue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowRunTimeout:    30 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
}
