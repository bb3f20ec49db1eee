package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	workflowservicepb "go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/utils"
)

type Client struct {
	TClient   client.Client
	Namespace string

	// FollowOnQueue carries the post-commit export and notification workflows.
	FollowOnQueue string
	// FollowOnWorkflowID is formatted with the commit id.
	FollowOnWorkflowID string
}

type Health struct {
	ConnectionOK  bool                      `json:"connection_ok"`
	FollowOnQueue []*taskqueuepb.PollerInfo `json:"follow_on_queue"`
}

// NewClient dials TEMPORAL_HOSTPORT in TEMPORAL_NAMESPACE and checks the server answers.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", DefaultNamespace)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))
	tClient, err := Dial(ctx, host, ns, NewZapAdapter(logger))
	if err != nil {
		return nil, err
	}
	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		tClient.Close()
		return nil, err
	}

	return &Client{
		TClient:            tClient,
		Namespace:          ns,
		FollowOnQueue:      utils.Env("TEMPORAL_FOLLOW_ON_QUEUE", QueueFollowOn),
		FollowOnWorkflowID: WorkflowIDFollowOn,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// GetFollowOnWorkflowID returns the workflow id for a commit.
func (c *Client) GetFollowOnWorkflowID(commitID string) string {
	return fmt.Sprintf(c.FollowOnWorkflowID, commitID)
}

// Health reports the pollers listening on the follow-on queue.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	svc := c.TClient.WorkflowService()
	if svc == nil {
		return h, nil
	}
	rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
		Namespace:     c.Namespace,
		TaskQueue:     &taskqueuepb.TaskQueue{Name: c.FollowOnQueue},
		TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
	})
	if err != nil {
		h.ConnectionOK = false
		return h, err
	}
	h.FollowOnQueue = rep.GetPollers()
	return h, nil
}

func (c *Client) Close() {
	c.TClient.Close()
}
