package temporal

import "github.com/canopy-network/statex/pkg/ingest"

const DefaultNamespace = "statex"

const QueueFollowOn = "followon"

const (
	WorkflowIDFollowOn = "followon:%s"

	// FollowOnWorkflowName is the registered name of the post-commit workflow.
	FollowOnWorkflowName = "FollowOnWorkflow"
)

// FollowOnInput is the payload of one follow-on workflow: the commit summary. Activities
// read the committed rows back from the store by height range, which keeps the payload small.
type FollowOnInput struct {
	Commit ingest.Notification `json:"commit"`
}
