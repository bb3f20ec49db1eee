package workflow

import "github.com/canopy-network/statex/app/worker/activity"

// Context holds what the workflows need to reference their activities.
type Context struct {
	ActivityContext *activity.Context
}
