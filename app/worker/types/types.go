package types

// ActivityExportCommitInput selects the committed heights to copy into the mirror.
type ActivityExportCommitInput struct {
	CommitID   string `json:"commitId"`
	FromHeight uint64 `json:"fromHeight"`
	ToHeight   uint64 `json:"toHeight"`
}

type ActivityExportCommitOutput struct {
	Events          int     `json:"events"`
	Transformations int     `json:"transformations"`
	DurationMs      float64 `json:"durationMs"`
}

type WorkflowFollowOnOutput struct {
	CommitID        string  `json:"commitId"`
	Events          int     `json:"events"`
	Transformations int     `json:"transformations"`
	DurationMs      float64 `json:"durationMs"`
}
