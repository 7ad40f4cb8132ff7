package orchestrator

import "time"

// Job status constants. A job moves loading → complete | error | cancelled
// and never leaves a terminal state.
const (
	StatusLoading   = "loading"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Job is one generation unit: one (model, product) pair within a batch.
type Job struct {
	ID              string    `json:"id"`
	Seq             uint64    `json:"seq"`
	Status          string    `json:"status"`
	Progress        float64   `json:"progress"`
	ResultImageURL  string    `json:"resultImageUrl,omitempty"`
	Description     string    `json:"description,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	ModelIndex      int       `json:"modelIndex"`
	ProductIndex    int       `json:"productIndex"`
	Prompt          string    `json:"prompt"`
	AspectRatio     string    `json:"aspectRatio"`
	CreatedAt       time.Time `json:"createdAt"`
	ThumbnailLoaded bool      `json:"thumbnailLoaded"`

	// done closes on any terminal transition: it stops the progress
	// ticker and aborts the in-flight provider call. Never serialized.
	done chan struct{}
}

// IsTerminal reports whether the job can no longer change state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusComplete || j.Status == StatusError || j.Status == StatusCancelled
}

// JobRequest carries everything one dispatch needs.
type JobRequest struct {
	ModelImage   []byte
	ProductImage []byte
	Prompt       string
	AspectRatio  string
	ClientID     string
	Referer      string
}

// JobResult is what a successful dispatch produces.
type JobResult struct {
	URL         string
	Description string
}

// BatchRequest describes one generation batch.
type BatchRequest struct {
	Models          [][]byte
	Products        [][]byte
	Prompt          string
	AspectRatio     string
	AllCombinations bool
	ClientID        string
	Referer         string
}
