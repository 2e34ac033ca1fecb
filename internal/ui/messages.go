package ui

import (
	"github.com/waveclip/waveclip/internal/pipeline"
)

// UpdateMsg carries a session observation from the pipeline goroutine.
type UpdateMsg struct {
	Update pipeline.ProgressUpdate
}

// ResultMsg indicates the run has finished, one way or the other.
type ResultMsg struct {
	OutputPath string
	Summary    string // rendered generation summary, empty on failure
	Err        error
}
