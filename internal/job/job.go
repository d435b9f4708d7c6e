// Package job defines the pipeline job contract and the runner that
// executes jobs with timeouts, retries, and execution history.
package job

import (
	"context"

	"github.com/civicnorth/tracker-cli/internal/model"
)

// Job is a single pipeline stage unit of work.
type Job interface {
	Name() string
	Stage() model.Stage
	Run(ctx context.Context) (*Result, error)
}

// Result carries the counters a job reports for one run.
type Result struct {
	ItemsProcessed int `json:"items_processed"`
	ItemsCreated   int `json:"items_created"`
	ItemsUpdated   int `json:"items_updated"`
	ItemsSkipped   int `json:"items_skipped"`
	ErrorCount     int `json:"error_count"`
	// Metadata holds job-specific counters, e.g. new_links_created.
	Metadata map[string]int `json:"metadata,omitempty"`
}

// Counter looks up a named counter, covering both the built-in fields
// and job-specific metadata. Trigger conditions are evaluated against it.
func (r *Result) Counter(name string) (int, bool) {
	if r == nil {
		return 0, false
	}
	switch name {
	case "items_processed":
		return r.ItemsProcessed, true
	case "items_created":
		return r.ItemsCreated, true
	case "items_updated":
		return r.ItemsUpdated, true
	case "items_skipped":
		return r.ItemsSkipped, true
	case "error_count":
		return r.ErrorCount, true
	}
	v, ok := r.Metadata[name]
	return v, ok
}

// AddMetadata increments a job-specific counter.
func (r *Result) AddMetadata(name string, delta int) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]int)
	}
	r.Metadata[name] += delta
}
