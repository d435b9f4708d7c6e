package model

import "time"

// Stage identifies a pipeline stage.
type Stage string

const (
	StageIngestion  Stage = "ingestion"
	StageProcessing Stage = "processing"
	StageLinking    Stage = "linking"
	StageScoring    Stage = "scoring"
)

// ValidStage reports whether s names a known pipeline stage.
func ValidStage(s Stage) bool {
	switch s {
	case StageIngestion, StageProcessing, StageLinking, StageScoring:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the terminal state of a job run attempt.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
	ExecutionTimeout ExecutionStatus = "timeout"
	ExecutionBusy    ExecutionStatus = "busy"
)

// JobExecutionRecord is one row per job run attempt.
type JobExecutionRecord struct {
	ID        string          `json:"id"`
	JobName   string          `json:"job_name"`
	Stage     Stage           `json:"stage"`
	Status    ExecutionStatus `json:"status"`
	Attempt   int             `json:"attempt"` // 1-based
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Error     string          `json:"error,omitempty"`

	ItemsProcessed int `json:"items_processed"`
	ItemsCreated   int `json:"items_created"`
	ItemsUpdated   int `json:"items_updated"`
	ItemsSkipped   int `json:"items_skipped"`
	ErrorCount     int `json:"error_count"`

	// Metadata carries job-specific counters (e.g. new_links_created).
	Metadata map[string]int `json:"metadata,omitempty"`
}

// Alert records a job run that exhausted its retries or failed permanently.
type Alert struct {
	ID        string    `json:"id"`
	JobName   string    `json:"job_name"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}
