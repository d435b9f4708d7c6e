package model

import "time"

// ProcessingStatus tracks whether a raw document has been turned into evidence.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingDone       ProcessingStatus = "processed"
	ProcessingFailed     ProcessingStatus = "error"
)

// RawDocument is an ingested government document prior to evidence extraction.
type RawDocument struct {
	ID          string           `json:"id"`
	Source      string           `json:"source"`      // ingestion source name
	NaturalKey  string           `json:"natural_key"` // dedup key within the source, e.g. bill id + stage
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	URL         string           `json:"url,omitempty"`
	Session     string           `json:"session"`
	PublishedAt time.Time        `json:"published_at"`
	Status      ProcessingStatus `json:"evidence_processing_status"`
	Error       string           `json:"error,omitempty"`
	IngestedAt  time.Time        `json:"ingested_at"`
}
