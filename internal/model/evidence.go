package model

import (
	"strings"
	"time"
)

// SourceType identifies the kind of government record an evidence item
// was derived from.
type SourceType string

const (
	SourceLegislativeEvent SourceType = "legislative-event"
	SourceGazetteNotice    SourceType = "gazette-notice"
	SourceOrderInCouncil   SourceType = "order-in-council"
	SourceNewsRelease      SourceType = "news-release"
	SourceManualEntry      SourceType = "manual-entry"
	SourceOther            SourceType = "other"
)

// LinkingStatus tracks where an evidence item is in the linking lifecycle.
type LinkingStatus string

const (
	LinkingPending        LinkingStatus = "pending"
	LinkingProcessing     LinkingStatus = "processing"
	LinkingLinked         LinkingStatus = "linked"
	LinkingNoMatches      LinkingStatus = "no_matches"
	LinkingError          LinkingStatus = "error"
	LinkingNeedsRelinking LinkingStatus = "needs_relinking"
)

// EvidenceItem is a structured record of a government action, extracted from
// a raw ingested document.
type EvidenceItem struct {
	ID            string        `json:"id"`
	SourceType    SourceType    `json:"source_type"`
	SourceKey     string        `json:"source_key,omitempty"` // natural key of the underlying event, e.g. bill number
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	PublishedAt   time.Time     `json:"published_at"`
	Departments   []string      `json:"departments,omitempty"`
	KeyConcepts   string        `json:"key_concepts,omitempty"`
	Session       string        `json:"session"`
	LinkingStatus LinkingStatus `json:"linking_status"`
	PromiseIDs    []string      `json:"promise_ids,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CombinedText returns the concatenated text used for embedding comparison.
func (e EvidenceItem) CombinedText() string {
	parts := []string{e.Title}
	if e.Description != "" {
		parts = append(parts, e.Description)
	}
	if e.KeyConcepts != "" {
		parts = append(parts, e.KeyConcepts)
	}
	return strings.Join(parts, "\n")
}

// Linkable reports whether the item is eligible for a linker run.
func (e EvidenceItem) Linkable() bool {
	return e.LinkingStatus == LinkingPending || e.LinkingStatus == LinkingNeedsRelinking
}
