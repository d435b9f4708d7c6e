package model

import "time"

// LinkCategory classifies how an evidence item relates to a promise.
type LinkCategory string

const (
	CategoryDirectImplementation LinkCategory = "direct-implementation"
	CategorySupportingAction     LinkCategory = "supporting-action"
	CategoryRelatedPolicy        LinkCategory = "related-policy"
	CategoryNotRelated           LinkCategory = "not-related"
)

// Accepted reports whether the category qualifies for a persisted link.
// not-related judgments are recorded in run metadata only, never stored.
func (c LinkCategory) Accepted() bool {
	switch c {
	case CategoryDirectImplementation, CategorySupportingAction, CategoryRelatedPolicy:
		return true
	default:
		return false
	}
}

// Strength orders categories for progress scoring. Higher is stronger.
func (c LinkCategory) Strength() int {
	switch c {
	case CategoryDirectImplementation:
		return 3
	case CategorySupportingAction:
		return 2
	case CategoryRelatedPolicy:
		return 1
	default:
		return 0
	}
}

// LinkStatus is the lifecycle state of a promise-evidence link.
type LinkStatus string

const (
	LinkActive     LinkStatus = "active"
	LinkSuperseded LinkStatus = "superseded"
)

// Link records an accepted relationship between one promise and one evidence
// item. At most one active link may exist per (promise, evidence) pair.
type Link struct {
	ID           string       `json:"id"`
	PromiseID    string       `json:"promise_id"`
	EvidenceID   string       `json:"evidence_id"`
	Confidence   float64      `json:"confidence"` // 0.0-1.0
	Category     LinkCategory `json:"category"`
	MatchReasons []string     `json:"match_reasons,omitempty"`
	CreatedBy    string       `json:"created_by"` // job name that produced the link
	Status       LinkStatus   `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
