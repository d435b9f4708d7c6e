// Package model defines the shared data types for the promise tracking pipeline.
package model

import (
	"strings"
	"time"
)

// Promise is a tracked government commitment, the scoring target.
type Promise struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	Description    string     `json:"description,omitempty"`
	Background     string     `json:"background,omitempty"`
	Department     string     `json:"department"`
	PolicyTags     []string   `json:"policy_tags,omitempty"`
	Session        string     `json:"session"`
	ProgressScore  *int       `json:"progress_score,omitempty"` // 1-5, nil until first scoring
	LastScoredAt   *time.Time `json:"last_scored_at,omitempty"`
	EvidenceIDs    []string   `json:"evidence_ids,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CombinedText returns the concatenated text used for embedding comparison.
func (p Promise) CombinedText() string {
	parts := []string{p.Text}
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	if p.Background != "" {
		parts = append(parts, p.Background)
	}
	return strings.Join(parts, "\n")
}

// HasEvidence reports whether the promise already references the evidence id.
func (p Promise) HasEvidence(evidenceID string) bool {
	for _, id := range p.EvidenceIDs {
		if id == evidenceID {
			return true
		}
	}
	return false
}
