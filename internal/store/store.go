// Package store implements the document store contract for the promise
// tracking pipeline: raw documents, evidence items, promises, links, job
// execution history, and alerts.
package store

import (
	"context"

	"github.com/civicnorth/tracker-cli/internal/model"
)

// ExecutionFilter specifies criteria for listing job execution records.
type ExecutionFilter struct {
	JobName string                `json:"job_name,omitempty"`
	Stage   model.Stage           `json:"stage,omitempty"`
	Status  model.ExecutionStatus `json:"status,omitempty"`
	Limit   int                   `json:"limit,omitempty"`
	Offset  int                   `json:"offset,omitempty"`
}

// Store defines the persistence interface for the pipeline. Status fields
// double as coordination markers: Claim* methods perform conditional writes
// so that two concurrent runs never double-process the same document.
type Store interface {
	// Raw documents
	// UpsertRawDocument inserts a document unless one with the same
	// (source, natural_key) exists. Returns true when a row was created.
	UpsertRawDocument(ctx context.Context, doc model.RawDocument) (bool, error)
	// ClaimRawDocuments transitions up to limit pending documents to
	// processing and returns them.
	ClaimRawDocuments(ctx context.Context, limit int) ([]model.RawDocument, error)
	CompleteRawDocument(ctx context.Context, id string, status model.ProcessingStatus, errMsg string) error

	// Evidence items
	CreateEvidence(ctx context.Context, item model.EvidenceItem) error
	GetEvidence(ctx context.Context, id string) (*model.EvidenceItem, error)
	// ListLinkableEvidence returns items whose status is pending or
	// needs_relinking, oldest publication first.
	ListLinkableEvidence(ctx context.Context, limit int) ([]model.EvidenceItem, error)
	// ClaimEvidence conditionally transitions an item from one status to
	// another. Returns false without error when the item was not in the
	// expected status (someone else claimed it).
	ClaimEvidence(ctx context.Context, id string, from, to model.LinkingStatus) (bool, error)
	// FinishEvidence writes the terminal linking outcome for an item.
	FinishEvidence(ctx context.Context, id string, status model.LinkingStatus, promiseIDs []string, errMsg string) error
	// ResetErroredEvidence re-queues all error items as needs_relinking.
	ResetErroredEvidence(ctx context.Context) (int, error)
	// FindLinkedSibling returns a linked evidence item sharing the same
	// source key, if any. Used by the duplicate-source bypass.
	FindLinkedSibling(ctx context.Context, sourceKey, excludeID string) (*model.EvidenceItem, error)

	// Promises
	CreatePromise(ctx context.Context, p model.Promise) error
	GetPromise(ctx context.Context, id string) (*model.Promise, error)
	GetPromises(ctx context.Context, ids []string) ([]model.Promise, error)
	ListPromisesBySession(ctx context.Context, session string) ([]model.Promise, error)
	UpdatePromiseScore(ctx context.Context, id string, score int) error
	AppendPromiseEvidence(ctx context.Context, promiseID, evidenceID string) error

	// Links
	GetActiveLink(ctx context.Context, promiseID, evidenceID string) (*model.Link, error)
	ListActiveLinksByEvidence(ctx context.Context, evidenceID string) ([]model.Link, error)
	ListActiveLinksByPromise(ctx context.Context, promiseID string) ([]model.Link, error)
	CreateLink(ctx context.Context, link model.Link) error
	UpdateLinkConfidence(ctx context.Context, id string, confidence float64, reasons []string) error
	SupersedeLink(ctx context.Context, id string) error

	// Job execution history
	AppendExecution(ctx context.Context, rec model.JobExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*model.JobExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.JobExecutionRecord, error)

	// Alerts
	CreateAlert(ctx context.Context, alert model.Alert) error
	ListAlerts(ctx context.Context, includeResolved bool, limit int) ([]model.Alert, error)
	ResolveAlert(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
