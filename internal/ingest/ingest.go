// Package ingest pulls government documents from external sources into the
// raw document table, deduplicating on each source's natural key.
package ingest

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicnorth/tracker-cli/internal/job"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/store"
)

// Source produces raw documents from an external system. Fetch returns the
// current window of documents; deduplication happens at the store.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]model.RawDocument, error)
}

// Ingestor is the ingestion-stage job for one source.
type Ingestor struct {
	name   string
	source Source
	store  store.Store
}

func NewIngestor(name string, src Source, st store.Store) *Ingestor {
	return &Ingestor{name: name, source: src, store: st}
}

func (i *Ingestor) Name() string       { return i.name }
func (i *Ingestor) Stage() model.Stage { return model.StageIngestion }

// Run fetches the source window and upserts each document. A failed upsert
// counts as an error but does not abort the rest of the batch.
func (i *Ingestor) Run(ctx context.Context) (*job.Result, error) {
	docs, err := i.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	res := &job.Result{}
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		doc.Source = i.source.Name()
		doc.Status = model.ProcessingPending

		created, err := i.store.UpsertRawDocument(ctx, doc)
		if err != nil {
			res.ErrorCount++
			zap.L().Warn("failed to upsert document",
				zap.String("source", i.source.Name()),
				zap.String("natural_key", doc.NaturalKey),
				zap.Error(err),
			)
			continue
		}
		res.ItemsProcessed++
		if created {
			res.ItemsCreated++
		} else {
			res.ItemsSkipped++
		}
	}

	zap.L().Info("ingestion complete",
		zap.String("source", i.source.Name()),
		zap.Int("fetched", len(docs)),
		zap.Int("created", res.ItemsCreated),
		zap.Int("skipped", res.ItemsSkipped),
		zap.Int("errors", res.ErrorCount),
	)
	return res, nil
}
