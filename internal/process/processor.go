// Package process turns claimed raw documents into structured evidence items
// using LLM extraction.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civicnorth/tracker-cli/internal/job"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/store"
	"github.com/civicnorth/tracker-cli/pkg/anthropic"
)

const (
	defaultClaimLimit  = 50
	defaultConcurrency = 4
	extractMaxTokens   = 1024
)

const extractSystemPrompt = `You extract structured evidence records from Canadian government documents for a commitment tracking system.

Given a document, respond with ONLY a JSON object, no prose:
{
  "source_type": "legislative-event" | "gazette-notice" | "order-in-council" | "news-release" | "manual-entry" | "other",
  "source_key": "the underlying event identifier, e.g. the bill number C-5, or empty string",
  "title": "concise title of the government action",
  "description": "1-3 sentence factual summary of what the government did",
  "departments": ["responsible federal departments, full English names"],
  "key_concepts": "comma-separated policy concepts covered by the action"
}

Report only what the document states. Leave unknown fields empty.`

// extraction mirrors the JSON object the model is asked to produce.
type extraction struct {
	SourceType  string   `json:"source_type"`
	SourceKey   string   `json:"source_key"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Departments []string `json:"departments"`
	KeyConcepts string   `json:"key_concepts"`
}

// Processor is the processing-stage job: it claims pending raw documents,
// extracts an evidence item from each, and marks the document done or failed.
type Processor struct {
	name        string
	store       store.Store
	llm         anthropic.Client
	model       string
	claimLimit  int
	concurrency int
}

type Option func(*Processor)

func WithClaimLimit(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.claimLimit = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func NewProcessor(name string, st store.Store, llm anthropic.Client, extractModel string, opts ...Option) *Processor {
	p := &Processor{
		name:        name,
		store:       st,
		llm:         llm,
		model:       extractModel,
		claimLimit:  defaultClaimLimit,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Name() string       { return p.name }
func (p *Processor) Stage() model.Stage { return model.StageProcessing }

// Run claims a batch of pending documents and processes them concurrently.
// One document failing marks that document errored without stopping the rest.
func (p *Processor) Run(ctx context.Context) (*job.Result, error) {
	docs, err := p.store.ClaimRawDocuments(ctx, p.claimLimit)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return &job.Result{}, nil
	}

	var mu sync.Mutex
	res := &job.Result{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, doc := range docs {
		g.Go(func() error {
			err := p.processOne(gctx, doc)

			mu.Lock()
			defer mu.Unlock()
			res.ItemsProcessed++
			if err != nil {
				res.ErrorCount++
			} else {
				res.ItemsCreated++
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("processing complete",
		zap.Int("claimed", len(docs)),
		zap.Int("created", res.ItemsCreated),
		zap.Int("errors", res.ErrorCount),
	)
	return res, nil
}

func (p *Processor) processOne(ctx context.Context, doc model.RawDocument) error {
	item, err := p.extract(ctx, doc)
	if err != nil {
		zap.L().Warn("extraction failed",
			zap.String("document", doc.ID),
			zap.String("natural_key", doc.NaturalKey),
			zap.Error(err),
		)
		if completeErr := p.store.CompleteRawDocument(ctx, doc.ID, model.ProcessingFailed, err.Error()); completeErr != nil {
			zap.L().Error("failed to mark document errored", zap.String("document", doc.ID), zap.Error(completeErr))
		}
		return err
	}

	if err := p.store.CreateEvidence(ctx, *item); err != nil {
		if completeErr := p.store.CompleteRawDocument(ctx, doc.ID, model.ProcessingFailed, err.Error()); completeErr != nil {
			zap.L().Error("failed to mark document errored", zap.String("document", doc.ID), zap.Error(completeErr))
		}
		return err
	}
	return p.store.CompleteRawDocument(ctx, doc.ID, model.ProcessingDone, "")
}

func (p *Processor) extract(ctx context.Context, doc model.RawDocument) (*model.EvidenceItem, error) {
	temp := 0.0
	resp, err := p.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   extractMaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(extractSystemPrompt),
		Temperature: &temp,
		Messages: []anthropic.Message{
			{Role: "user", Content: buildDocumentPrompt(doc)},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "process: extract from %s", doc.NaturalKey)
	}
	resp.Usage.LogCost(p.model, "extraction")

	ext, err := parseExtraction(extractText(resp))
	if err != nil {
		return nil, eris.Wrapf(err, "process: parse extraction for %s", doc.NaturalKey)
	}

	item := &model.EvidenceItem{
		ID:            uuid.NewString(),
		SourceType:    normalizeSourceType(ext.SourceType),
		SourceKey:     strings.TrimSpace(ext.SourceKey),
		Title:         strings.TrimSpace(ext.Title),
		Description:   strings.TrimSpace(ext.Description),
		PublishedAt:   doc.PublishedAt,
		Departments:   ext.Departments,
		KeyConcepts:   strings.TrimSpace(ext.KeyConcepts),
		Session:       doc.Session,
		LinkingStatus: model.LinkingPending,
		CreatedAt:     time.Now().UTC(),
	}
	if item.Title == "" {
		item.Title = doc.Title
	}
	return item, nil
}

func buildDocumentPrompt(doc model.RawDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", doc.Title)
	if doc.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", doc.URL)
	}
	if !doc.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "Published: %s\n", doc.PublishedAt.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "\n%s", doc.Body)
	return b.String()
}

func parseExtraction(text string) (*extraction, error) {
	cleaned := cleanJSONObject(text)
	var ext extraction
	if err := json.Unmarshal([]byte(cleaned), &ext); err != nil {
		return nil, eris.Wrap(err, "unmarshal extraction")
	}
	return &ext, nil
}

func normalizeSourceType(s string) model.SourceType {
	switch model.SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case model.SourceLegislativeEvent:
		return model.SourceLegislativeEvent
	case model.SourceGazetteNotice:
		return model.SourceGazetteNotice
	case model.SourceOrderInCouncil:
		return model.SourceOrderInCouncil
	case model.SourceNewsRelease:
		return model.SourceNewsRelease
	case model.SourceManualEntry:
		return model.SourceManualEntry
	default:
		return model.SourceOther
	}
}

// extractText concatenates the text blocks of a response.
func extractText(resp *anthropic.MessageResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// cleanJSONObject strips markdown fences and slices to the outermost object.
func cleanJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
