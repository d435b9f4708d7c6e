// Package validator judges whether a piece of government activity relates
// to a stated commitment, using an LLM over batched pairs.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/civicnorth/tracker-cli/internal/resilience"
	"github.com/civicnorth/tracker-cli/pkg/anthropic"
)

// Relationship categories, strongest to weakest.
const (
	CategoryDirectImplementation = "direct-implementation"
	CategorySupportingAction     = "supporting-action"
	CategoryRelatedPolicy        = "related-policy"
	CategoryNotRelated           = "not-related"
)

// Pair is one commitment/activity pairing to judge.
type Pair struct {
	ID           string
	PromiseText  string
	EvidenceText string
}

// Verdict is the judgement for a single pair.
type Verdict struct {
	PairID     string
	Confidence float64
	Category   string
	Reasoning  string
}

const systemPrompt = `You are an analyst for a government accountability tracker. You judge whether a concrete government action (a bill event, regulation, order in council, or announcement) relates to a stated government commitment.

For each numbered pair you receive, decide:
- category: one of "direct-implementation" (the action implements the commitment), "supporting-action" (the action materially advances it), "related-policy" (same policy area, but does not advance the commitment), or "not-related".
- confidence: 0.0 to 1.0, how certain you are the action relates to the commitment as categorized.
- reasoning: one short sentence.

Respond with ONLY a JSON array, one object per pair:
[{"pair_id": "...", "category": "...", "confidence": 0.0, "reasoning": "..."}]`

// Validator batches pairs through the LLM.
type Validator struct {
	llm      anthropic.Client
	model    string
	maxPairs int
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
}

// Option configures the Validator.
type Option func(*Validator)

// WithModel overrides the LLM model.
func WithModel(model string) Option {
	return func(v *Validator) { v.model = model }
}

// WithMaxPairsPerCall caps how many pairs one LLM call carries.
func WithMaxPairsPerCall(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxPairs = n
		}
	}
}

// WithRateLimit sets the request rate limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(v *Validator) { v.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(v *Validator) { v.breaker = cb }
}

// New creates a Validator backed by the given LLM client.
func New(llm anthropic.Client, opts ...Option) *Validator {
	v := &Validator{
		llm:      llm,
		model:    "claude-haiku-4-5-20251001",
		maxPairs: 8,
		limiter:  rate.NewLimiter(2, 4),
		breaker:  resilience.NewCircuitBreaker(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate judges all pairs, splitting them into calls of at most
// maxPairs each. Returns verdicts keyed by pair ID.
func (v *Validator) Validate(ctx context.Context, pairs []Pair) (map[string]Verdict, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	verdicts := make(map[string]Verdict, len(pairs))
	for start := 0; start < len(pairs); start += v.maxPairs {
		end := start + v.maxPairs
		if end > len(pairs) {
			end = len(pairs)
		}
		batch, err := v.validateBatch(ctx, pairs[start:end])
		if err != nil {
			return nil, err
		}
		for id, verdict := range batch {
			verdicts[id] = verdict
		}
	}
	return verdicts, nil
}

func (v *Validator) validateBatch(ctx context.Context, pairs []Pair) (map[string]Verdict, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "validator: rate limit wait")
	}

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       v.model,
		MaxTokens:   2048,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: buildUserPrompt(pairs)}},
		Temperature: &temp,
	}

	resp, err := resilience.ExecuteVal(ctx, v.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return v.llm.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrap(err, "validator: llm call")
	}
	resp.Usage.LogCost(v.model, "validation")

	verdicts, err := parseVerdicts(extractText(resp))
	if err != nil {
		// Malformed output is worth retrying: the same prompt usually
		// parses on the next attempt.
		return nil, resilience.NewTransientError(err, 0)
	}

	known := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		known[p.ID] = true
	}
	out := make(map[string]Verdict, len(pairs))
	for _, verdict := range verdicts {
		if !known[verdict.PairID] {
			zap.L().Warn("validator returned unknown pair id", zap.String("pair_id", verdict.PairID))
			continue
		}
		out[verdict.PairID] = verdict
	}
	return out, nil
}

func buildUserPrompt(pairs []Pair) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Judge the following %d pair(s).\n", len(pairs))
	for _, p := range pairs {
		fmt.Fprintf(&sb, "\n## Pair %s\n\nCommitment:\n%s\n\nGovernment action:\n%s\n", p.ID, p.PromiseText, p.EvidenceText)
	}
	return sb.String()
}

// extractText concatenates all text content blocks.
func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// cleanJSON strips markdown fences and extracts the JSON array.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func parseVerdicts(text string) ([]Verdict, error) {
	cleaned := cleanJSON(text)

	var raw []struct {
		PairID     string  `json:"pair_id"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, eris.Wrap(err, "validator: parse response")
	}

	verdicts := make([]Verdict, 0, len(raw))
	for _, r := range raw {
		verdicts = append(verdicts, Verdict{
			PairID:     r.PairID,
			Confidence: clamp01(r.Confidence),
			Category:   normalizeCategory(r.Category),
			Reasoning:  r.Reasoning,
		})
	}
	return verdicts, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	c = strings.ReplaceAll(c, " ", "-")
	c = strings.ReplaceAll(c, "_", "-")
	switch c {
	case CategoryDirectImplementation, CategorySupportingAction, CategoryRelatedPolicy, CategoryNotRelated:
		return c
	default:
		return CategoryNotRelated
	}
}
