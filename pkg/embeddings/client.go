// Package embeddings provides a client for the Jina embeddings API.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the embedding operations used by the linker.
type Client interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Option configures the embeddings client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the embedding model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a new Jina embeddings client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.jina.ai/v1",
		model:   "jina-embeddings-v3",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes a POST with exponential backoff retries on transient
// failures (429, 500, 502, 503). Returns the response body and status code
// on success, or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, url string, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, eris.Wrap(err, "embeddings: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := readAll(resp)
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "embeddings: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("embeddings: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close() //nolint:errcheck
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

func (c *httpClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: marshal request")
	}

	body, statusCode, err := c.retryDo(ctx, c.baseURL+"/embeddings", payload)
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: request failed")
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("embeddings: unexpected status %d: %s", statusCode, string(body))
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "embeddings: unmarshal response")
	}
	if len(result.Data) != len(texts) {
		return nil, eris.Errorf("embeddings: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, eris.Errorf("embeddings: vector index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Cosine returns the cosine similarity of two vectors, or 0 when either
// is empty, mismatched in length, or zero-magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
