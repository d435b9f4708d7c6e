// Package legisinfo provides a client for the Parliament of Canada
// LEGISinfo JSON API.
package legisinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the LEGISinfo operations used by ingestion.
type Client interface {
	// FetchBills returns all bills for a parliamentary session, e.g. "45-1".
	FetchBills(ctx context.Context, session string) ([]Bill, error)
}

// Bill is a single bill record with its latest recorded activity.
type Bill struct {
	NumberCode          string `json:"NumberCode"`
	LongTitleEn         string `json:"LongTitleEn"`
	LongTitleFr         string `json:"LongTitleFr"`
	ShortTitleEn        string `json:"ShortTitleEn"`
	StatusNameEn        string `json:"StatusNameEn"`
	LatestActivityEn    string `json:"LatestBillEventTypeNameEn"`
	LatestActivityDate  string `json:"LatestBillEventDateTime"`
	SponsorAffiliation  string `json:"SponsorAffiliationTitleEn"`
	ParliamentNumber    int    `json:"ParliamentNumber"`
	SessionNumber       int    `json:"SessionNumber"`
	IsGovernmentBill    bool   `json:"IsGovernmentBill"`
	PassedThirdReading  bool   `json:"PassedHouseThirdReading"`
	ReceivedRoyalAssent bool   `json:"ReceivedRoyalAssent"`
}

// EventDate parses the bill's latest activity timestamp. Returns the zero
// time when the field is absent or malformed.
func (b Bill) EventDate() time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, b.LatestActivityDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Option configures the LEGISinfo client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new LEGISinfo client. The API requires no key.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://www.parl.ca/legisinfo",
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)

		resp, err := c.http.Do(retryReq)
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

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "legisinfo: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("legisinfo: status %d: %s", resp.StatusCode, string(body))
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

func (c *httpClient) FetchBills(ctx context.Context, session string) ([]Bill, error) {
	reqURL := fmt.Sprintf("%s/en/bills/json?parlsession=%s", c.baseURL, session)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "legisinfo: create request")
	}
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "legisinfo: request failed")
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("legisinfo: unexpected status %d: %s", statusCode, string(body))
	}

	var bills []Bill
	if err := json.Unmarshal(body, &bills); err != nil {
		return nil, eris.Wrap(err, "legisinfo: unmarshal bills")
	}
	return bills, nil
}
