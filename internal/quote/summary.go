// Package quote fetches quote summaries from the REST API. The summary is
// owned by an external collaborator; this client only consumes it to seed
// the pricing store.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pricing_sync/internal/core"
	"pricing_sync/internal/pricing"
	"pricing_sync/pkg/httpx"
)

// summaryPart mirrors one part of the summary response. The pricing matrix
// historically moved between three locations; all are still honored.
type summaryPart struct {
	ID             string               `json:"id"`
	PricingMatrix  []pricing.PricingRow `json:"pricing_matrix,omitempty"`
	PricingVersion *int                 `json:"pricing_version,omitempty"`
	Pricing        *embeddedPricing     `json:"pricing,omitempty"`
	ConfigJSON     *partConfigJSON      `json:"config_json,omitempty"`
}

type embeddedPricing struct {
	Matrix  []pricing.PricingRow `json:"matrix,omitempty"`
	Version *int                 `json:"version,omitempty"`
}

type partConfigJSON struct {
	Pricing *embeddedPricing `json:"pricing,omitempty"`
}

type summaryResponse struct {
	Parts []summaryPart `json:"parts"`
}

// SummaryClient fetches quote summaries.
type SummaryClient struct {
	http   *httpx.Client
	logger core.ILogger
}

// NewSummaryClient creates a summary client against the REST base URL.
func NewSummaryClient(baseURL string, decorator httpx.RequestDecorator, logger core.ILogger) *SummaryClient {
	return &SummaryClient{
		http:   httpx.NewClient(baseURL, 10*time.Second, decorator),
		logger: logger.WithField("component", "summary_client"),
	}
}

// FetchSummary retrieves a quote's summary and converts it into the items
// accepted by the store's HydrateFromSummary.
func (c *SummaryClient) FetchSummary(ctx context.Context, quoteID string) ([]pricing.SummaryItem, error) {
	body, err := c.http.Get(ctx, fmt.Sprintf("/quotes/%s/summary", quoteID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch summary for quote %s: %w", quoteID, err)
	}

	var resp summaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode summary for quote %s: %w", quoteID, err)
	}

	items := make([]pricing.SummaryItem, 0, len(resp.Parts))
	for _, part := range resp.Parts {
		matrix, version := part.matrix()
		items = append(items, pricing.SummaryItem{
			ID:             part.ID,
			PricingMatrix:  matrix,
			PricingVersion: version,
		})
	}
	c.logger.Debug("Fetched quote summary", "quote_id", quoteID, "parts", len(items))
	return items, nil
}

// matrix resolves the matrix and version, preferring the top-level fields,
// then the embedded pricing object, then the config blob.
func (p summaryPart) matrix() ([]pricing.PricingRow, *int) {
	if len(p.PricingMatrix) > 0 {
		return p.PricingMatrix, p.firstVersion()
	}
	if p.Pricing != nil && len(p.Pricing.Matrix) > 0 {
		return p.Pricing.Matrix, p.firstVersion()
	}
	if p.ConfigJSON != nil && p.ConfigJSON.Pricing != nil && len(p.ConfigJSON.Pricing.Matrix) > 0 {
		return p.ConfigJSON.Pricing.Matrix, p.firstVersion()
	}
	return nil, p.firstVersion()
}

func (p summaryPart) firstVersion() *int {
	if p.PricingVersion != nil {
		return p.PricingVersion
	}
	if p.Pricing != nil && p.Pricing.Version != nil {
		return p.Pricing.Version
	}
	if p.ConfigJSON != nil && p.ConfigJSON.Pricing != nil {
		return p.ConfigJSON.Pricing.Version
	}
	return nil
}
