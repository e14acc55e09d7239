package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pricing_sync/internal/core"
	"pricing_sync/pkg/httpx"
	"pricing_sync/pkg/retry"
	"pricing_sync/pkg/telemetry"
)

// DefaultRecalculatePath is the REST endpoint for batch recalculation.
const DefaultRecalculatePath = "/price/recalculate"

// Reconciler is the REST drift-recovery fallback. It re-fetches
// authoritative pricing for some or all items of the joined quote and
// overwrites affected rows non-optimistically. At most one reconciliation
// runs per store instance; concurrent callers are no-ops.
//
// Transient failures (network errors, 5xx) are retried with exponential
// backoff and jitter up to the policy bound; 4xx responses are permanent and
// fail immediately.
type Reconciler struct {
	store   *Store
	client  *http.Client
	baseURL string
	path    string
	policy  retry.Policy
	logger  core.ILogger

	// Test seam: decorates outgoing requests (trace/org headers).
	decorator httpx.RequestDecorator
}

// NewReconciler creates a reconciler against the given REST base URL.
func NewReconciler(store *Store, baseURL string, logger core.ILogger) *Reconciler {
	return &Reconciler{
		store:   store,
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		path:    DefaultRecalculatePath,
		policy:  retry.DefaultPolicy,
		logger:  logger.WithField("component", "reconciler"),
	}
}

// SetRetryPolicy overrides the retry policy; used by tests to collapse the
// backoff delays.
func (r *Reconciler) SetRetryPolicy(policy retry.Policy) {
	r.policy = policy
}

// SetRequestDecorator installs a decorator for outgoing requests.
func (r *Reconciler) SetRequestDecorator(d httpx.RequestDecorator) {
	r.decorator = d
}

// ReconcileAll performs a batch recalculation for every currently known item
// of the joined quote, repairing any silently-diverged items in one pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	return r.Reconcile(ctx, nil)
}

// Reconcile performs a batch recalculation for the given item ids; a nil or
// empty list means all currently known items. If another reconciliation is
// already in flight the call is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, itemIDs []string) error {
	quoteID := r.store.QuoteID()
	if quoteID == "" {
		r.logger.Debug("Reconcile skipped: no quote joined")
		return nil
	}

	if !r.store.BeginReconcile() {
		r.logger.Debug("Reconcile skipped: already in flight", "quote_id", quoteID)
		return nil
	}
	defer r.store.EndReconcile()

	if len(itemIDs) == 0 {
		itemIDs = r.store.ItemIDs()
	}
	if len(itemIDs) == 0 {
		r.logger.Debug("Reconcile skipped: no items tracked", "quote_id", quoteID)
		return nil
	}

	r.logger.Info("Starting reconciliation", "quote_id", quoteID, "items", len(itemIDs))

	metrics := telemetry.GetGlobalMetrics()
	var resp ReconcileResponse
	err := retry.Do(ctx, r.policy, isTransient, func() error {
		if metrics.ReconcileAttemptsTotal != nil {
			metrics.ReconcileAttemptsTotal.Add(ctx, 1)
		}
		return r.post(ctx, ReconcileRequest{QuoteID: quoteID, QuoteItemIDs: itemIDs}, &resp)
	})
	if err != nil {
		if metrics.ReconcileFailuresTotal != nil {
			metrics.ReconcileFailuresTotal.Add(ctx, 1)
		}
		r.logger.Error("Reconciliation failed, leaving state as-is",
			"quote_id", quoteID, "error", err)
		return fmt.Errorf("reconcile quote %s: %w", quoteID, err)
	}

	r.store.ApplyReconcileResults(resp.Results)
	r.logger.Info("Reconciliation completed",
		"quote_id", quoteID, "results", len(resp.Results))
	return nil
}

func (r *Reconciler) post(ctx context.Context, reqBody ReconcileRequest, out *ReconcileResponse) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal reconcile request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+r.path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create reconcile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.decorator != nil {
		r.decorator(req)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reconcile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read reconcile response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &httpx.APIError{StatusCode: resp.StatusCode, Body: body}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode reconcile response: %w", err)
	}
	return nil
}

// isTransient classifies reconciliation failures: 4xx responses are
// permanent, everything else (network errors, 5xx) is retried.
func isTransient(err error) bool {
	var apiErr *httpx.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}
