package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricing_sync/pkg/logging"
	"pricing_sync/pkg/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxJitter: time.Millisecond}

func newReconcilerFixture(t *testing.T, handler http.HandlerFunc) (*Store, *Reconciler, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := newTestStore()
	store.SetQuoteID("quote-1")
	r := NewReconciler(store, srv.URL, logging.Nop())
	r.SetRetryPolicy(fastRetry)
	return store, r, srv
}

func reconcileOK(t *testing.T, calls *int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(calls, 1)
		require.Equal(t, DefaultRecalculatePath, req.URL.Path)

		var body ReconcileRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))

		resp := ReconcileResponse{}
		for _, id := range body.QuoteItemIDs {
			v := 2
			resp.Results = append(resp.Results, ReconcileResult{
				QuoteItemID:    id,
				MatrixPatches:  []RowPatch{{Quantity: 10, UnitPrice: dec("9.75"), Status: StatusReady}},
				PricingVersion: &v,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestReconciler_SuccessAppliesNonOptimistically(t *testing.T) {
	var calls int64
	store, r, _ := newReconcilerFixture(t, reconcileOK(t, &calls))

	store.ApplyLocalOptimistic("item-1", []int{10})
	store.MarkDrift()

	err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	item, _ := store.Item("item-1")
	assert.False(t, item.Rows[0].Optimistic)
	assert.Equal(t, 2, item.PricingVersion)
	assert.False(t, store.DriftDetected())
	assert.False(t, store.Reconciling())
}

func TestReconciler_RetriesTransientThenGivesUp(t *testing.T) {
	var calls int64
	store, r, _ := newReconcilerFixture(t, func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "upstream pricing engine down", http.StatusBadGateway)
	})
	store.ApplyLocalOptimistic("item-1", []int{10})
	store.MarkDrift()

	err := r.ReconcileAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls), "three attempts total")

	// Failed reconciliation leaves state untouched, drift still flagged.
	item, _ := store.Item("item-1")
	assert.True(t, item.Rows[0].Optimistic)
	assert.True(t, store.DriftDetected())
	assert.False(t, store.Reconciling(), "slot must be released on failure")
}

func TestReconciler_PermanentErrorFailsImmediately(t *testing.T) {
	var calls int64
	store, r, _ := newReconcilerFixture(t, func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "quote not found", http.StatusNotFound)
	})
	store.ApplyLocalOptimistic("item-1", []int{10})

	err := r.ReconcileAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "4xx must not be retried")
}

func TestReconciler_RecoversAfterTransientFailures(t *testing.T) {
	var calls int64
	ok := reconcileOK(t, &calls)
	store, r, _ := newReconcilerFixture(t, func(w http.ResponseWriter, req *http.Request) {
		if atomic.LoadInt64(&calls) < 2 {
			atomic.AddInt64(&calls, 1)
			http.Error(w, "flappy", http.StatusInternalServerError)
			return
		}
		ok(w, req)
	})
	store.ApplyLocalOptimistic("item-1", []int{10})

	err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))

	item, _ := store.Item("item-1")
	assert.False(t, item.Rows[0].Optimistic)
}

func TestReconciler_NoQuoteJoinedIsNoOp(t *testing.T) {
	var calls int64
	store, r, _ := newReconcilerFixture(t, reconcileOK(t, &calls))
	store.SetQuoteID("")

	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestReconciler_NoItemsIsNoOp(t *testing.T) {
	var calls int64
	_, r, _ := newReconcilerFixture(t, reconcileOK(t, &calls))

	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestReconciler_SecondCallerIsNoOpWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int64
	store, r, _ := newReconcilerFixture(t, func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&calls, 1)
		<-release
		json.NewEncoder(w).Encode(ReconcileResponse{})
	})
	store.ApplyLocalOptimistic("item-1", []int{10})

	done := make(chan error, 1)
	go func() { done <- r.ReconcileAll(context.Background()) }()

	// Wait until the first call is inside the handler.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) == 1
	}, time.Second, time.Millisecond)

	// Second caller returns immediately without touching the endpoint.
	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	close(release)
	require.NoError(t, <-done)
}

func TestReconciler_SubsetOfItems(t *testing.T) {
	var gotIDs []string
	store, r, _ := newReconcilerFixture(t, func(w http.ResponseWriter, req *http.Request) {
		var body ReconcileRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		gotIDs = body.QuoteItemIDs
		json.NewEncoder(w).Encode(ReconcileResponse{})
	})
	store.ApplyLocalOptimistic("item-1", []int{10})
	store.ApplyLocalOptimistic("item-2", []int{10})

	require.NoError(t, r.Reconcile(context.Background(), []string{"item-2"}))
	assert.Equal(t, []string{"item-2"}, gotIDs)
}

func TestReconciler_RequestDecoratorApplied(t *testing.T) {
	var gotHeader string
	store, r, _ := newReconcilerFixture(t, func(w http.ResponseWriter, req *http.Request) {
		gotHeader = req.Header.Get("X-Org-Id")
		json.NewEncoder(w).Encode(ReconcileResponse{})
	})
	store.ApplyLocalOptimistic("item-1", []int{10})
	r.SetRequestDecorator(func(req *http.Request) {
		req.Header.Set("X-Org-Id", "org-42")
	})

	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Equal(t, "org-42", gotHeader)
}
