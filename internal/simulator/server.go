// Package simulator is an in-process stand-in for the pricing service: it
// accepts the pricing channel's commands, streams back optimistic and
// confirmed events, and serves the REST recalculation and quote summary
// endpoints. It exists for local demos and integration tests; fault
// injection knobs let tests exercise drift, duplicates and retry paths.
package simulator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"pricing_sync/internal/core"
	"pricing_sync/internal/pricing"
	"pricing_sync/pkg/concurrency"
)

var (
	simulatorActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricing_simulator_active_connections",
		Help: "Current number of active simulator WebSocket connections",
	})

	simulatorRecalcTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricing_simulator_recalc_total",
		Help: "Total recalculation commands handled by the simulator",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(simulatorActiveConnections)
	prometheus.MustRegister(simulatorRecalcTotal)
}

// Options configures simulator behavior and fault injection.
type Options struct {
	// UpdateDelay is the lag between the optimistic push and the
	// authoritative update for one recalculation.
	UpdateDelay time.Duration
	// DropUpdates suppresses the authoritative update, leaving the
	// optimistic row unconfirmed (forces client-side drift on the next
	// unknown correlation).
	DropUpdates bool
	// DuplicateUpdates sends every authoritative update twice.
	DuplicateUpdates bool
	// UnknownCorrelation replaces the echoed correlation id on updates with
	// a fresh one, so clients see a drift signal.
	UnknownCorrelation bool
	// RecalcFailStatus, when non-zero, makes the REST recalculate endpoint
	// respond with this HTTP status.
	RecalcFailStatus int
	// RecalcFailCount bounds how many REST calls fail before the endpoint
	// recovers; zero means fail forever while RecalcFailStatus is set.
	RecalcFailCount int
	// RatePerConn limits recalculation commands per connection; zero
	// disables limiting.
	RatePerConn rate.Limit
	RateBurst   int
}

// Server is the simulated pricing service.
type Server struct {
	logger   core.ILogger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	quotes   map[string][]pricing.SummaryItem // seeded summaries by quote id
	versions map[string]int                   // item id -> pricing version counter
	failures int                              // REST failures served so far

	broadcast *concurrency.WorkerPool
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter

	mu      sync.Mutex
	quoteID string
}

// New creates a simulator.
func New(opts Options, logger core.ILogger) *Server {
	if opts.UpdateDelay <= 0 {
		opts.UpdateDelay = 30 * time.Millisecond
	}
	s := &Server{
		logger:   logger.WithField("component", "pricing_simulator"),
		opts:     opts,
		conns:    make(map[*conn]struct{}),
		quotes:   make(map[string][]pricing.SummaryItem),
		versions: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.broadcast = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "simulator_broadcast",
		MaxWorkers:  4,
		MaxCapacity: 256,
	}, logger)
	return s
}

// SeedQuote registers a quote summary served by the summary endpoint.
func (s *Server) SeedQuote(quoteID string, items []pricing.SummaryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[quoteID] = items
	for _, item := range items {
		if item.PricingVersion != nil && *item.PricingVersion > s.versions[item.ID] {
			s.versions[item.ID] = *item.PricingVersion
		}
	}
}

// Handler returns the HTTP handler: websocket endpoint plus REST routes,
// CORS-enabled for the browser-facing surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Org-Id", "X-Trace-Id"},
	}))

	r.Get("/ws/pricing", s.handleWebsocket)
	r.Post("/price/recalculate", s.handleRecalculate)
	r.Get("/quotes/{quoteID}/summary", s.handleSummary)
	return r
}

// Stop drains the broadcast pool and closes all connections.
func (s *Server) Stop() {
	s.mu.Lock()
	for c := range s.conns {
		c.ws.Close()
		delete(s.conns, c)
	}
	s.mu.Unlock()
	s.broadcast.Stop()
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws}
	if s.opts.RatePerConn > 0 {
		burst := s.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(s.opts.RatePerConn, burst)
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	simulatorActiveConnections.Inc()

	go s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		simulatorActiveConnections.Dec()
		c.ws.Close()
	}()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleCommand(c, frame)
	}
}

type command struct {
	QuoteID       string             `json:"quote_id"`
	QuoteItemID   string             `json:"quote_item_id,omitempty"`
	Config        pricing.PartConfig `json:"config,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

func (s *Server) handleCommand(c *conn, frame []byte) {
	var cmd command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		s.logger.Warn("Dropping malformed command", "error", err)
		return
	}

	switch {
	case cmd.QuoteItemID == "" && cmd.QuoteID != "":
		// join_quote
		c.mu.Lock()
		c.quoteID = cmd.QuoteID
		c.mu.Unlock()
		s.logger.Debug("Client joined quote", "quote_id", cmd.QuoteID)
	case cmd.QuoteItemID != "":
		// recalculate_pricing
		if c.limiter != nil && !c.limiter.Allow() {
			s.logger.Warn("Recalc command rate limited", "quote_item_id", cmd.QuoteItemID)
			return
		}
		simulatorRecalcTotal.WithLabelValues("ws").Inc()
		s.recalculate(cmd)
	}
}

// recalculate emits the optimistic push immediately and schedules the
// authoritative update, honoring the fault injection knobs.
func (s *Server) recalculate(cmd command) {
	quantities := cmd.Config.Quantities()
	if len(quantities) == 0 {
		quantities = []int{1, 10, 100}
	}

	optimistic := make([]pricing.RowPatch, 0, len(quantities))
	for _, q := range quantities {
		optimistic = append(optimistic, pricing.RowPatch{Quantity: q, Status: pricing.StatusOptimistic})
	}
	s.emit(cmd.QuoteID, pricing.Envelope{
		Kind:          pricing.KindOptimistic,
		CorrelationID: cmd.CorrelationID,
		Payload: mustMarshal(pricing.PricingPayload{
			QuoteItemID:   cmd.QuoteItemID,
			MatrixPatches: optimistic,
			Optimistic:    true,
		}),
	})

	if s.opts.DropUpdates {
		return
	}

	s.broadcast.Submit(func() {
		time.Sleep(s.opts.UpdateDelay)

		version := s.bumpVersion(cmd.QuoteItemID)
		latency := float64(s.opts.UpdateDelay.Milliseconds())
		correlationID := cmd.CorrelationID
		if s.opts.UnknownCorrelation {
			correlationID = pricing.NewCorrelationID()
		}
		env := pricing.Envelope{
			Kind:          pricing.KindUpdate,
			CorrelationID: correlationID,
			Payload: mustMarshal(pricing.PricingPayload{
				QuoteItemID:    cmd.QuoteItemID,
				MatrixPatches:  PricePatches(cmd.QuoteItemID, quantities),
				PricingVersion: &version,
				LatencyMS:      &latency,
			}),
		}
		s.emit(cmd.QuoteID, env)
		if s.opts.DuplicateUpdates {
			s.emit(cmd.QuoteID, env)
		}
	})
}

func (s *Server) bumpVersion(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[itemID]++
	return s.versions[itemID]
}

// emit sends one envelope to every connection joined to the quote.
func (s *Server) emit(quoteID string, env pricing.Envelope) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		c.mu.Lock()
		joined := c.quoteID
		c.mu.Unlock()
		if joined == quoteID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		err := c.ws.WriteJSON(env)
		c.writeMu.Unlock()
		if err != nil {
			s.logger.Debug("Dropping dead connection", "error", err)
		}
	}
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	simulatorRecalcTotal.WithLabelValues("rest").Inc()

	s.mu.Lock()
	failing := s.opts.RecalcFailStatus != 0 &&
		(s.opts.RecalcFailCount == 0 || s.failures < s.opts.RecalcFailCount)
	if failing {
		s.failures++
	}
	s.mu.Unlock()

	if failing {
		http.Error(w, "injected failure", s.opts.RecalcFailStatus)
		return
	}

	var req pricing.ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := pricing.ReconcileResponse{}
	for _, itemID := range req.QuoteItemIDs {
		version := s.bumpVersion(itemID)
		resp.Results = append(resp.Results, pricing.ReconcileResult{
			QuoteItemID:    itemID,
			MatrixPatches:  PricePatches(itemID, []int{1, 10, 100}),
			PricingVersion: &version,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	quoteID := chi.URLParam(r, "quoteID")

	s.mu.Lock()
	items, ok := s.quotes[quoteID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "quote not found", http.StatusNotFound)
		return
	}

	type part struct {
		ID             string               `json:"id"`
		PricingMatrix  []pricing.PricingRow `json:"pricing_matrix,omitempty"`
		PricingVersion *int                 `json:"pricing_version,omitempty"`
	}
	parts := make([]part, 0, len(items))
	for _, item := range items {
		parts = append(parts, part{
			ID:             item.ID,
			PricingMatrix:  item.PricingMatrix,
			PricingVersion: item.PricingVersion,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"parts": parts})
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
