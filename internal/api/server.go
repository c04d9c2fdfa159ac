// Package api provides the HTTP API over the market.
// GET endpoints are public (read-only observation).
// POST endpoints that act on behalf of an agent are rate limited;
// session control endpoints require a bearer token.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
	"github.com/talgya/cndq/internal/negotiation"
	"github.com/talgya/cndq/internal/reflect"
	"github.com/talgya/cndq/internal/session"
)

// Server serves market state and agent actions over HTTP.
type Server struct {
	Events   ledger.Store
	Mat      *ledger.Materializer
	Feed     marketplace.Feed
	Deals    *negotiation.Manager
	Mirror   *reflect.Reflector
	Sessions *session.Controller
	Addr     string
	AdminKey string // Bearer token for session control. Empty = control disabled.

	bootMu sync.Mutex
	rng    *rand.Rand
}

// NewServer wires the handler set. rng seeds new agents' inventories.
func NewServer(events ledger.Store, mat *ledger.Materializer, feed marketplace.Feed,
	deals *negotiation.Manager, mirror *reflect.Reflector, sessions *session.Controller,
	addr, adminKey string, rng *rand.Rand) *Server {
	return &Server{
		Events:   events,
		Mat:      mat,
		Feed:     feed,
		Deals:    deals,
		Mirror:   mirror,
		Sessions: sessions,
		Addr:     addr,
		AdminKey: adminKey,
		rng:      rng,
	}
}

// Handler builds the route table. Exposed separately from Start so tests
// can drive it with httptest.
func (s *Server) Handler() http.Handler {
	actionLimiter := NewRateLimiter(600, time.Minute)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/agents", s.handleAgents(actionLimiter))
	mux.HandleFunc("/api/v1/agent/", s.handleAgentRoutes(actionLimiter))
	mux.HandleFunc("/api/v1/marketplace", s.handleMarketplace)
	mux.HandleFunc("/api/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/api/v1/session", s.handleSession)
	mux.HandleFunc("/api/v1/session/tick", s.handleTick)
	mux.HandleFunc("/api/v1/negotiations", s.handleNegotiations(actionLimiter))
	mux.HandleFunc("/api/v1/negotiation/", s.handleNegotiationRoutes(actionLimiter))
	mux.HandleFunc("/api/v1/sweep", s.handleSweep)

	// Session control (POST, require bearer token).
	mux.HandleFunc("/api/v1/session/phase", s.adminOnly(s.handlePhase))
	mux.HandleFunc("/api/v1/session/auto_advance", s.adminOnly(s.handleAutoAdvance))
	mux.HandleFunc("/api/v1/session/window", s.adminOnly(s.handleWindow))
	mux.HandleFunc("/api/v1/session/reset", s.adminOnly(s.handleReset))

	return mux
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "")
	handler := s.Handler()
	go func() {
		if err := http.ListenAndServe(s.Addr, handler); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.AdminKey == "" {
			http.Error(w, "session control disabled (no admin token set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// accountView is the public shape of a folded account.
type accountView struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Funds     decimal.Decimal   `json:"funds"`
	Gain      decimal.Decimal   `json:"gain"`
	Inventory economy.Inventory `json:"inventory"`
	LastSeq   uint64            `json:"lastSeq"`
}

func viewOf(a ledger.Account) accountView {
	return accountView{
		ID:        a.ID,
		Name:      a.Name,
		Funds:     a.Funds,
		Gain:      a.GainSinceStart(),
		Inventory: a.Inventory,
		LastSeq:   a.LastSeq,
	}
}

// handleAgents lists every agent (GET) or registers a new one (POST).
// Registration draws a random inventory, runs the first production and
// returns the seeded account.
func (s *Server) handleAgents(limiter *RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ids, err := s.Events.Agents()
			if err != nil {
				s.fail(w, err)
				return
			}
			out := make([]accountView, 0, len(ids))
			for _, id := range ids {
				acct, err := s.Mat.Account(id)
				if err != nil {
					s.fail(w, err)
					return
				}
				out = append(out, viewOf(acct))
			}
			writeJSON(w, out)

		case http.MethodPost:
			RateLimitMiddleware(limiter, s.handleRegister)(w, r)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		http.Error(w, "agentId required", http.StatusBadRequest)
		return
	}
	if _, err := s.Mat.Account(req.AgentID); err == nil {
		http.Error(w, "agent already registered", http.StatusConflict)
		return
	} else if !errors.Is(err, ledger.ErrUnknownAgent) {
		s.fail(w, err)
		return
	}

	s.bootMu.Lock()
	acct, err := ledger.Bootstrap(s.Events, req.AgentID, s.rng)
	s.bootMu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.Mat.Invalidate(req.AgentID)
	slog.Info("agent registered", "agent", req.AgentID, "name", acct.Name)
	writeJSONStatus(w, http.StatusCreated, viewOf(acct))
}

// handleAgentRoutes dispatches /api/v1/agent/{id}[/events|/listings|/prices].
func (s *Server) handleAgentRoutes(limiter *RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/")
		id, sub, _ := strings.Cut(rest, "/")
		if id == "" {
			http.Error(w, "agent id required", http.StatusBadRequest)
			return
		}
		switch sub {
		case "":
			s.handleAccount(w, r, id)
		case "events":
			s.handleEvents(w, r, id)
		case "listings":
			RateLimitMiddleware(limiter, func(w http.ResponseWriter, r *http.Request) {
				s.handlePostListing(w, r, id)
			})(w, r)
		case "prices":
			s.handlePrices(w, r, id)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, id string) {
	acct, err := s.Mat.Account(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, viewOf(acct))
}

// handleEvents returns the agent's ledger with seq > since, in order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	var since uint64
	if q := r.URL.Query().Get("since"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			http.Error(w, "since must be a sequence number", http.StatusBadRequest)
			return
		}
		since = v
	}
	events, err := s.Events.Read(id, since)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, events)
}

// handlePrices solves the agent's current inventory and returns the full
// shadow price report.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request, id string) {
	acct, err := s.Mat.Account(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	prices, err := economy.Solve(acct.Inventory)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, prices)
}

// handlePostListing appends a post_ad or post_buy_order event and records
// it in the discovery feed right away rather than waiting for the sweep.
func (s *Server) handlePostListing(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Side     string           `json:"side"`
		Resource economy.Resource `json:"resource"`
		Quantity float64          `json:"quantity"`
		Price    decimal.Decimal  `json:"price"`
		Note     string           `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	var kind ledger.Kind
	switch req.Side {
	case "ask", "sell":
		kind = ledger.KindPostAd
	case "bid", "buy":
		kind = ledger.KindPostBuyOrder
	default:
		http.Error(w, "side must be ask or bid", http.StatusBadRequest)
		return
	}
	if !economy.ValidResource(req.Resource) || req.Quantity <= 0 || req.Price.IsNegative() {
		http.Error(w, "bad listing terms", http.StatusBadRequest)
		return
	}
	// Only registered agents may post.
	if _, err := s.Mat.Account(id); err != nil {
		s.fail(w, err)
		return
	}

	payload := ledger.ListingPayload{Resource: req.Resource, Quantity: req.Quantity, Price: req.Price, Note: req.Note}
	e, err := ledger.New(kind, id, payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.Events.Append(id, e); err != nil {
		s.fail(w, err)
		return
	}
	s.Mat.Invalidate(id)
	if err := s.Feed.RecordListing(e, &payload); err != nil {
		slog.Warn("feed record failed, sweep will retry", "event", e.ID, "error", err)
	}
	writeJSONStatus(w, http.StatusCreated, e)
}

func (s *Server) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	snap, err := marketplace.BuildSnapshot(s.Feed, 50)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := marketplace.Leaderboard(s.Events, s.Mat)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, rows)
}

// handleSession reads the session record without side effects. Phase
// advancement happens through the explicit tick endpoint or any agent
// heartbeat, never hidden inside a read.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sessions.State()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, st)
}

// handleTick evaluates the trading window and advances the phase when it
// has elapsed. Concurrent ticks are resolved by the state record's
// version; production runs once per elapsed window regardless.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.Sessions.Tick()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, st)
}

// handleSweep runs one reflection sweep across all ledgers. Safe to call
// at any frequency: applied copies are skipped by the idempotence probe.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.Mirror.Sweep()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, stats)
}

// handleNegotiations lists an agent's negotiations (GET ?agent=) or opens
// a new one (POST).
func (s *Server) handleNegotiations(limiter *RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			agent := r.URL.Query().Get("agent")
			if agent == "" {
				http.Error(w, "agent query parameter required", http.StatusBadRequest)
				return
			}
			recs, err := s.Deals.ForAgent(agent)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, recs)

		case http.MethodPost:
			RateLimitMiddleware(limiter, s.handleInitiate)(w, r)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator string           `json:"initiator"`
		Responder string           `json:"responder"`
		Resource  economy.Resource `json:"resource"`
		Quantity  float64          `json:"quantity"`
		Price     decimal.Decimal  `json:"price"`
		Role      ledger.Role      `json:"role"`
		ListingID string           `json:"listingEventId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Role != ledger.RoleBuyer && req.Role != ledger.RoleSeller {
		http.Error(w, "role must be buyer or seller", http.StatusBadRequest)
		return
	}
	rec, err := s.Deals.Initiate(req.Initiator, req.Responder, req.Resource, req.Quantity, req.Price, req.Role, req.ListingID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, rec)
}

// handleNegotiationRoutes dispatches /api/v1/negotiation/{id}[/counter|/accept|/reject].
func (s *Server) handleNegotiationRoutes(limiter *RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/negotiation/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.Error(w, "negotiation id required", http.StatusBadRequest)
			return
		}
		if action == "" {
			rec, err := s.Deals.Get(id)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, rec)
			return
		}
		RateLimitMiddleware(limiter, func(w http.ResponseWriter, r *http.Request) {
			s.handleNegotiationAction(w, r, id, action)
		})(w, r)
	}
}

func (s *Server) handleNegotiationAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Actor    string          `json:"actor"`
		Quantity float64         `json:"quantity"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor required", http.StatusBadRequest)
		return
	}

	var (
		rec negotiation.Record
		err error
	)
	switch action {
	case "counter":
		rec, err = s.Deals.Counter(id, req.Actor, req.Quantity, req.Price)
	case "accept":
		rec, err = s.Deals.Accept(id, req.Actor)
	case "reject":
		rec, err = s.Deals.Reject(id, req.Actor)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase session.Phase `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	st, err := s.Sessions.ForcePhase(req.Phase)
	if err != nil {
		s.fail(w, err)
		return
	}
	slog.Info("phase forced", "phase", req.Phase)
	writeJSON(w, st)
}

func (s *Server) handleAutoAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	st, err := s.Sessions.SetAutoAdvance(req.Enabled)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	st, err := s.Sessions.SetWindow(time.Duration(req.Seconds) * time.Second)
	if err != nil {
		s.fail(w, err)
		return
	}
	slog.Info("trading window changed", "seconds", req.Seconds)
	writeJSON(w, st)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sessions.Reset()
	if err != nil {
		s.fail(w, err)
		return
	}
	slog.Info("session reset", "session", st.Session)
	writeJSON(w, st)
}

// fail translates domain errors into HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownAgent), errors.Is(err, negotiation.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, negotiation.ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, negotiation.ErrNotYourTurn),
		errors.Is(err, negotiation.ErrTerminal),
		errors.Is(err, session.ErrConflict),
		errors.Is(err, ledger.ErrDuplicateEvent):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, negotiation.ErrBadOffer),
		errors.Is(err, ledger.ErrBadEvent),
		errors.Is(err, session.ErrBadPhase),
		errors.Is(err, economy.ErrInvalidQuantity),
		errors.Is(err, economy.ErrUnknownResource):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, negotiation.ErrInsufficientFunds),
		errors.Is(err, negotiation.ErrInsufficientInventory):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrBusy):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
