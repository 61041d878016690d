// Package api is the HTTP surface: chi routing, bearer-token auth
// middleware, and handlers that translate wire JSON request/response
// shapes into calls against the coordinator, bidservice and store
// packages, one handler per route.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"slotauction/internal/adapters"
	"slotauction/internal/bidservice"
	"slotauction/internal/coordinator"
	"slotauction/internal/ledger"
	"slotauction/internal/model"
	"slotauction/internal/store"
	"slotauction/internal/ws"
)

type Server struct {
	store   store.Store
	creds   *adapters.Credentials
	session adapters.SessionValidator
	coord   *coordinator.Coordinator
	bids    *bidservice.Service
	hub     *ws.Hub
	log     *logrus.Logger
	adminToken string
}

func NewServer(st store.Store, creds *adapters.Credentials, session adapters.SessionValidator,
	coord *coordinator.Coordinator, bids *bidservice.Service, hub *ws.Hub, adminToken string, log *logrus.Logger) *Server {
	return &Server{store: st, creds: creds, session: session, coord: coord, bids: bids, hub: hub, adminToken: adminToken, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { respond(w, 200, map[string]string{"status": "ok"}) })
	r.Get("/ws", s.hub.HandleWS)

	r.Post("/auth/register", s.register)
	r.Post("/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/auth/me", s.me)
		r.Get("/users/me/balance", s.balance)

		r.Get("/auctions", s.listAuctions)
		r.Get("/auctions/{id}", s.getAuction)
		r.Get("/auctions/{id}/current-round", s.currentRound)
		r.Get("/auctions/{auctionId}/rounds/{roundNumber}/leaderboard", s.leaderboard)
		r.Get("/auctions/{auctionId}/my-position", s.myPosition)

		r.Post("/bids", s.placeBid)
		r.Put("/bids/{id}", s.increaseBid)
		r.Delete("/bids/{id}", s.cancelBid)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/auctions", s.createAuction)
			r.Post("/auctions/{id}/start", s.startAuction)
			r.Delete("/auctions/{id}", s.cancelAuction)
		})
	})

	return r
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const ctxUserID ctxKey = "userID"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			respondErr(w, 401, "Unauthenticated", "missing bearer token")
			return
		}
		userID, ok := s.session.Validate(strings.TrimPrefix(auth, "Bearer "))
		if !ok {
			respondErr(w, 401, "Unauthenticated", "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnly is a coarse stand-in for a fuller role system: this system
// scopes authentication/authorization entirely out of the hard core
// (§1), so admin routes are gated by a shared operator token rather
// than a role field on User.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			respondErr(w, 403, "Forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Admin-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	v, _ := r.Context().Value(ctxUserID).(string)
	return v
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username       string `json:"username"`
		Password       string `json:"password"`
		Email          string `json:"email"`
		InitialBalance *int64 `json:"initialBalance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, 400, "Validation", "invalid json")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 50 {
		respondErr(w, 400, "Validation", "username must be 3-50 characters")
		return
	}
	u, token, err := s.creds.Register(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		if errors.Is(err, adapters.ErrDuplicateUser) {
			respondErr(w, 409, "Conflict", "username or email already registered")
			return
		}
		s.internalErr(w, err)
		return
	}
	respond(w, 200, map[string]any{"user": u, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, 400, "Validation", "invalid json")
		return
	}
	u, token, err := s.creds.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondErr(w, 401, "Unauthenticated", "invalid credentials")
		return
	}
	respond(w, 200, map[string]any{"user": u, "token": token})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), userID(r))
	if err != nil {
		s.storeErr(w, err)
		return
	}
	respond(w, 200, u)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), userID(r))
	if err != nil {
		s.storeErr(w, err)
		return
	}
	respond(w, 200, map[string]int64{"balance": u.Balance, "reserved": u.Reserved, "available": u.Available()})
}

// ── Auctions ─────────────────────────────────────────

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string    `json:"name"`
		TotalItems         int       `json:"totalItems"`
		ItemsPerRound      int       `json:"itemsPerRound"`
		StartTime          time.Time `json:"startTime"`
		RoundDuration      int       `json:"roundDuration"`
		AntiSnipeWindow    int       `json:"antiSnipeWindow"`
		AntiSnipeExtension int       `json:"antiSnipeExtension"`
		MaxExtensions      int       `json:"maxExtensions"`
		MinBid             int64     `json:"minBid"`
		MinBidStep         int       `json:"minBidStep"`
		Currency           string    `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, 400, "Validation", "invalid json")
		return
	}
	auction, err := s.coord.CreateAuction(r.Context(), coordinator.CreateAuctionInput{
		Name: req.Name, TotalItems: req.TotalItems, ItemsPerRound: req.ItemsPerRound, StartTime: req.StartTime,
		RoundDuration: req.RoundDuration, AntiSnipeWindow: req.AntiSnipeWindow, AntiSnipeExtension: req.AntiSnipeExtension,
		MaxExtensions: req.MaxExtensions, MinBid: req.MinBid, MinBidStepPct: req.MinBidStep, Currency: req.Currency,
	})
	if err != nil {
		if errors.Is(err, coordinator.ErrValidation) {
			respondErr(w, 400, "Validation", err.Error())
			return
		}
		s.internalErr(w, err)
		return
	}
	rounds, _ := s.store.ListRounds(r.Context(), auction.ID)
	respond(w, 200, map[string]any{"auction": auction, "rounds": rounds})
}

func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) {
	page := atoiOr(r.URL.Query().Get("page"), 1)
	limit := atoiOr(r.URL.Query().Get("limit"), 20)
	if page < 1 {
		page = 1
	}
	status := model.AuctionStatus(r.URL.Query().Get("status"))
	auctions, total, err := s.store.ListAuctions(r.Context(), store.AuctionFilter{Status: status, Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		s.internalErr(w, err)
		return
	}
	if auctions == nil {
		auctions = []*model.Auction{}
	}
	respondPage(w, auctions, page, limit, total)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAuction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeErr(w, err)
		return
	}
	respond(w, 200, a)
}

func (s *Server) startAuction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.StartAuction(r.Context(), id); err != nil {
		if errors.Is(err, coordinator.ErrNotScheduled) {
			respondErr(w, 400, "AuctionNotActive", "auction is not scheduled")
			return
		}
		s.internalErr(w, err)
		return
	}
	a, err := s.store.GetAuction(r.Context(), id)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	respond(w, 200, a)
}

func (s *Server) cancelAuction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.CancelAuction(r.Context(), id); err != nil {
		if errors.Is(err, coordinator.ErrNotCancelable) {
			respondErr(w, 400, "AuctionNotActive", "auction cannot be cancelled from its current state")
			return
		}
		s.internalErr(w, err)
		return
	}
	a, err := s.store.GetAuction(r.Context(), id)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	respond(w, 200, a)
}

func (s *Server) currentRound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAuction(r.Context(), id)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	if a.CurrentRound == 0 {
		respondErr(w, 404, "NotFound", "auction has no active round")
		return
	}
	round, err := s.store.GetRoundByNumber(r.Context(), id, a.CurrentRound)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	respond(w, 200, round)
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")
	roundNumber := atoiOr(chi.URLParam(r, "roundNumber"), 0)
	round, err := s.store.GetRoundByNumber(r.Context(), auctionID, roundNumber)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	bids, err := s.store.ListLiveBidsForRound(r.Context(), auctionID, roundNumber)
	if err != nil {
		s.internalErr(w, err)
		return
	}
	caller := userID(r)
	entries := make([]model.LeaderboardEntry, 0, len(bids))
	for i, b := range bids {
		u, err := s.store.GetUser(r.Context(), b.UserID)
		username := ""
		if err == nil {
			username = u.Username
		}
		entries = append(entries, model.LeaderboardEntry{
			Position: i + 1, UserID: b.UserID, Username: username, Amount: b.Amount, IsCurrentUser: b.UserID == caller,
		})
	}
	respond(w, 200, map[string]any{"entries": entries, "cutoffPosition": round.ItemsInRound})
}

func (s *Server) myPosition(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")
	caller := userID(r)
	bid, err := s.store.GetLiveBidForUser(r.Context(), auctionID, caller)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondErr(w, 404, "NotFound", "no active bid for this auction")
			return
		}
		s.internalErr(w, err)
		return
	}
	bids, err := s.store.ListLiveBidsForRound(r.Context(), auctionID, bid.CurrentRound)
	if err != nil {
		s.internalErr(w, err)
		return
	}
	round, err := s.store.GetRoundByNumber(r.Context(), auctionID, bid.CurrentRound)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	position := 0
	for i, b := range bids {
		if b.ID == bid.ID {
			position = i + 1
			break
		}
	}
	respond(w, 200, model.MyPosition{Position: position, TotalBids: len(bids), IsWinning: position > 0 && position <= round.ItemsInRound})
}

// ── Bids ─────────────────────────────────────────────

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuctionID string `json:"auctionId"`
		Amount    int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, 400, "Validation", "invalid json")
		return
	}
	bid, err := s.bids.PlaceBid(r.Context(), req.AuctionID, userID(r), req.Amount)
	if err != nil {
		s.bidErr(w, err)
		return
	}
	respond(w, 200, bid)
}

func (s *Server) increaseBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewAmount int64 `json:"newAmount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, 400, "Validation", "invalid json")
		return
	}
	bid, err := s.bids.IncreaseBid(r.Context(), chi.URLParam(r, "id"), userID(r), req.NewAmount)
	if err != nil {
		s.bidErr(w, err)
		return
	}
	respond(w, 200, bid)
}

func (s *Server) cancelBid(w http.ResponseWriter, r *http.Request) {
	bid, err := s.bids.CancelBid(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.bidErr(w, err)
		return
	}
	respond(w, 200, bid)
}

// ── Error mapping ────────────────────────────────────

func (s *Server) bidErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bidservice.ErrAlreadyBidding):
		respondErr(w, 409, "Conflict", "already bidding on this auction")
	case errors.Is(err, bidservice.ErrConflict):
		respondErr(w, 409, "Conflict", "stale version, please retry")
	case errors.Is(err, bidservice.ErrBidTooLow):
		respondErr(w, 400, "BidTooLow", err.Error())
	case errors.Is(err, bidservice.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientFunds):
		respondErr(w, 400, "InsufficientFunds", "insufficient available balance")
	case errors.Is(err, bidservice.ErrAuctionNotActive):
		respondErr(w, 400, "AuctionNotActive", "auction is not active")
	case errors.Is(err, bidservice.ErrRoundNotActive):
		respondErr(w, 400, "RoundNotActive", "round is not active")
	case errors.Is(err, bidservice.ErrForbidden):
		respondErr(w, 403, "Forbidden", "not your bid")
	case errors.Is(err, bidservice.ErrNotCancelable):
		respondErr(w, 400, "Validation", "bid can only be cancelled before its round starts")
	case errors.Is(err, store.ErrNotFound):
		respondErr(w, 404, "NotFound", "bid or auction not found")
	default:
		s.internalErr(w, err)
	}
}

func (s *Server) storeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondErr(w, 404, "NotFound", "not found")
		return
	}
	s.internalErr(w, err)
}

func (s *Server) internalErr(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("api: internal error")
	respondErr(w, 500, "Internal", "internal error")
}

// ── Response envelope ────────────────────────────────

type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      *envError   `json:"error,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type envError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

func respond(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondPage(w http.ResponseWriter, data any, page, limit, total int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Pagination: &pagination{Page: page, Limit: limit, Total: total}})
}

func respondErr(w http.ResponseWriter, code int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: &envError{Kind: kind, Message: msg}})
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
