// Package api exposes auctions and accounts over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/account"
	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/store"
	"github.com/jensholdgaard/auctiond/internal/telemetry"
)

// AccountHeader identifies the caller for seller and bidder operations.
const AccountHeader = "X-Account-ID"

// Server holds the HTTP handlers.
type Server struct {
	auctions *auction.Manager
	accounts *account.Manager
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewServer returns an API Server.
func NewServer(auctions *auction.Manager, accounts *account.Manager, logger *slog.Logger, tp trace.TracerProvider) *Server {
	return &Server{
		auctions: auctions,
		accounts: accounts,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctiond/internal/api"),
	}
}

// Register mounts the API routes on r.
func (s *Server) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.traceRequests)

	api.HandleFunc("/auctions", s.listAuctions).Methods(http.MethodGet)
	api.HandleFunc("/auctions", s.createAuction).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}", s.getAuction).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id}", s.updateAuction).Methods(http.MethodPatch)
	api.HandleFunc("/auctions/{id}/bids", s.listBids).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id}/bids", s.placeBid).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/cancel", s.cancelAuction).Methods(http.MethodPost)

	api.HandleFunc("/accounts", s.openAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", s.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/charges", s.chargeAccount).Methods(http.MethodPost)
}

// AuctionResponse is the JSON form of an auction.
type AuctionResponse struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	SellerID string    `json:"seller_id"`
	Status   string    `json:"status"`
	Price    int64     `json:"price"`
	Deadline time.Time `json:"deadline"`
	LeaderID string    `json:"leader_id,omitempty"`
}

func viewResponse(v auction.View) AuctionResponse {
	return AuctionResponse{
		ID:       v.AuctionID,
		Title:    v.Title,
		SellerID: v.SellerID,
		Status:   string(v.Status),
		Price:    v.Price,
		Deadline: v.Deadline,
		LeaderID: v.LeaderID,
	}
}

// CreateAuctionRequest is the body of POST /api/auctions.
type CreateAuctionRequest struct {
	Title      string    `json:"title"`
	StartPrice int64     `json:"start_price"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// UpdateAuctionRequest is the body of PATCH /api/auctions/{id}. Omitted
// fields keep their value.
type UpdateAuctionRequest struct {
	Title      *string    `json:"title"`
	StartPrice *int64     `json:"start_price"`
	StartTime  *time.Time `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
}

// Listing page size bounds.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// statusAll lists auctions in every status.
const statusAll = "ALL"

// BidRequest is the body of POST /api/auctions/{id}/bids.
type BidRequest struct {
	Amount int64 `json:"amount"`
}

// BidResponse reports an accepted bid.
type BidResponse struct {
	Price    int64     `json:"price"`
	Deadline time.Time `json:"deadline"`
	Extended bool      `json:"extended"`
}

// HistoryEntry is one accepted bid.
type HistoryEntry struct {
	BidderID string    `json:"bidder_id"`
	Amount   int64     `json:"amount"`
	At       time.Time `json:"at"`
}

// OpenAccountRequest is the body of POST /api/accounts.
type OpenAccountRequest struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// ChargeRequest is the body of POST /api/accounts/{id}/charges.
type ChargeRequest struct {
	Amount int64 `json:"amount"`
}

// AccountResponse is the JSON form of an account.
type AccountResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := store.AuctionQuery{
		Status:  store.AuctionStatus(query.Get("status")),
		Keyword: query.Get("keyword"),
		Limit:   defaultPageSize,
	}
	switch q.Status {
	case "":
		q.Status = store.StatusOngoing
	case statusAll:
		q.Status = ""
	case store.StatusScheduled, store.StatusOngoing, store.StatusEnded, store.StatusCanceled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(q.Status))
		return
	}
	var ok bool
	if q.Limit, ok = intParam(w, query.Get("limit"), "limit", defaultPageSize); !ok {
		return
	}
	if q.Offset, ok = intParam(w, query.Get("offset"), "offset", 0); !ok {
		return
	}
	if q.Limit < 1 || q.Limit > maxPageSize {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxPageSize))
		return
	}

	list, err := s.auctions.Search(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]AuctionResponse, 0, len(list))
	for _, a := range list {
		v, err := s.auctions.Display(r.Context(), a.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, viewResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	seller, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreateAuctionRequest
	if !decode(w, r, &req) {
		return
	}

	a, err := s.auctions.CreateAuction(r.Context(), auction.CreateParams{
		Title:      req.Title,
		SellerID:   seller,
		StartPrice: req.StartPrice,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AuctionResponse{
		ID:       a.ID,
		Title:    a.Title,
		SellerID: a.SellerID,
		Status:   string(a.Status),
		Price:    a.StartPrice,
		Deadline: a.StartTime,
	})
}

func (s *Server) updateAuction(w http.ResponseWriter, r *http.Request) {
	seller, ok := caller(w, r)
	if !ok {
		return
	}
	var req UpdateAuctionRequest
	if !decode(w, r, &req) {
		return
	}

	id := mux.Vars(r)["id"]
	cur, err := s.auctions.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p := auction.CreateParams{
		Title:      cur.Title,
		StartPrice: cur.StartPrice,
		StartTime:  cur.StartTime,
		EndTime:    cur.EndTime,
	}
	if req.Title != nil {
		p.Title = *req.Title
	}
	if req.StartPrice != nil {
		p.StartPrice = *req.StartPrice
	}
	if req.StartTime != nil {
		p.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		p.EndTime = *req.EndTime
	}

	a, err := s.auctions.UpdateAuction(r.Context(), id, seller, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuctionResponse{
		ID:       a.ID,
		Title:    a.Title,
		SellerID: a.SellerID,
		Status:   string(a.Status),
		Price:    a.StartPrice,
		Deadline: a.StartTime,
	})
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	v, err := s.auctions.Display(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse(v))
}

func (s *Server) listBids(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.auctions.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	bids, err := s.auctions.History(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]HistoryEntry, 0, len(bids))
	for _, b := range bids {
		out = append(out, HistoryEntry{BidderID: b.BidderID, Amount: b.Amount, At: b.At})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	bidder, ok := caller(w, r)
	if !ok {
		return
	}
	var req BidRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.auctions.PlaceBid(r.Context(), mux.Vars(r)["id"], req.Amount, bidder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BidResponse{
		Price:    res.Price,
		Deadline: res.Deadline,
		Extended: res.NewDeadline != nil,
	})
}

func (s *Server) cancelAuction(w http.ResponseWriter, r *http.Request) {
	seller, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.auctions.CancelAuction(r.Context(), mux.Vars(r)["id"], seller); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.accounts.Open(r.Context(), req.Name, req.Balance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AccountResponse{ID: a.ID, Name: a.Name, Balance: a.Balance})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{ID: a.ID, Name: a.Name, Balance: a.Balance})
}

func (s *Server) chargeAccount(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.accounts.Charge(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{ID: a.ID, Name: a.Name, Balance: a.Balance})
}

// fail maps err to a status code. Infrastructure failures are logged and
// reported as retryable.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var re *auction.RejectionError
	switch {
	case errors.As(err, &re):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "bid rejected", Reason: re.Reason.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auction.ErrInvalidAuction), errors.Is(err, account.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auction.ErrNotSeller):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auction.ErrNotCancelable), errors.Is(err, auction.ErrNotEditable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		telemetry.LogWithTrace(r.Context(), s.logger).ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}

func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		telemetry.LogWithTrace(ctx, s.logger).DebugContext(ctx, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(AccountHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing "+AccountHeader+" header")
		return "", false
	}
	return id, true
}

// intParam parses a non-negative query parameter, writing a 400 when it is
// malformed.
func intParam(w http.ResponseWriter, raw, name string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
