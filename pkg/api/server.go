// Package api exposes one player session over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/dicebet/pkg/bet"
	"github.com/uhyunpark/dicebet/pkg/quote"
	"github.com/uhyunpark/dicebet/pkg/session"
	"github.com/uhyunpark/dicebet/pkg/storage"
	"github.com/uhyunpark/dicebet/pkg/swap"
	"github.com/uhyunpark/dicebet/pkg/units"
	"github.com/uhyunpark/dicebet/pkg/util"
)

// Session is the part of *session.Session the server drives.
type Session interface {
	Player() common.Address
	SetHandlers(h session.Handlers)
	PlaceBet(ctx context.Context, choice int, stake *big.Int) (bet.Wager, error)
	CurrentWager() (bet.Wager, bool)
	NewRound() error
	Abandon()
	Limits() bet.Limits
	History(limit int) ([]storage.Round, error)
	QuoteWinnings(ctx context.Context) (quote.PriceQuote, error)
	Quote(ctx context.Context, sourceAmount string) (quote.PriceQuote, error)
	Swap(ctx context.Context, q quote.PriceQuote) (swap.Ticket, swap.Confirmation, error)
}

// Info is static deployment data served by /config.
type Info struct {
	ChainID       int64
	Contract      string
	WinMultiplier int64
	QuoteTiers    []string
	SwapRouter    string
	Sell          units.Asset
	Buy           units.Asset
	CORSOrigins   []string
}

const defaultHistoryLimit = 50

// Server handles REST API and WebSocket connections
type Server struct {
	sess   Session
	info   Info
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	http   *http.Server
}

func NewServer(sess Session, info Info, logger *zap.SugaredLogger) *Server {
	logger = util.OrNop(logger)
	s := &Server{
		sess:   sess,
		info:   info,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		log:    logger,
	}
	s.setupRoutes()

	sess.SetHandlers(session.Handlers{
		OnWager: func(w bet.Wager) {
			s.hub.BroadcastToChannel(ChannelWager, wagerInfo(w))
		},
		OnPayout: func(w bet.Wager, n bet.PayoutNotice) {
			s.hub.BroadcastToChannel(ChannelPayout, wagerInfo(w))
		},
		OnSwap: func(t swap.Ticket) {
			s.hub.BroadcastToChannel(ChannelSwap, t)
		},
	})
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Round endpoints
	api.HandleFunc("/wager", s.handleGetWager).Methods("GET")
	api.HandleFunc("/bets", s.handlePlaceBet).Methods("POST")
	api.HandleFunc("/rounds", s.handleListRounds).Methods("GET")
	api.HandleFunc("/rounds/new", s.handleNewRound).Methods("POST")
	api.HandleFunc("/rounds/abandon", s.handleAbandon).Methods("POST")

	// Conversion endpoints
	api.HandleFunc("/quotes", s.handleGetQuote).Methods("GET")
	api.HandleFunc("/quotes/winnings", s.handleQuoteWinnings).Methods("GET")
	api.HandleFunc("/swaps", s.handleSwap).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	origins := s.info.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	resp := ConfigResponse{
		ChainID:       s.info.ChainID,
		Contract:      s.info.Contract,
		WinMultiplier: s.info.WinMultiplier,
		Limits:        limitsInfo(s.sess.Limits()),
		QuoteTiers:    s.info.QuoteTiers,
		SwapRouter:    s.info.SwapRouter,
		Sell:          assetInfo(s.info.Sell),
		Buy:           assetInfo(s.info.Buy),
	}
	if p := s.sess.Player(); p != (common.Address{}) {
		resp.Player = p.Hex()
	}
	respondJSON(w, http.StatusOK, resp)
}

func limitsInfo(l bet.Limits) LimitsInfo {
	return LimitsInfo{
		MinStake:        amountString(l.MinStake),
		MaxStake:        amountString(l.MaxStake),
		MinStakeDisplay: units.FormatUnits(l.MinStake, units.MON.Decimals),
		MaxStakeDisplay: units.FormatUnits(l.MaxStake, units.MON.Decimals),
	}
}

func (s *Server) handleGetWager(w http.ResponseWriter, r *http.Request) {
	wager, ok := s.sess.CurrentWager()
	if !ok {
		respondJSON(w, http.StatusOK, WagerResponse{})
		return
	}
	info := wagerInfo(wager)
	respondJSON(w, http.StatusOK, WagerResponse{Active: !wager.Status.Terminal(), Wager: &info})
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	stake, err := units.ParseUnits(req.Stake, units.MON.Decimals)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid stake", err.Error())
		return
	}

	wager, err := s.sess.PlaceBet(r.Context(), req.Choice, stake)
	if err != nil {
		s.respondRejection(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, wagerInfo(wager))
}

func (s *Server) handleNewRound(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.NewRound(); err != nil {
		respondError(w, http.StatusConflict, "wager in flight", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, WagerResponse{})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s.sess.Abandon()
	respondJSON(w, http.StatusOK, WagerResponse{})
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	rounds, err := s.sess.History(limit)
	if err != nil {
		s.log.Errorw("history_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "history unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, RoundsResponse{Rounds: rounds})
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.sess.Quote(r.Context(), r.URL.Query().Get("amount"))
	if err != nil {
		s.respondQuoteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quoteResponse(q))
}

func (s *Server) handleQuoteWinnings(w http.ResponseWriter, r *http.Request) {
	q, err := s.sess.QuoteWinnings(r.Context())
	if err != nil {
		s.respondQuoteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quoteResponse(q))
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	ticket, conf, err := s.sess.Swap(r.Context(), req.Quote)
	var execErr *swap.ExecutionError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, SwapResponse{Ticket: ticket, Confirmation: &conf})
	case errors.Is(err, quote.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
	case errors.Is(err, session.ErrAssetMismatch):
		respondError(w, http.StatusBadRequest, "asset mismatch", err.Error())
	case errors.Is(err, swap.ErrTicketUsed):
		respondError(w, http.StatusConflict, "ticket already submitted", err.Error())
	case errors.As(err, &execErr):
		respondError(w, http.StatusBadGateway, string(execErr.Kind), err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "swap failed", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

var rejectionStatus = map[bet.RejectionReason]int{
	bet.InvalidChoice:       http.StatusBadRequest,
	bet.StakeOutOfRange:     http.StatusBadRequest,
	bet.InsufficientBalance: http.StatusPaymentRequired,
	bet.PendingBetExists:    http.StatusConflict,
	bet.NotConnected:        http.StatusUnauthorized,
	bet.SignerUnavailable:   http.StatusUnauthorized,
	bet.UserRejected:        http.StatusForbidden,
	bet.SubmissionFailed:    http.StatusUnprocessableEntity,
	bet.Reverted:            http.StatusUnprocessableEntity,
}

func (s *Server) respondRejection(w http.ResponseWriter, err error) {
	var rej *bet.Rejection
	if !errors.As(err, &rej) {
		s.log.Errorw("place_bet_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "bet failed", err.Error())
		return
	}
	status, ok := rejectionStatus[rej.Reason]
	if !ok {
		status = http.StatusBadRequest
	}
	respondError(w, status, string(rej.Reason), err.Error())
}

func (s *Server) respondQuoteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quote.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
	case errors.Is(err, session.ErrNoWinnings):
		respondError(w, http.StatusConflict, "no winnings", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "quote failed", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
