// Package api exposes the flip engine over HTTP: the two-phase bet
// endpoints, verification, cashout, withdrawals, and a WebSocket feed of
// settled reveals.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/coinflip"
	"github.com/memeflip/flip-engine/internal/fairness"
	"github.com/memeflip/flip-engine/internal/ledger"
	"github.com/memeflip/flip-engine/internal/metrics"
	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/payout"
)

const (
	// maxBodyBytes caps request bodies.
	maxBodyBytes   = 1 << 16
	requestTimeout = 30 * time.Second
)

var errBadBody = errors.New("invalid request body")

// Service holds the HTTP handlers.
type Service struct {
	engine   *coinflip.Engine
	ledger   *ledger.Service
	hub      *Hub
	validate *validator.Validate
	log      *slog.Logger
}

// NewService creates the HTTP service. hub may be nil when the live feed
// is not served.
func NewService(engine *coinflip.Engine, ledgerSvc *ledger.Service, hub *Hub, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	v := validator.New()
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{engine: engine, ledger: ledgerSvc, hub: hub, validate: v, log: log}
}

// Routes mounts the API on r. The WebSocket feed is outside the request
// timeout.
func (s *Service) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/bet", s.PlaceBet)
		r.Post("/reveal", s.RevealBet)
		r.Get("/verify", s.Verify)
		r.Post("/cashout", s.Cashout)
		r.Post("/withdraw", s.RequestWithdrawal)
		r.Get("/withdraw", s.WithdrawalHistory)
		r.Post("/self-exclude", s.SelfExclude)
		r.Get("/bets", s.ListBets)
		r.Get("/status", s.Status)
		r.Get("/limits", s.Limits)

		// Callbacks for the downstream payout processor.
		r.Post("/bets/{betID}/paid", s.MarkPaid)
		r.Post("/withdrawals/{withdrawalID}/status", s.UpdateWithdrawal)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return s.validate.Struct(dst)
}

// --- Request/Response types ---

// PlaceBetRequest is the JSON body for POST /bet.
type PlaceBetRequest struct {
	WalletAddress  string          `json:"walletAddress" validate:"required,eth_addr"`
	FID            int64           `json:"fid,omitempty" validate:"gte=0"` // Farcaster id, optional
	Amount         decimal.Decimal `json:"amount"`
	Choice         string          `json:"choice" validate:"required,oneof=heads tails"`
	ClientSeedHash string          `json:"clientSeedHash" validate:"required,len=64,hexadecimal"`
	CurrentStreak  int             `json:"currentStreak" validate:"gte=0"`
}

// RevealRequest is the JSON body for POST /reveal.
type RevealRequest struct {
	BetID      string `json:"betId" validate:"required,uuid"`
	ClientSeed string `json:"clientSeed" validate:"required,max=256"`
}

// RevealResponse is returned from POST /reveal.
type RevealResponse struct {
	BetID          string          `json:"betId"`
	Result         model.Side      `json:"result"`
	IsWinner       bool            `json:"isWinner"`
	Payout         decimal.Decimal `json:"payout"`
	Breakdown      model.Payout    `json:"breakdown"`
	CurrentStreak  int             `json:"currentStreak"`
	StreakWinnings decimal.Decimal `json:"streakWinnings"`
	NextMultiplier decimal.Decimal `json:"nextMultiplier"`
	Proof          fairness.Proof  `json:"proof"`
}

// CashoutRequest is the JSON body for POST /cashout.
type CashoutRequest struct {
	WalletAddress string          `json:"walletAddress" validate:"required,eth_addr"`
	Amount        decimal.Decimal `json:"amount"`
}

// CashoutResponse is returned from POST /cashout.
type CashoutResponse struct {
	Amount  decimal.Decimal `json:"amount"`
	Streak  int             `json:"streak"`
	Claimed decimal.Decimal `json:"claimed"`
	Message string          `json:"message"`
}

// WalletRequest is the JSON body for POST /withdraw.
type WalletRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,eth_addr"`
}

// SelfExcludeRequest is the JSON body for POST /self-exclude.
type SelfExcludeRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,eth_addr"`
	Days          int    `json:"days" validate:"required,min=1,max=365"`
}

// WithdrawalUpdateRequest is the JSON body for POST /withdrawals/{id}/status.
type WithdrawalUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=processing completed failed"`
	TxHash string `json:"txHash" validate:"omitempty,max=128"`
}

// --- HTTP Handlers ---

// PlaceBet handles POST /bet
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	socialID := ""
	if req.FID > 0 {
		socialID = strconv.FormatInt(req.FID, 10)
	}
	res, err := s.engine.PlaceBet(r.Context(), coinflip.PlaceBetRequest{
		Bettor:         req.WalletAddress,
		SocialID:       socialID,
		Amount:         req.Amount,
		Choice:         req.Choice,
		ClientSeedHash: req.ClientSeedHash,
		CurrentStreak:  req.CurrentStreak,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	metrics.BetsPlaced.WithLabelValues(req.Choice).Inc()
	writeJSON(w, http.StatusOK, res)
}

// RevealBet handles POST /reveal
func (s *Service) RevealBet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.RevealLatency.Observe(time.Since(start).Seconds()) }()

	var req RevealRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.RevealBet(r.Context(), req.BetID, req.ClientSeed)
	if err != nil {
		if errors.Is(err, coinflip.ErrBetExpired) {
			metrics.ExpiredBets.Inc()
		}
		s.writeError(w, r, err)
		return
	}

	if res.IsWinner {
		metrics.Reveals.WithLabelValues("win").Inc()
		metrics.PayoutUnits.WithLabelValues("net").Add(res.Payout.Net.InexactFloat64())
		metrics.PayoutUnits.WithLabelValues("house_fee").Add(res.Payout.HouseFee.InexactFloat64())
		metrics.PayoutUnits.WithLabelValues("burn").Add(res.Payout.Burn.InexactFloat64())
	} else {
		metrics.Reveals.WithLabelValues("loss").Inc()
	}

	writeJSON(w, http.StatusOK, RevealResponse{
		BetID:          res.Bet.ID,
		Result:         res.Result,
		IsWinner:       res.IsWinner,
		Payout:         res.Payout.Net,
		Breakdown:      res.Payout,
		CurrentStreak:  res.CurrentStreak,
		StreakWinnings: res.StreakWinnings,
		NextMultiplier: payout.StreakMultiplier(res.CurrentStreak + 1),
		Proof:          res.Proof,
	})
}

// Verify handles GET /verify?betId=
func (s *Service) Verify(w http.ResponseWriter, r *http.Request) {
	betID := r.URL.Query().Get("betId")
	if betID == "" {
		s.writeError(w, r, fmt.Errorf("%w: betId is required", errBadBody))
		return
	}
	res, err := s.engine.Verify(r.Context(), betID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cashout handles POST /cashout
func (s *Service) Cashout(w http.ResponseWriter, r *http.Request) {
	var req CashoutRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Cashout(r.Context(), req.WalletAddress, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CashoutResponse{
		Amount:  res.Amount,
		Streak:  res.Streak,
		Claimed: res.Claimed,
		Message: fmt.Sprintf("Cashed out %s after %d wins", res.Amount, res.Streak),
	})
}

// RequestWithdrawal handles POST /withdraw
func (s *Service) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WalletRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wd, err := s.ledger.RequestWithdrawal(r.Context(), req.WalletAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawal": wd})
}

// WithdrawalHistory handles GET /withdraw?wallet=
func (s *Service) WithdrawalHistory(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	ctx := r.Context()

	bal, err := s.ledger.GetBalance(ctx, wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.ledger.GetWithdrawalHistory(ctx, wallet, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":       bal,
		"withdrawals":   history,
		"minWithdrawal": s.ledger.MinWithdrawal(),
	})
}

// SelfExclude handles POST /self-exclude
func (s *Service) SelfExclude(w http.ResponseWriter, r *http.Request) {
	var req SelfExcludeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ex, err := s.engine.SelfExclude(r.Context(), req.WalletAddress, req.Days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"walletAddress": ex.Bettor,
		"until":         ex.Until,
	})
}

// ListBets handles GET /bets?wallet=&limit=
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.engine.ListBets(r.Context(), r.URL.Query().Get("wallet"), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

// Status handles GET /status?wallet=
// Returns the bettor's streak, today's usage and any active exclusion.
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Standing(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Limits handles GET /limits
func (s *Service) Limits(w http.ResponseWriter, _ *http.Request) {
	l := s.engine.Limiter()
	calc := s.engine.Calculator()

	multipliers := make([]decimal.Decimal, 0, 7)
	for wins := 0; wins <= 6; wins++ {
		multipliers = append(multipliers, payout.StreakMultiplier(wins))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"minBet":              l.MinBet,
		"maxBet":              l.MaxBet,
		"dailyLimit":          l.DailyLimit,
		"maxDailyFlips":       l.MaxDailyFlips,
		"minWithdrawal":       s.ledger.MinWithdrawal(),
		"houseFeeBps":         calc.HouseFeeBPS(),
		"burnBps":             calc.BurnBPS(),
		"revealWindowSeconds": int(s.engine.RevealWindow().Seconds()),
		"streakMultipliers":   multipliers,
		"baseExpectedReturn":  calc.ExpectedReturn(payout.StreakMultiplier(0)),
	})
}

// MarkPaid handles POST /bets/{betID}/paid
func (s *Service) MarkPaid(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "betID")
	if err := s.ledger.MarkPaid(r.Context(), betID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"betId": betID, "status": string(model.StatusPaid)})
}

// UpdateWithdrawal handles POST /withdrawals/{withdrawalID}/status
func (s *Service) UpdateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalUpdateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wd, err := s.ledger.UpdateWithdrawalStatus(r.Context(), chi.URLParam(r, "withdrawalID"),
		model.WithdrawalStatus(req.Status), req.TxHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawal": wd})
}

// queryInt parses an optional integer query parameter; invalid values read as 0.
func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
