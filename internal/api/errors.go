package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/memeflip/flip-engine/internal/coinflip"
	"github.com/memeflip/flip-engine/internal/ledger"
	"github.com/memeflip/flip-engine/internal/limits"
	"github.com/memeflip/flip-engine/internal/metrics"
	"github.com/memeflip/flip-engine/internal/wallet"
)

// Reason codes beyond those in package limits.
const (
	ReasonInvalidRequest      = "invalid_request"
	ReasonInvalidAddress      = "invalid_address"
	ReasonInvalidChoice       = "invalid_choice"
	ReasonInvalidSeedHash     = "invalid_seed_hash"
	ReasonInvalidExclusion    = "invalid_exclusion"
	ReasonSeedMismatch        = "seed_mismatch"
	ReasonSelfExcluded        = "self_excluded"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonNotFound            = "not_found"
	ReasonAlreadyRevealed     = "already_revealed"
	ReasonNotRevealed         = "not_revealed"
	ReasonExpired             = "bet_expired"
	ReasonNothingToCashout    = "nothing_to_cashout"
	ReasonBelowMinWithdrawal  = "below_min_withdrawal"
	ReasonWithdrawalInFlight  = "withdrawal_in_flight"
	ReasonInvalidTransition   = "invalid_transition"
	ReasonBetInFlight         = "bet_in_flight"
	ReasonPlaceFailed         = "place_failed"
	ReasonRevealFailed        = "reveal_failed"
	ReasonInternal            = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// classify maps an error to its HTTP status and client-facing body.
// Failed placements and reveals keep their own reason; anything else
// unrecognized is a 500 with a generic message.
func classify(err error) (int, ErrorResponse) {
	var (
		violation *limits.Violation
		invalid   validator.ValidationErrors
		already   *coinflip.AlreadyRevealedError
		excluded  *coinflip.ExcludedError
		below     *ledger.BelowMinimumError
		inFlight  *coinflip.BetInFlightError
	)

	switch {
	case errors.As(err, &invalid):
		fields := make(map[string]any, len(invalid))
		for _, fe := range invalid {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusBadRequest, ErrorResponse{"invalid request", ReasonInvalidRequest, fields}
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonInvalidRequest, nil}
	case errors.As(err, &violation):
		return http.StatusBadRequest, ErrorResponse{violation.Error(), violation.Reason, violation.Details}
	case errors.Is(err, wallet.ErrInvalidAddress):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonInvalidAddress, nil}
	case errors.Is(err, coinflip.ErrInvalidSide):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonInvalidChoice, nil}
	case errors.Is(err, coinflip.ErrInvalidSeedHash):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonInvalidSeedHash, nil}
	case errors.Is(err, coinflip.ErrInvalidExclusion):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonInvalidExclusion, map[string]any{
			"minDays": coinflip.MinExclusionDays,
			"maxDays": coinflip.MaxExclusionDays,
		}}
	case errors.Is(err, coinflip.ErrSeedMismatch):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonSeedMismatch, nil}
	case errors.Is(err, coinflip.ErrInsufficientBalance):
		return http.StatusBadRequest, ErrorResponse{coinflip.ErrInsufficientBalance.Error(), ReasonInsufficientBalance, nil}
	case errors.Is(err, coinflip.ErrNothingToCashout):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonNothingToCashout, nil}
	case errors.As(err, &below):
		return http.StatusBadRequest, ErrorResponse{below.Error(), ReasonBelowMinWithdrawal, map[string]any{
			"amount":  below.Amount.String(),
			"minimum": below.Minimum.String(),
		}}
	case errors.Is(err, ledger.ErrWithdrawalInFlight):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonWithdrawalInFlight, nil}
	case errors.Is(err, ledger.ErrInvalidStatus):
		return http.StatusBadRequest, ErrorResponse{err.Error(), ReasonInvalidRequest, nil}
	case errors.As(err, &excluded):
		return http.StatusForbidden, ErrorResponse{err.Error(), ReasonSelfExcluded, map[string]any{
			"until": excluded.Until.UTC().Format(time.RFC3339),
		}}
	case errors.Is(err, coinflip.ErrBetNotFound), errors.Is(err, ledger.ErrBetNotFound),
		errors.Is(err, ledger.ErrWithdrawalNotFound):
		return http.StatusNotFound, ErrorResponse{err.Error(), ReasonNotFound, nil}
	case errors.As(err, &already):
		bet := already.Bet
		return http.StatusConflict, ErrorResponse{coinflip.ErrAlreadyRevealed.Error(), ReasonAlreadyRevealed, map[string]any{
			"betId":    bet.ID,
			"status":   bet.Status,
			"result":   bet.Result,
			"isWinner": bet.IsWinner,
			"payout":   bet.Payout.Net.String(),
		}}
	case errors.As(err, &inFlight):
		var details map[string]any
		if inFlight.BetID != "" {
			details = map[string]any{
				"betId":     inFlight.BetID,
				"expiresAt": inFlight.ExpiresAt.UTC().Format(time.RFC3339),
			}
		}
		return http.StatusConflict, ErrorResponse{coinflip.ErrBetInFlight.Error(), ReasonBetInFlight, details}
	case errors.Is(err, coinflip.ErrBetNotRevealed):
		return http.StatusConflict, ErrorResponse{err.Error(), ReasonNotRevealed, nil}
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{err.Error(), ReasonInvalidTransition, nil}
	case errors.Is(err, coinflip.ErrBetExpired):
		return http.StatusGone, ErrorResponse{coinflip.ErrBetExpired.Error(), ReasonExpired, nil}
	case errors.Is(err, coinflip.ErrPlaceFailed):
		return http.StatusInternalServerError, ErrorResponse{coinflip.ErrPlaceFailed.Error(), ReasonPlaceFailed, nil}
	case errors.Is(err, coinflip.ErrRevealFailed):
		return http.StatusInternalServerError, ErrorResponse{coinflip.ErrRevealFailed.Error(), ReasonRevealFailed, nil}
	}
	return http.StatusInternalServerError, ErrorResponse{"internal error", ReasonInternal, nil}
}

// writeError writes err as a JSON error response. Server errors are logged
// with the request path; their cause is never sent to the client.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		metrics.Rejections.WithLabelValues(body.Reason).Inc()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
