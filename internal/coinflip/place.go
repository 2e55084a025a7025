package coinflip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/fairness"
	"github.com/memeflip/flip-engine/internal/limits"
	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/payout"
	"github.com/memeflip/flip-engine/internal/store"
	"github.com/memeflip/flip-engine/internal/wallet"
)

// PlaceBetRequest is the first phase of a flip.
type PlaceBetRequest struct {
	Bettor         string
	SocialID       string
	Amount         decimal.Decimal
	Choice         string
	ClientSeedHash string

	// CurrentStreak is what the client believes its streak is. The
	// server-tracked streak decides the multiplier.
	CurrentStreak int
}

// PlaceBetResult is the server's commitment for a new bet.
type PlaceBetResult struct {
	BetID            string          `json:"betId"`
	ServerSeedHash   string          `json:"serverSeedHash"`
	StreakMultiplier decimal.Decimal `json:"streakMultiplier"`
	ExpiresAt        time.Time       `json:"expiresAt"`
}

// PlaceBet validates the wager, reserves it against the day's allowance,
// commits to a fresh server seed and stores the pending bet.
//
// A bettor has at most one pending bet, which fixes the streak multiplier
// each bet is quoted. A pending bet whose window has passed is forfeited
// here so it does not block play.
func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	bettor, err := wallet.ParseAddress(req.Bettor)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.CheckAmount(req.Amount); err != nil {
		return nil, err
	}
	choice, err := model.ParseSide(req.Choice)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, req.Choice)
	}
	if !fairness.ValidHash(req.ClientSeedHash) {
		return nil, ErrInvalidSeedHash
	}

	now := e.now()

	ex, err := e.exclusions.GetSelfExclusion(ctx, bettor)
	if err != nil {
		e.log.Error("self-exclusion lookup failed", "bettor", bettor, "error", err)
		return nil, ErrPlaceFailed
	}
	if ex != nil && ex.Active(now) {
		return nil, &ExcludedError{Until: ex.Until}
	}

	if e.holdings != nil {
		held, err := e.holdings.TokenBalance(ctx, bettor)
		if err != nil {
			e.log.Error("token balance lookup failed", "bettor", bettor, "error", err)
			return nil, ErrPlaceFailed
		}
		if held.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: holding %s, wagering %s", ErrInsufficientBalance, held, req.Amount)
		}
	}

	tierCap := 0
	if e.tiers != nil {
		if tierCap, err = e.tiers.MaxDailyFlips(ctx, bettor); err != nil {
			// Fall back to the default cap rather than blocking play.
			e.log.Warn("tier lookup failed", "bettor", bettor, "error", err)
			tierCap = 0
		}
	}

	if err := e.clearPending(ctx, bettor, now); err != nil {
		return nil, err
	}

	day := model.DayKey(now)
	usage, err := e.counters.ReserveDailyWager(ctx, bettor, day, req.Amount,
		e.limiter.DailyLimit, e.limiter.FlipCap(tierCap))
	if errors.Is(err, store.ErrLimitReached) {
		if v := e.limiter.CheckDaily(usage, req.Amount, tierCap); v != nil {
			return nil, v
		}
		return nil, &limits.Violation{Reason: limits.ReasonDailyLimitExceeded, Err: limits.ErrDailyLimitExceeded}
	}
	if err != nil {
		e.log.Error("daily wager reservation failed", "bettor", bettor, "error", err)
		return nil, ErrPlaceFailed
	}

	streak, err := e.counters.GetStreak(ctx, bettor)
	if err != nil {
		e.release(ctx, bettor, day, req.Amount)
		e.log.Error("streak lookup failed", "bettor", bettor, "error", err)
		return nil, ErrPlaceFailed
	}
	if req.CurrentStreak != streak.Count {
		e.log.Warn("client streak differs from server streak",
			"bettor", bettor,
			"client_streak", req.CurrentStreak,
			"server_streak", streak.Count,
		)
	}

	serverSeed, err := e.newSeed()
	if err != nil {
		e.release(ctx, bettor, day, req.Amount)
		e.log.Error("seed generation failed", "error", err)
		return nil, ErrPlaceFailed
	}

	bet := &model.Bet{
		ID:               uuid.New().String(),
		Bettor:           bettor,
		SocialID:         req.SocialID,
		Amount:           req.Amount,
		Choice:           choice,
		ClientSeedHash:   normalizeHash(req.ClientSeedHash),
		ServerSeedHash:   fairness.HashSeed(serverSeed),
		StreakLevel:      streak.Count,
		StreakMultiplier: payout.StreakMultiplier(streak.Count + 1),
		Status:           model.StatusPending,
		PlacedAt:         now,
		ExpiresAt:        now.Add(e.window),
	}

	if err := e.seeds.PutSeed(ctx, bet.ID, serverSeed); err != nil {
		e.release(ctx, bettor, day, req.Amount)
		e.log.Error("failed to store server seed", "bet_id", bet.ID, "error", err)
		return nil, ErrPlaceFailed
	}
	if err := e.bets.CreateBet(ctx, bet); err != nil {
		e.release(ctx, bettor, day, req.Amount)
		if derr := e.seeds.DeleteSeed(ctx, bet.ID); derr != nil {
			e.log.Warn("failed to drop orphaned seed", "bet_id", bet.ID, "error", derr)
		}
		if errors.Is(err, store.ErrBetInFlight) {
			// Lost a race with a concurrent PlaceBet for the same bettor.
			return nil, e.inFlight(ctx, bettor)
		}
		e.log.Error("failed to store bet", "bet_id", bet.ID, "bettor", bettor, "error", err)
		return nil, ErrPlaceFailed
	}

	e.log.Info("bet placed",
		"bet_id", bet.ID,
		"bettor", bettor,
		"amount", bet.Amount.String(),
		"choice", bet.Choice,
		"streak", bet.StreakLevel,
		"multiplier", bet.StreakMultiplier.String(),
		"daily_wagered", usage.Wagered.String(),
	)

	return &PlaceBetResult{
		BetID:            bet.ID,
		ServerSeedHash:   bet.ServerSeedHash,
		StreakMultiplier: bet.StreakMultiplier,
		ExpiresAt:        bet.ExpiresAt,
	}, nil
}

// clearPending returns a *BetInFlightError if the bettor has a revealable
// pending bet. An expired one is forfeited as a loss first.
func (e *Engine) clearPending(ctx context.Context, bettor string, now time.Time) error {
	open, err := e.bets.PendingBet(ctx, bettor)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.log.Error("pending bet lookup failed", "bettor", bettor, "error", err)
		return ErrPlaceFailed
	}
	if !now.After(open.ExpiresAt) {
		return &BetInFlightError{BetID: open.ID, ExpiresAt: open.ExpiresAt}
	}

	err = e.expire(ctx, open, now)
	var settled *AlreadyRevealedError
	if errors.Is(err, ErrBetExpired) || errors.As(err, &settled) {
		return nil
	}
	return ErrPlaceFailed
}

func (e *Engine) inFlight(ctx context.Context, bettor string) error {
	open, err := e.bets.PendingBet(ctx, bettor)
	if err != nil {
		return &BetInFlightError{}
	}
	return &BetInFlightError{BetID: open.ID, ExpiresAt: open.ExpiresAt}
}

// release undoes a daily reservation for a bet that was never stored.
func (e *Engine) release(ctx context.Context, bettor, day string, amount decimal.Decimal) {
	if err := e.counters.ReleaseDailyWager(ctx, bettor, day, amount); err != nil {
		e.log.Error("failed to release daily wager", "bettor", bettor, "day", day, "amount", amount.String(), "error", err)
	}
}

// ExcludedError reports an active self-exclusion.
type ExcludedError struct {
	Until time.Time
}

func (e *ExcludedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrSelfExcluded, e.Until.UTC().Format(time.RFC3339))
}

func (e *ExcludedError) Is(target error) bool { return target == ErrSelfExcluded }
