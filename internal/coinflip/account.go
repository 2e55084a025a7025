package coinflip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/fairness"
	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/payout"
	"github.com/memeflip/flip-engine/internal/store"
	"github.com/memeflip/flip-engine/internal/wallet"
)

// CashoutResult reports a banked streak.
type CashoutResult struct {
	// Amount is the server-tracked winnings of the streak just ended.
	Amount decimal.Decimal `json:"amount"`
	// Streak is the length of the streak just ended.
	Streak int `json:"streak"`
	// Claimed echoes the client-submitted amount.
	Claimed decimal.Decimal `json:"claimed"`
}

// Cashout ends the bettor's streak and reports its accumulated winnings.
// The winnings were credited to the balance as each bet settled, so no
// money moves here. claimed is informational only.
func (e *Engine) Cashout(ctx context.Context, bettor string, claimed decimal.Decimal) (*CashoutResult, error) {
	bettor, err := wallet.ParseAddress(bettor)
	if err != nil {
		return nil, err
	}

	prev, err := e.counters.ResetStreak(ctx, bettor)
	if err != nil {
		e.log.Error("failed to reset streak", "bettor", bettor, "error", err)
		return nil, fmt.Errorf("coinflip: cashout failed: %w", err)
	}
	if prev.Count == 0 {
		return nil, ErrNothingToCashout
	}

	if !claimed.IsZero() && !claimed.Equal(prev.Winnings) {
		e.log.Warn("cashout claim differs from streak winnings",
			"bettor", bettor,
			"claimed", claimed.String(),
			"winnings", prev.Winnings.String(),
		)
	}
	e.log.Info("streak cashed out",
		"bettor", bettor,
		"streak", prev.Count,
		"amount", prev.Winnings.String(),
	)

	return &CashoutResult{Amount: prev.Winnings, Streak: prev.Count, Claimed: claimed}, nil
}

// VerifyResult is an independent audit of a settled bet.
type VerifyResult struct {
	fairness.Verification
	Bet   *model.Bet     `json:"bet"`
	Proof fairness.Proof `json:"proof"`
}

// Verify rebuilds the proof of a settled bet from storage and rechecks it.
// Unsettled bets are refused so the server seed stays secret.
func (e *Engine) Verify(ctx context.Context, betID string) (*VerifyResult, error) {
	bet, err := e.bets.GetBet(ctx, betID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("coinflip: load bet: %w", err)
	}
	if bet.Status != model.StatusRevealed && bet.Status != model.StatusPaid {
		return nil, ErrBetNotRevealed
	}

	serverSeed, err := e.seeds.GetSeed(ctx, bet.ID)
	if err != nil {
		return nil, fmt.Errorf("coinflip: load server seed: %w", err)
	}

	proof := proofFor(bet, serverSeed)
	return &VerifyResult{
		Verification: fairness.VerifyBetOutcome(proof),
		Bet:          bet,
		Proof:        proof,
	}, nil
}

// SelfExclude blocks the bettor from placing bets for the given number of
// days. An existing longer exclusion is kept.
func (e *Engine) SelfExclude(ctx context.Context, bettor string, days int) (model.SelfExclusion, error) {
	bettor, err := wallet.ParseAddress(bettor)
	if err != nil {
		return model.SelfExclusion{}, err
	}
	if days < MinExclusionDays || days > MaxExclusionDays {
		return model.SelfExclusion{}, fmt.Errorf("%w: got %d", ErrInvalidExclusion, days)
	}

	until := e.now().Add(time.Duration(days) * 24 * time.Hour)
	ex, err := e.exclusions.SetSelfExclusion(ctx, model.SelfExclusion{Bettor: bettor, Until: until})
	if err != nil {
		return model.SelfExclusion{}, fmt.Errorf("coinflip: record self-exclusion: %w", err)
	}

	e.log.Info("self-exclusion recorded", "bettor", bettor, "until", ex.Until)
	return ex, nil
}

// ListBets returns the bettor's recent bets, newest first. A limit outside
// 1..100 is clamped.
func (e *Engine) ListBets(ctx context.Context, bettor string, limit int) ([]model.Bet, error) {
	bettor, err := wallet.ParseAddress(bettor)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	bets, err := e.bets.ListBetsByBettor(ctx, bettor, limit)
	if err != nil {
		return nil, fmt.Errorf("coinflip: list bets: %w", err)
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	return bets, nil
}

// Standing is a bettor's current position against the wagering policy.
type Standing struct {
	Streak         model.StreakState    `json:"streak"`
	NextMultiplier decimal.Decimal      `json:"nextMultiplier"`
	Today          model.DailyUsage     `json:"today"`
	RemainingToday decimal.Decimal      `json:"remainingToday"`
	MaxDailyFlips  int                  `json:"maxDailyFlips"`
	SelfExclusion  *model.SelfExclusion `json:"selfExclusion,omitempty"`
}

// Standing reports streak, today's usage and any active self-exclusion.
func (e *Engine) Standing(ctx context.Context, bettor string) (*Standing, error) {
	bettor, err := wallet.ParseAddress(bettor)
	if err != nil {
		return nil, err
	}
	now := e.now()

	streak, err := e.counters.GetStreak(ctx, bettor)
	if err != nil {
		return nil, fmt.Errorf("coinflip: load streak: %w", err)
	}
	usage, err := e.counters.GetDailyUsage(ctx, bettor, model.DayKey(now))
	if err != nil {
		return nil, fmt.Errorf("coinflip: load daily usage: %w", err)
	}
	ex, err := e.exclusions.GetSelfExclusion(ctx, bettor)
	if err != nil {
		return nil, fmt.Errorf("coinflip: load self-exclusion: %w", err)
	}
	if ex != nil && !ex.Active(now) {
		ex = nil
	}

	tierCap := 0
	if e.tiers != nil {
		if tierCap, err = e.tiers.MaxDailyFlips(ctx, bettor); err != nil {
			tierCap = 0
		}
	}

	return &Standing{
		Streak:         streak,
		NextMultiplier: payout.StreakMultiplier(streak.Count + 1),
		Today:          usage,
		RemainingToday: e.limiter.Remaining(usage),
		MaxDailyFlips:  e.limiter.FlipCap(tierCap),
		SelfExclusion:  ex,
	}, nil
}
