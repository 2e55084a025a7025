package coinflip

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/fairness"
	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/store"
)

// RevealResult is the settled outcome of a bet.
type RevealResult struct {
	Bet            *model.Bet      `json:"-"`
	Result         model.Side      `json:"result"`
	IsWinner       bool            `json:"isWinner"`
	Payout         model.Payout    `json:"breakdown"`
	CurrentStreak  int             `json:"currentStreak"`
	StreakWinnings decimal.Decimal `json:"streakWinnings"`
	Proof          fairness.Proof  `json:"proof"`
}

// RevealBet is the second phase of a flip. It verifies the client seed
// against its commitment, derives the outcome, and settles the bet.
//
// A bet settles exactly once. Any later or concurrent reveal gets an
// *AlreadyRevealedError holding the original settlement.
func (e *Engine) RevealBet(ctx context.Context, betID, clientSeed string) (*RevealResult, error) {
	bet, err := e.bets.GetBet(ctx, betID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBetNotFound
	}
	if err != nil {
		e.log.Error("failed to load bet", "bet_id", betID, "error", err)
		return nil, ErrRevealFailed
	}

	switch bet.Status {
	case model.StatusPending:
	case model.StatusExpired:
		return nil, ErrBetExpired
	default:
		return nil, &AlreadyRevealedError{Bet: bet}
	}

	now := e.now()
	if now.After(bet.ExpiresAt) {
		return nil, e.expire(ctx, bet, now)
	}

	if !fairness.VerifySeed(clientSeed, bet.ClientSeedHash) {
		return nil, ErrSeedMismatch
	}

	serverSeed, err := e.seeds.GetSeed(ctx, bet.ID)
	if err != nil {
		e.log.Error("failed to load server seed", "bet_id", bet.ID, "error", err)
		return nil, ErrRevealFailed
	}

	combined := fairness.CombineSeeds(clientSeed, serverSeed)
	result, err := fairness.DetermineResult(combined)
	if err != nil {
		e.log.Error("failed to determine result", "bet_id", bet.ID, "error", err)
		return nil, ErrRevealFailed
	}
	isWinner := result == bet.Choice

	split, err := e.calc.Calculate(bet.Amount, isWinner, bet.StreakMultiplier)
	if err != nil {
		e.log.Error("payout calculation failed", "bet_id", bet.ID, "error", err)
		return nil, ErrRevealFailed
	}

	bet.ClientSeed = clientSeed
	bet.CombinedHash = combined
	bet.Result = result
	bet.IsWinner = isWinner
	bet.Payout = split
	bet.RevealedAt = &now

	if err := e.bets.RevealBet(ctx, bet); err != nil {
		if errors.Is(err, store.ErrBetNotPending) {
			return nil, e.lostRace(ctx, bet.ID)
		}
		e.log.Error("failed to persist reveal", "bet_id", bet.ID, "error", err)
		return nil, ErrRevealFailed
	}
	bet.Status = model.StatusRevealed

	// The bet is settled and credited. A streak write failure must not undo
	// that, so the expected streak is reported and the error logged. The
	// store only extends the streak if no cashout reset it meanwhile.
	streak, err := e.counters.RecordStreak(ctx, bet.Bettor, isWinner, bet.StreakLevel, split.Net)
	if err != nil {
		e.log.Error("failed to record streak", "bet_id", bet.ID, "bettor", bet.Bettor, "error", err)
		streak = model.StreakState{Winnings: decimal.Zero}
		if isWinner {
			streak = model.StreakState{Count: bet.StreakLevel + 1, Winnings: split.Net}
		}
	}

	e.log.Info("bet revealed",
		"bet_id", bet.ID,
		"bettor", bet.Bettor,
		"result", result,
		"winner", isWinner,
		"gross", split.Gross.String(),
		"net", split.Net.String(),
		"house_fee", split.HouseFee.String(),
		"burn", split.Burn.String(),
		"streak", streak.Count,
	)

	if e.notifier != nil {
		e.notifier.NotifyReveal(RevealEvent{
			BetID:    bet.ID,
			Bettor:   bet.Bettor,
			Amount:   bet.Amount,
			Choice:   bet.Choice,
			Result:   result,
			IsWinner: isWinner,
			Payout:   split.Net,
			Streak:   streak.Count,
		})
	}

	return &RevealResult{
		Bet:            bet,
		Result:         result,
		IsWinner:       isWinner,
		Payout:         split,
		CurrentStreak:  streak.Count,
		StreakWinnings: streak.Winnings,
		Proof:          proofFor(bet, serverSeed),
	}, nil
}

// expire forfeits a bet revealed after its window. The forfeit counts as a
// loss for the streak.
func (e *Engine) expire(ctx context.Context, bet *model.Bet, now time.Time) error {
	err := e.bets.ExpireBet(ctx, bet.ID, now)
	if errors.Is(err, store.ErrBetNotPending) {
		return e.lostRace(ctx, bet.ID)
	}
	if err != nil {
		e.log.Error("failed to expire bet", "bet_id", bet.ID, "error", err)
		return ErrRevealFailed
	}

	if _, err := e.counters.RecordStreak(ctx, bet.Bettor, false, bet.StreakLevel, decimal.Zero); err != nil {
		e.log.Error("failed to reset streak after expiry", "bet_id", bet.ID, "error", err)
	}
	e.log.Info("bet expired",
		"bet_id", bet.ID,
		"bettor", bet.Bettor,
		"amount", bet.Amount.String(),
		"expired_at", bet.ExpiresAt,
	)
	return ErrBetExpired
}

// lostRace reports the state another request settled the bet into.
func (e *Engine) lostRace(ctx context.Context, betID string) error {
	current, err := e.bets.GetBet(ctx, betID)
	if err != nil {
		e.log.Error("failed to reload bet after lost reveal race", "bet_id", betID, "error", err)
		return ErrRevealFailed
	}
	if current.Status == model.StatusExpired {
		return ErrBetExpired
	}
	return &AlreadyRevealedError{Bet: current}
}

func proofFor(bet *model.Bet, serverSeed string) fairness.Proof {
	return fairness.Proof{
		ClientSeed:     bet.ClientSeed,
		ClientSeedHash: bet.ClientSeedHash,
		ServerSeed:     serverSeed,
		ServerSeedHash: bet.ServerSeedHash,
		CombinedHash:   bet.CombinedHash,
		Result:         bet.Result,
		Algorithm:      fairness.Algorithm,
	}
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
