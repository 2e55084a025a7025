// Package coinflip runs the two-phase commit-reveal bet lifecycle.
//
// PlaceBet commits to a fresh server seed and hands its hash to the bettor,
// who has already committed to a client seed. RevealBet takes the client seed,
// derives the outcome from both seeds, settles the payout atomically with the
// status change, and returns a proof anyone can recompute.
package coinflip

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/fairness"
	"github.com/memeflip/flip-engine/internal/limits"
	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/payout"
	"github.com/memeflip/flip-engine/internal/store"
	"github.com/memeflip/flip-engine/internal/wallet"
)

// DefaultRevealWindow is how long a bet stays revealable.
const DefaultRevealWindow = 5 * time.Minute

const (
	MinExclusionDays = 1
	MaxExclusionDays = 365

	defaultListLimit = 20
	maxListLimit     = 100
)

var (
	ErrBetNotFound         = errors.New("coinflip: bet not found")
	ErrAlreadyRevealed     = errors.New("coinflip: bet already revealed")
	ErrSeedMismatch        = errors.New("coinflip: client seed does not match committed hash")
	ErrBetExpired          = errors.New("coinflip: reveal window has elapsed, wager forfeited")
	ErrBetNotRevealed      = errors.New("coinflip: bet has not been revealed")
	ErrSelfExcluded        = errors.New("coinflip: bettor is self-excluded")
	ErrInsufficientBalance = errors.New("coinflip: token balance below wager")
	ErrInvalidSide         = errors.New("coinflip: choice must be heads or tails")
	ErrInvalidSeedHash     = errors.New("coinflip: client seed hash must be 64 hex characters")
	ErrInvalidExclusion    = errors.New("coinflip: self-exclusion must be between 1 and 365 days")
	ErrNothingToCashout    = errors.New("coinflip: no active streak to cash out")
	ErrBetInFlight         = errors.New("coinflip: previous bet has not been revealed")
	ErrPlaceFailed         = errors.New("coinflip: failed to place bet")
	ErrRevealFailed        = errors.New("coinflip: failed to reveal bet")
)

// AlreadyRevealedError carries the bet as originally settled. The outcome
// is never recomputed for a repeated reveal.
type AlreadyRevealedError struct {
	Bet *model.Bet
}

func (e *AlreadyRevealedError) Error() string {
	return fmt.Sprintf("%s: %s is %s", ErrAlreadyRevealed, e.Bet.ID, e.Bet.Status)
}

func (e *AlreadyRevealedError) Is(target error) bool { return target == ErrAlreadyRevealed }

// BetInFlightError names the pending bet blocking a new one. BetID is empty
// when the conflict was only detected by the store.
type BetInFlightError struct {
	BetID     string
	ExpiresAt time.Time
}

func (e *BetInFlightError) Error() string {
	if e.BetID == "" {
		return ErrBetInFlight.Error()
	}
	return fmt.Sprintf("%s: %s is revealable until %s", ErrBetInFlight, e.BetID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *BetInFlightError) Is(target error) bool { return target == ErrBetInFlight }

// Notifier receives settled reveals, e.g. for a live feed.
type Notifier interface {
	NotifyReveal(RevealEvent)
}

// RevealEvent is the public summary of a settled bet.
type RevealEvent struct {
	BetID    string          `json:"betId"`
	Bettor   string          `json:"walletAddress"`
	Amount   decimal.Decimal `json:"amount"`
	Choice   model.Side      `json:"choice"`
	Result   model.Side      `json:"result"`
	IsWinner bool            `json:"isWinner"`
	Payout   decimal.Decimal `json:"payout"`
	Streak   int             `json:"streak"`
}

// Config wires an Engine. Holdings, Tiers and Notifier are optional.
type Config struct {
	Bets       store.Bets
	Seeds      store.Seeds
	Counters   store.Counters
	Exclusions store.Exclusions

	// Holdings, when set, must cover each wager.
	Holdings wallet.BalanceReader
	// Tiers, when set, supplies a per-bettor daily flip cap.
	Tiers wallet.TierLookup

	Calculator   payout.Calculator
	Limiter      *limits.PolicyLimiter
	RevealWindow time.Duration
	Notifier     Notifier

	// NewSeed generates server seeds. Defaults to fairness.GenerateSeed.
	NewSeed func() (string, error)
	Now     func() time.Time
	Logger  *slog.Logger
}

// Engine orchestrates bet placement and settlement. It holds no per-bet
// state in memory; all serialization happens in the store.
type Engine struct {
	bets       store.Bets
	seeds      store.Seeds
	counters   store.Counters
	exclusions store.Exclusions
	holdings   wallet.BalanceReader
	tiers      wallet.TierLookup
	calc       payout.Calculator
	limiter    *limits.PolicyLimiter
	window     time.Duration
	notifier   Notifier
	newSeed    func() (string, error)
	now        func() time.Time
	log        *slog.Logger
}

// NewEngine creates an engine from cfg, filling defaults for the reveal
// window, clock and logger.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		bets:       cfg.Bets,
		seeds:      cfg.Seeds,
		counters:   cfg.Counters,
		exclusions: cfg.Exclusions,
		holdings:   cfg.Holdings,
		tiers:      cfg.Tiers,
		calc:       cfg.Calculator,
		limiter:    cfg.Limiter,
		window:     cfg.RevealWindow,
		notifier:   cfg.Notifier,
		newSeed:    cfg.NewSeed,
		now:        cfg.Now,
		log:        cfg.Logger,
	}
	if e.window <= 0 {
		e.window = DefaultRevealWindow
	}
	if e.newSeed == nil {
		e.newSeed = fairness.GenerateSeed
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.calc == (payout.Calculator{}) {
		e.calc = payout.Default
	}
	return e
}

// RevealWindow returns the configured reveal window.
func (e *Engine) RevealWindow() time.Duration { return e.window }

// Limiter returns the wagering policy in force.
func (e *Engine) Limiter() *limits.PolicyLimiter { return e.limiter }

// Calculator returns the payout calculator in force.
func (e *Engine) Calculator() payout.Calculator { return e.calc }
