// Package limits enforces the wagering policy around bet placement: the
// per-bet bounds, the per-day wager cap, and the per-day flip cap supplied
// by a bettor's tier.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for non-positive or fractional amounts.
	ErrInvalidAmount = errors.New("limits: amount must be a positive integer")

	// ErrBelowMinBet is returned when a bet is smaller than MinBet.
	ErrBelowMinBet = errors.New("limits: bet below minimum")

	// ErrAboveMaxBet is returned when a bet is larger than MaxBet.
	ErrAboveMaxBet = errors.New("limits: bet above maximum")

	// ErrDailyLimitExceeded is returned when a bet would push the day's
	// cumulative wager past DailyLimit.
	ErrDailyLimitExceeded = errors.New("limits: daily wager limit exceeded")

	// ErrDailyFlipsExceeded is returned when the day's flip count is used up.
	ErrDailyFlipsExceeded = errors.New("limits: daily flip limit reached")
)

// Reason codes reported to clients.
const (
	ReasonInvalidAmount      = "invalid_amount"
	ReasonBelowMinBet        = "below_min_bet"
	ReasonAboveMaxBet        = "above_max_bet"
	ReasonDailyLimitExceeded = "daily_limit_exceeded"
	ReasonDailyFlipsExceeded = "daily_flips_exceeded"
)

// Violation is a policy rejection with the limit values that caused it, so
// a client can correct the request.
type Violation struct {
	Reason  string         `json:"reason"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details"`
}

func (v *Violation) Error() string { return v.Err.Error() }
func (v *Violation) Unwrap() error { return v.Err }

// PolicyLimiter holds the wagering limits.
type PolicyLimiter struct {
	// MinBet and MaxBet bound a single wager, inclusive.
	MinBet decimal.Decimal
	MaxBet decimal.Decimal

	// DailyLimit caps the sum of wagers per UTC day, inclusive.
	DailyLimit decimal.Decimal

	// MaxDailyFlips is the default flip cap per UTC day; 0 disables it.
	// A tier lookup may supply a per-bettor value instead.
	MaxDailyFlips int
}

// NewPolicyLimiter creates a limiter. maxBet is raised to minBet if lower.
func NewPolicyLimiter(minBet, maxBet, dailyLimit decimal.Decimal, maxDailyFlips int) *PolicyLimiter {
	if maxBet.LessThan(minBet) {
		maxBet = minBet
	}
	if maxDailyFlips < 0 {
		maxDailyFlips = 0
	}
	return &PolicyLimiter{
		MinBet:        minBet,
		MaxBet:        maxBet,
		DailyLimit:    dailyLimit,
		MaxDailyFlips: maxDailyFlips,
	}
}

// CheckAmount validates a single wager against the bet bounds.
func (l *PolicyLimiter) CheckAmount(amount decimal.Decimal) error {
	bounds := map[string]any{
		"minBet": l.MinBet.String(),
		"maxBet": l.MaxBet.String(),
	}

	if !amount.IsPositive() || !amount.IsInteger() {
		return &Violation{Reason: ReasonInvalidAmount, Err: ErrInvalidAmount, Details: bounds}
	}
	if amount.LessThan(l.MinBet) {
		return &Violation{
			Reason:  ReasonBelowMinBet,
			Err:     fmt.Errorf("%w: %s < %s", ErrBelowMinBet, amount, l.MinBet),
			Details: bounds,
		}
	}
	if amount.GreaterThan(l.MaxBet) {
		return &Violation{
			Reason:  ReasonAboveMaxBet,
			Err:     fmt.Errorf("%w: %s > %s", ErrAboveMaxBet, amount, l.MaxBet),
			Details: bounds,
		}
	}
	return nil
}

// CheckDaily validates that adding amount to today's usage stays within the
// daily limits. Landing exactly on a limit is allowed.
//
// maxFlips overrides MaxDailyFlips when positive.
func (l *PolicyLimiter) CheckDaily(usage model.DailyUsage, amount decimal.Decimal, maxFlips int) error {
	if usage.Wagered.Add(amount).GreaterThan(l.DailyLimit) {
		return &Violation{
			Reason: ReasonDailyLimitExceeded,
			Err:    ErrDailyLimitExceeded,
			Details: map[string]any{
				"dailyLimit": l.DailyLimit.String(),
				"wagered":    usage.Wagered.String(),
				"remaining":  l.Remaining(usage).String(),
			},
		}
	}

	flips := l.FlipCap(maxFlips)
	if flips > 0 && usage.Flips+1 > flips {
		return &Violation{
			Reason: ReasonDailyFlipsExceeded,
			Err:    ErrDailyFlipsExceeded,
			Details: map[string]any{
				"maxDailyFlips": flips,
				"flips":         usage.Flips,
			},
		}
	}
	return nil
}

// FlipCap resolves the effective flip cap for a bettor.
func (l *PolicyLimiter) FlipCap(tierCap int) int {
	if tierCap > 0 {
		return tierCap
	}
	return l.MaxDailyFlips
}

// Remaining returns how much more may be wagered today, never negative.
func (l *PolicyLimiter) Remaining(usage model.DailyUsage) decimal.Decimal {
	r := l.DailyLimit.Sub(usage.Wagered)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
