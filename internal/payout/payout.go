// Package payout computes what a flip pays and how the gross payout splits
// between the bettor, the house and the burn address.
//
// All monetary values use shopspring/decimal, never float64.
// Amounts are integral token units; every split is floored except the net
// payout, which takes the remainder, so the parts always sum to the gross.
package payout

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

const (
	// HouseFeeBPS is the house's share of a winning gross payout.
	HouseFeeBPS int64 = 500

	// BurnBPS is the share of a winning gross payout removed from circulation.
	BurnBPS int64 = 500

	// BPSDenominator is 100% in basis points.
	BPSDenominator int64 = 10000

	// EvenMoney is the gross multiple of a winning bet before the streak bonus.
	EvenMoney int64 = 2
)

var (
	// ErrInvalidAmount is returned for negative or fractional bet amounts.
	ErrInvalidAmount = errors.New("payout: bet amount must be a non-negative integer")

	// ErrInvalidMultiplier is returned when a streak multiplier is below 1.
	ErrInvalidMultiplier = errors.New("payout: streak multiplier must be at least 1")

	// ErrInvalidSplit is returned when fee and burn leave nothing for the bettor.
	ErrInvalidSplit = errors.New("payout: house fee plus burn must be below 100%")

	bpsDenominator = decimal.NewFromInt(BPSDenominator)
	evenMoney      = decimal.NewFromInt(EvenMoney)
)

// streakTable maps consecutive wins to the multiplier applied to the next
// bet. Changing these values changes the house edge; ExpectedReturn must stay
// below 1 for the base tier.
var streakTable = []decimal.Decimal{
	decimal.NewFromInt(1),            // 0
	decimal.NewFromInt(1),            // 1
	decimal.RequireFromString("1.2"), // 2
	decimal.RequireFromString("1.5"), // 3
	decimal.NewFromInt(2),            // 4
	decimal.NewFromInt(3),            // 5
	decimal.NewFromInt(5),            // 6+
}

// StreakMultiplier returns the payout multiplier for a bet placed at the
// given consecutive-win count.
func StreakMultiplier(consecutiveWins int) decimal.Decimal {
	if consecutiveWins < 0 {
		consecutiveWins = 0
	}
	if consecutiveWins >= len(streakTable) {
		consecutiveWins = len(streakTable) - 1
	}
	return streakTable[consecutiveWins]
}

// Calculator splits gross payouts using configurable fee and burn rates.
// It is stateless apart from the rates.
type Calculator struct {
	houseFeeBPS decimal.Decimal
	burnBPS     decimal.Decimal
}

// Default uses HouseFeeBPS and BurnBPS.
var Default = Calculator{
	houseFeeBPS: decimal.NewFromInt(HouseFeeBPS),
	burnBPS:     decimal.NewFromInt(BurnBPS),
}

// NewCalculator creates a calculator with the given rates in basis points.
func NewCalculator(houseFeeBPS, burnBPS int64) (Calculator, error) {
	if houseFeeBPS < 0 || burnBPS < 0 || houseFeeBPS+burnBPS >= BPSDenominator {
		return Calculator{}, fmt.Errorf("%w: fee=%d burn=%d", ErrInvalidSplit, houseFeeBPS, burnBPS)
	}
	return Calculator{
		houseFeeBPS: decimal.NewFromInt(houseFeeBPS),
		burnBPS:     decimal.NewFromInt(burnBPS),
	}, nil
}

// HouseFeeBPS returns the configured house fee rate.
func (c Calculator) HouseFeeBPS() int64 { return c.houseFeeBPS.IntPart() }

// BurnBPS returns the configured burn rate.
func (c Calculator) BurnBPS() int64 { return c.burnBPS.IntPart() }

// Calculate returns the payout split for a settled bet.
//
//	gross    = floor(bet × 2 × multiplier)
//	houseFee = floor(gross × feeBPS / 10000)
//	burn     = floor(gross × burnBPS / 10000)
//	net      = gross − houseFee − burn
//
// When bet × 2 × multiplier is fractional (the 1.2x tier on amounts not
// divisible by 5) the fractional unit is dropped from gross and stays with
// the house, so the parts sum to the floored gross rather than the exact
// product. A losing bet pays nothing; the wager is already the house's.
func (c Calculator) Calculate(betAmount decimal.Decimal, isWinner bool, multiplier decimal.Decimal) (model.Payout, error) {
	if betAmount.IsNegative() || !betAmount.IsInteger() {
		return model.Payout{}, fmt.Errorf("%w: %s", ErrInvalidAmount, betAmount)
	}
	if multiplier.LessThan(decimal.NewFromInt(1)) {
		return model.Payout{}, fmt.Errorf("%w: %s", ErrInvalidMultiplier, multiplier)
	}

	if !isWinner {
		return model.Payout{
			Gross:    decimal.Zero,
			Net:      decimal.Zero,
			HouseFee: decimal.Zero,
			Burn:     decimal.Zero,
		}, nil
	}

	gross := betAmount.Mul(evenMoney).Mul(multiplier).Floor()
	fee := gross.Mul(c.houseFeeBPS).Div(bpsDenominator).Floor()
	burn := gross.Mul(c.burnBPS).Div(bpsDenominator).Floor()
	net := gross.Sub(fee).Sub(burn)

	return model.Payout{
		Gross:    gross,
		Net:      net,
		HouseFee: fee,
		Burn:     burn,
	}, nil
}

// ExpectedReturn is the bettor's expected net return per unit wagered at the
// given multiplier on a fair coin, ignoring floor rounding:
//
//	0.5 × 2 × multiplier × (1 − (fee+burn)/10000)
//
// Values below 1 mean the house keeps an edge at that multiplier.
func (c Calculator) ExpectedReturn(multiplier decimal.Decimal) decimal.Decimal {
	keep := bpsDenominator.Sub(c.houseFeeBPS).Sub(c.burnBPS).Div(bpsDenominator)
	return multiplier.Mul(keep)
}
