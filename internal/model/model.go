// Package model defines the core domain types shared across the flip engine.
// All monetary values use shopspring/decimal, never float64.
// Amounts are integral counts of the token's smallest unit.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is one face of the coin.
type Side string

const (
	Heads Side = "heads"
	Tails Side = "tails"
)

// ParseSide accepts "heads" or "tails" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Heads:
		return Heads, nil
	case Tails:
		return Tails, nil
	}
	return "", fmt.Errorf("invalid side %q: must be heads or tails", s)
}

// BetStatus is the lifecycle state of a bet.
type BetStatus string

const (
	StatusPending  BetStatus = "pending"  // server seed committed, awaiting reveal
	StatusRevealed BetStatus = "revealed" // outcome determined, payout computed
	StatusPaid     BetStatus = "paid"     // payout settled downstream
	StatusExpired  BetStatus = "expired"  // reveal window elapsed, wager forfeited
)

// CanTransition reports whether a bet may move from one status to another.
// Transitions are one-directional; nothing leaves paid or expired.
func CanTransition(from, to BetStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRevealed || to == StatusExpired
	case StatusRevealed:
		return to == StatusPaid
	}
	return false
}

// Payout is the split of a winning bet's gross payout.
// Invariant: Net + HouseFee + Burn == Gross.
type Payout struct {
	Gross    decimal.Decimal `json:"gross"`
	Net      decimal.Decimal `json:"net"`
	HouseFee decimal.Decimal `json:"house_fee"`
	Burn     decimal.Decimal `json:"burn"`
}

// Bet is one wager. The server seed is deliberately absent: it lives in the
// secret seed store and is only joined back in for verification.
type Bet struct {
	ID               string          `json:"id" db:"id"`
	Bettor           string          `json:"bettor" db:"bettor"`
	SocialID         string          `json:"social_id,omitempty" db:"social_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Choice           Side            `json:"choice" db:"choice"`
	ClientSeedHash   string          `json:"client_seed_hash" db:"client_seed_hash"`
	ServerSeedHash   string          `json:"server_seed_hash" db:"server_seed_hash"`
	StreakLevel      int             `json:"streak_level" db:"streak_level"` // streak before this bet
	StreakMultiplier decimal.Decimal `json:"streak_multiplier" db:"streak_multiplier"`
	Status           BetStatus       `json:"status" db:"status"`

	// Set on reveal.
	ClientSeed   string     `json:"client_seed,omitempty" db:"client_seed"`
	CombinedHash string     `json:"combined_hash,omitempty" db:"combined_hash"`
	Result       Side       `json:"result,omitempty" db:"result"`
	IsWinner     bool       `json:"is_winner" db:"is_winner"`
	Payout       Payout     `json:"payout"`
	PlacedAt     time.Time  `json:"placed_at" db:"placed_at"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	RevealedAt   *time.Time `json:"revealed_at,omitempty" db:"revealed_at"`
	PaidAt       *time.Time `json:"paid_at,omitempty" db:"paid_at"`
}

// Balance is a bettor's accumulated winnings.
// Invariant: Pending == TotalWon - TotalWithdrawn, never negative.
type Balance struct {
	Bettor         string          `json:"bettor" db:"bettor"`
	TotalWon       decimal.Decimal `json:"total_won" db:"total_won"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	Pending        decimal.Decimal `json:"pending" db:"pending"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ZeroBalance is the balance of a bettor with no history.
func ZeroBalance(bettor string) Balance {
	return Balance{
		Bettor:         bettor,
		TotalWon:       decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		Pending:        decimal.Zero,
	}
}

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// Open reports whether the withdrawal still blocks a new one.
func (s WithdrawalStatus) Open() bool {
	return s == WithdrawalPending || s == WithdrawalProcessing
}

// CanTransitionWithdrawal reports whether a withdrawal may move between statuses.
func CanTransitionWithdrawal(from, to WithdrawalStatus) bool {
	switch from {
	case WithdrawalPending:
		return to == WithdrawalProcessing || to == WithdrawalCompleted || to == WithdrawalFailed
	case WithdrawalProcessing:
		return to == WithdrawalCompleted || to == WithdrawalFailed
	}
	return false
}

// Withdrawal moves a bettor's pending balance out to the chain.
type Withdrawal struct {
	ID        string           `json:"id" db:"id"`
	Bettor    string           `json:"bettor" db:"bettor"`
	Amount    decimal.Decimal  `json:"amount" db:"amount"`
	Status    WithdrawalStatus `json:"status" db:"status"`
	TxHash    string           `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// StreakState is the server-tracked win streak of a bettor.
// Winnings is the net payout accumulated during the current streak.
type StreakState struct {
	Count    int             `json:"count"`
	Winnings decimal.Decimal `json:"winnings"`
}

// DailyUsage is what a bettor has wagered on one UTC calendar day.
type DailyUsage struct {
	Day     string          `json:"day"` // YYYY-MM-DD
	Wagered decimal.Decimal `json:"wagered"`
	Flips   int             `json:"flips"`
}

// DayKey formats t as the UTC calendar day used to key daily usage.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SelfExclusion blocks bet placement until Until.
type SelfExclusion struct {
	Bettor string    `json:"bettor"`
	Until  time.Time `json:"until"`
}

// Active reports whether the exclusion still applies at now.
func (e SelfExclusion) Active(now time.Time) bool {
	return now.Before(e.Until)
}
