// Package store defines the persistence interfaces for the flip engine.
// Implementations include PostgreSQL (source of truth), Redis (counters and
// a read-through balance cache), and in-memory (for testing).
//
// The interfaces are split by capability. In particular the secret server
// seeds sit behind Seeds, separate from the bet records, so code paths that
// only read bets never touch seed material.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrBetNotPending is returned when a status compare-and-swap finds the
	// bet no longer in the expected state.
	ErrBetNotPending = errors.New("store: bet is not pending")

	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrDuplicate is returned when a record with the same ID already exists.
	ErrDuplicate = errors.New("store: duplicate record")

	// ErrBetInFlight is returned by CreateBet when the bettor already has a
	// pending bet.
	ErrBetInFlight = errors.New("store: bettor already has a pending bet")

	// ErrLimitReached is returned by ReserveDailyWager when the reservation
	// would exceed the daily wager limit or flip cap. Nothing is reserved.
	ErrLimitReached = errors.New("store: daily limit reached")

	// ErrBelowMinimum is returned by CreateWithdrawal when the pending balance
	// is below the minimum withdrawal. Nothing is changed.
	ErrBelowMinimum = errors.New("store: pending balance below minimum withdrawal")

	// ErrWithdrawalInFlight is returned by CreateWithdrawal when the bettor
	// already has a pending or processing withdrawal.
	ErrWithdrawalInFlight = errors.New("store: withdrawal already in flight")
)

// Bets persists bet records.
type Bets interface {
	// CreateBet persists a new pending bet. A bettor holds at most one
	// pending bet; a second returns ErrBetInFlight.
	CreateBet(ctx context.Context, bet *model.Bet) error

	// PendingBet returns the bettor's pending bet, or ErrNotFound.
	PendingBet(ctx context.Context, bettor string) (*model.Bet, error)

	// GetBet retrieves a bet by its ID.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// ListBetsByBettor returns a bettor's most recent bets, newest first.
	ListBetsByBettor(ctx context.Context, bettor string, limit int) ([]model.Bet, error)

	// RevealBet atomically moves the bet from pending to revealed, stores the
	// reveal fields of bet, and credits bet.Payout.Net to the bettor's balance.
	// Returns ErrBetNotPending if another reveal got there first.
	RevealBet(ctx context.Context, bet *model.Bet) error

	// ExpireBet moves a pending bet to expired.
	ExpireBet(ctx context.Context, id string, at time.Time) error

	// MarkBetPaid moves a revealed bet to paid.
	MarkBetPaid(ctx context.Context, id string, at time.Time) error
}

// Seeds holds server seeds until they are revealed.
type Seeds interface {
	PutSeed(ctx context.Context, betID, seed string) error
	GetSeed(ctx context.Context, betID string) (string, error)
	DeleteSeed(ctx context.Context, betID string) error
}

// Balances holds accumulated winnings and withdrawals.
type Balances interface {
	// GetBalance returns a zero balance for unknown bettors.
	GetBalance(ctx context.Context, bettor string) (model.Balance, error)

	// CreateWithdrawal atomically checks the pending balance against minimum
	// and the one-open-withdrawal rule, records w for the full pending
	// balance (filling w.Amount), and moves that amount to TotalWithdrawn.
	// Returns the balance after the change, or the unchanged balance together
	// with ErrBelowMinimum.
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal, minimum decimal.Decimal) (model.Balance, error)

	// ListWithdrawals returns a bettor's withdrawals, newest first.
	ListWithdrawals(ctx context.Context, bettor string, limit int) ([]model.Withdrawal, error)

	// UpdateWithdrawalStatus advances a withdrawal along its lifecycle.
	UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus, txHash string, at time.Time) (*model.Withdrawal, error)
}

// Counters holds per-bettor keyed counters: daily usage and win streaks.
type Counters interface {
	// ReserveDailyWager adds amount and one flip to the bettor's usage for day
	// if the result stays within limit and maxFlips (0 means no flip cap).
	// On ErrLimitReached the returned usage is the current, unchanged usage.
	ReserveDailyWager(ctx context.Context, bettor, day string, amount, limit decimal.Decimal, maxFlips int) (model.DailyUsage, error)

	// ReleaseDailyWager undoes a reservation whose bet was never stored.
	ReleaseDailyWager(ctx context.Context, bettor, day string, amount decimal.Decimal) error

	// GetDailyUsage returns zero usage for days with no bets.
	GetDailyUsage(ctx context.Context, bettor, day string) (model.DailyUsage, error)

	// GetStreak returns the zero streak for unknown bettors.
	GetStreak(ctx context.Context, bettor string) (model.StreakState, error)

	// RecordStreak applies a settled bet placed at streak preBet. A win
	// extends the streak to preBet+1 and adds net to its winnings only while
	// the count still stands at preBet; if the streak was reset since the
	// bet was placed, the win starts a new streak of one. A loss resets both.
	RecordStreak(ctx context.Context, bettor string, won bool, preBet int, net decimal.Decimal) (model.StreakState, error)

	// ResetStreak zeroes the streak and returns the state it replaced.
	ResetStreak(ctx context.Context, bettor string) (model.StreakState, error)
}

// Exclusions holds self-exclusion records.
type Exclusions interface {
	// GetSelfExclusion returns nil, nil when the bettor has no record.
	GetSelfExclusion(ctx context.Context, bettor string) (*model.SelfExclusion, error)

	// SetSelfExclusion records an exclusion, keeping the later end time if
	// one already exists. Returns the effective record.
	SetSelfExclusion(ctx context.Context, ex model.SelfExclusion) (model.SelfExclusion, error)
}

// Store is the full persistence interface. PostgreSQL is the source of truth;
// Redis can take over Counters and cache balances.
type Store interface {
	Bets
	Seeds
	Balances
	Counters
	Exclusions
}

// applyStreak is the RecordStreak rule shared by the implementations.
func applyStreak(current model.StreakState, won bool, preBet int, net decimal.Decimal) model.StreakState {
	if !won {
		return model.StreakState{Count: 0, Winnings: decimal.Zero}
	}
	if preBet > 0 && current.Count == preBet {
		return model.StreakState{Count: preBet + 1, Winnings: current.Winnings.Add(net)}
	}
	return model.StreakState{Count: 1, Winnings: net}
}
