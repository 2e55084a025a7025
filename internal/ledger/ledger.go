// Package ledger manages bettor balances and withdrawals. Winnings are
// credited by the bet lifecycle at reveal time; this package moves them out.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/metrics"
	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/store"
	"github.com/memeflip/flip-engine/internal/wallet"
)

// DefaultMinWithdrawal is the smallest pending balance that can be withdrawn.
var DefaultMinWithdrawal = decimal.NewFromInt(10000)

// dispatchTimeout bounds a single background dispatch attempt.
const dispatchTimeout = 10 * time.Second

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

var (
	ErrWithdrawalInFlight = errors.New("ledger: a withdrawal is already in progress")
	ErrWithdrawalNotFound = errors.New("ledger: withdrawal not found")
	ErrBetNotFound        = errors.New("ledger: bet not found")
	ErrInvalidTransition  = errors.New("ledger: invalid status transition")
	ErrInvalidStatus      = errors.New("ledger: unknown withdrawal status")
)

// BelowMinimumError reports a withdrawal request under the minimum. The
// balance is left untouched.
type BelowMinimumError struct {
	Amount  decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("ledger: pending balance %s below minimum withdrawal %s", e.Amount, e.Minimum)
}

// ErrBelowMinimum matches any *BelowMinimumError via errors.Is.
var ErrBelowMinimum = errors.New("ledger: pending balance below minimum withdrawal")

func (e *BelowMinimumError) Is(target error) bool { return target == ErrBelowMinimum }

// Dispatcher hands a created withdrawal to the payout processor.
type Dispatcher interface {
	Dispatch(ctx context.Context, w model.Withdrawal) error
}

// Config wires a Service.
type Config struct {
	Balances      store.Balances
	Bets          store.Bets
	Dispatcher    Dispatcher
	MinWithdrawal decimal.Decimal
	Now           func() time.Time
	Logger        *slog.Logger
}

// Service handles balance queries and withdrawals.
type Service struct {
	balances   store.Balances
	bets       store.Bets
	dispatcher Dispatcher
	minimum    decimal.Decimal
	now        func() time.Time
	log        *slog.Logger

	inflight sync.WaitGroup
}

// NewService creates a ledger service. A nil Dispatcher logs jobs instead.
func NewService(cfg Config) *Service {
	s := &Service{
		balances:   cfg.Balances,
		bets:       cfg.Bets,
		dispatcher: cfg.Dispatcher,
		minimum:    cfg.MinWithdrawal,
		now:        cfg.Now,
		log:        cfg.Logger,
	}
	if !s.minimum.IsPositive() {
		s.minimum = DefaultMinWithdrawal
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.dispatcher == nil {
		s.dispatcher = NewLogDispatcher(s.log)
	}
	return s
}

// MinWithdrawal returns the configured minimum.
func (s *Service) MinWithdrawal() decimal.Decimal { return s.minimum }

// RequestWithdrawal withdraws the bettor's full pending balance. The payout
// job is dispatched in the background; a dispatch failure is logged and
// counted but the withdrawal stands.
func (s *Service) RequestWithdrawal(ctx context.Context, bettor string) (*model.Withdrawal, error) {
	bettor, err := wallet.ParseAddress(bettor)
	if err != nil {
		return nil, err
	}

	now := s.now()
	w := &model.Withdrawal{
		ID:        uuid.New().String(),
		Bettor:    bettor,
		CreatedAt: now,
	}
	bal, err := s.balances.CreateWithdrawal(ctx, w, s.minimum)
	switch {
	case errors.Is(err, store.ErrBelowMinimum):
		metrics.Withdrawals.WithLabelValues("below_minimum").Inc()
		return nil, &BelowMinimumError{Amount: bal.Pending, Minimum: s.minimum}
	case errors.Is(err, store.ErrWithdrawalInFlight):
		metrics.Withdrawals.WithLabelValues("in_flight").Inc()
		return nil, ErrWithdrawalInFlight
	case err != nil:
		metrics.Withdrawals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("ledger: create withdrawal: %w", err)
	}
	metrics.Withdrawals.WithLabelValues("created").Inc()

	s.log.Info("withdrawal created",
		"withdrawal_id", w.ID,
		"bettor", bettor,
		"amount", w.Amount.String(),
		"total_withdrawn", bal.TotalWithdrawn.String(),
	)

	job := *w
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()
		if err := s.dispatcher.Dispatch(dctx, job); err != nil {
			metrics.DispatchFailures.Inc()
			s.log.Error("payout dispatch failed",
				"withdrawal_id", job.ID,
				"bettor", job.Bettor,
				"amount", job.Amount.String(),
				"error", err,
			)
		}
	}()

	return w, nil
}

// Wait blocks until background dispatches started so far have finished.
func (s *Service) Wait() { s.inflight.Wait() }

// GetBalance returns the bettor's balance; unknown bettors have zero.
func (s *Service) GetBalance(ctx context.Context, bettor string) (model.Balance, error) {
	bettor, err := wallet.ParseAddress(bettor)
	if err != nil {
		return model.Balance{}, err
	}
	bal, err := s.balances.GetBalance(ctx, bettor)
	if err != nil {
		return model.Balance{}, fmt.Errorf("ledger: load balance: %w", err)
	}
	return bal, nil
}

// GetWithdrawalHistory returns the bettor's withdrawals, newest first.
func (s *Service) GetWithdrawalHistory(ctx context.Context, bettor string, limit int) ([]model.Withdrawal, error) {
	bettor, err := wallet.ParseAddress(bettor)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	ws, err := s.balances.ListWithdrawals(ctx, bettor, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list withdrawals: %w", err)
	}
	if ws == nil {
		ws = []model.Withdrawal{}
	}
	return ws, nil
}

// MarkPaid records that a revealed bet's payout settled downstream.
func (s *Service) MarkPaid(ctx context.Context, betID string) error {
	err := s.bets.MarkBetPaid(ctx, betID, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrBetNotFound
	case errors.Is(err, store.ErrBetNotPending), errors.Is(err, store.ErrInvalidTransition):
		return fmt.Errorf("%w: bet %s is not revealed", ErrInvalidTransition, betID)
	case err != nil:
		return fmt.Errorf("ledger: mark bet paid: %w", err)
	}
	s.log.Info("bet marked paid", "bet_id", betID)
	return nil
}

// UpdateWithdrawalStatus advances a withdrawal as the payout processor
// reports progress. Statuses only move forward.
func (s *Service) UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus, txHash string) (*model.Withdrawal, error) {
	switch status {
	case model.WithdrawalProcessing, model.WithdrawalCompleted, model.WithdrawalFailed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	w, err := s.balances.UpdateWithdrawalStatus(ctx, id, status, txHash, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrWithdrawalNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	case err != nil:
		return nil, fmt.Errorf("ledger: update withdrawal: %w", err)
	}

	metrics.Withdrawals.WithLabelValues(string(status)).Inc()
	s.log.Info("withdrawal updated",
		"withdrawal_id", w.ID,
		"bettor", w.Bettor,
		"status", w.Status,
		"tx_hash", w.TxHash,
	)
	return w, nil
}
