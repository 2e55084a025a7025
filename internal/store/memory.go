package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// One mutex guards everything, which makes each method atomic with respect
// to the others; that is what gives RevealBet and CreateWithdrawal their
// single-winner semantics here.
type MemoryStore struct {
	mu          sync.RWMutex
	bets        map[string]*model.Bet
	seeds       map[string]string
	balances    map[string]*model.Balance
	withdrawals []model.Withdrawal
	usage       map[string]model.DailyUsage // bettor|day
	streaks     map[string]model.StreakState
	exclusions  map[string]model.SelfExclusion
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bets:       make(map[string]*model.Bet),
		seeds:      make(map[string]string),
		balances:   make(map[string]*model.Balance),
		usage:      make(map[string]model.DailyUsage),
		streaks:    make(map[string]model.StreakState),
		exclusions: make(map[string]model.SelfExclusion),
	}
}

// --- Bets ---

func (s *MemoryStore) CreateBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bets[bet.ID]; ok {
		return fmt.Errorf("%w: bet %s", ErrDuplicate, bet.ID)
	}
	if open := s.pendingLocked(bet.Bettor); open != nil {
		return fmt.Errorf("%w: bet %s", ErrBetInFlight, open.ID)
	}
	// Store a copy to avoid external mutation.
	copy := *bet
	s.bets[bet.ID] = &copy
	return nil
}

func (s *MemoryStore) PendingBet(_ context.Context, bettor string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.pendingLocked(bettor)
	if b == nil {
		return nil, fmt.Errorf("pending bet for %s: %w", bettor, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) pendingLocked(bettor string) *model.Bet {
	for _, b := range s.bets {
		if b.Bettor == bettor && b.Status == model.StatusPending {
			return b
		}
	}
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBetsByBettor(_ context.Context, bettor string, limit int) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.Bettor == bettor {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PlacedAt.After(result[j].PlacedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) RevealBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.bets[bet.ID]
	if !ok {
		return fmt.Errorf("bet %s: %w", bet.ID, ErrNotFound)
	}
	if existing.Status != model.StatusPending {
		return ErrBetNotPending
	}

	existing.Status = model.StatusRevealed
	existing.ClientSeed = bet.ClientSeed
	existing.CombinedHash = bet.CombinedHash
	existing.Result = bet.Result
	existing.IsWinner = bet.IsWinner
	existing.Payout = bet.Payout
	existing.RevealedAt = bet.RevealedAt

	bal := s.balanceLocked(existing.Bettor)
	bal.TotalWon = bal.TotalWon.Add(bet.Payout.Net)
	bal.Pending = bal.Pending.Add(bet.Payout.Net)
	if bet.RevealedAt != nil {
		bal.UpdatedAt = *bet.RevealedAt
	}
	return nil
}

func (s *MemoryStore) ExpireBet(_ context.Context, id string, at time.Time) error {
	return s.transition(id, model.StatusPending, model.StatusExpired, at)
}

func (s *MemoryStore) MarkBetPaid(_ context.Context, id string, at time.Time) error {
	return s.transition(id, model.StatusRevealed, model.StatusPaid, at)
}

func (s *MemoryStore) transition(id string, from, to model.BetStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[id]
	if !ok {
		return fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	if b.Status != from {
		if from == model.StatusPending {
			return ErrBetNotPending
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	if to == model.StatusPaid {
		b.PaidAt = &at
	}
	return nil
}

// --- Seeds ---

func (s *MemoryStore) PutSeed(_ context.Context, betID, seed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seeds[betID]; ok {
		return fmt.Errorf("%w: seed for bet %s", ErrDuplicate, betID)
	}
	s.seeds[betID] = seed
	return nil
}

func (s *MemoryStore) GetSeed(_ context.Context, betID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seed, ok := s.seeds[betID]
	if !ok {
		return "", fmt.Errorf("seed for bet %s: %w", betID, ErrNotFound)
	}
	return seed, nil
}

func (s *MemoryStore) DeleteSeed(_ context.Context, betID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.seeds, betID)
	return nil
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, bettor string) (model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[bettor]; ok {
		return *b, nil
	}
	return model.ZeroBalance(bettor), nil
}

// balanceLocked returns the mutable balance for bettor, creating it.
// Caller must hold the write lock.
func (s *MemoryStore) balanceLocked(bettor string) *model.Balance {
	b, ok := s.balances[bettor]
	if !ok {
		zero := model.ZeroBalance(bettor)
		b = &zero
		s.balances[bettor] = b
	}
	return b
}

func (s *MemoryStore) CreateWithdrawal(_ context.Context, w *model.Withdrawal, minimum decimal.Decimal) (model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balanceLocked(w.Bettor)
	if bal.Pending.LessThan(minimum) {
		return *bal, ErrBelowMinimum
	}
	for _, existing := range s.withdrawals {
		if existing.Bettor == w.Bettor && existing.Status.Open() {
			return *bal, ErrWithdrawalInFlight
		}
	}

	w.Amount = bal.Pending
	w.Status = model.WithdrawalPending
	w.UpdatedAt = w.CreatedAt
	s.withdrawals = append(s.withdrawals, *w)

	bal.TotalWithdrawn = bal.TotalWithdrawn.Add(w.Amount)
	bal.Pending = decimal.Zero
	bal.UpdatedAt = w.CreatedAt
	return *bal, nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, bettor string, limit int) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Withdrawal
	for i := len(s.withdrawals) - 1; i >= 0; i-- {
		if s.withdrawals[i].Bettor == bettor {
			result = append(result, s.withdrawals[i])
		}
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateWithdrawalStatus(_ context.Context, id string, status model.WithdrawalStatus, txHash string, at time.Time) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.withdrawals {
		w := &s.withdrawals[i]
		if w.ID != id {
			continue
		}
		if !model.CanTransitionWithdrawal(w.Status, status) {
			return nil, fmt.Errorf("%w: withdrawal %s -> %s", ErrInvalidTransition, w.Status, status)
		}
		w.Status = status
		if txHash != "" {
			w.TxHash = txHash
		}
		w.UpdatedAt = at
		copy := *w
		return &copy, nil
	}
	return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
}

// --- Counters ---

func usageKey(bettor, day string) string { return bettor + "|" + day }

func (s *MemoryStore) ReserveDailyWager(_ context.Context, bettor, day string, amount, limit decimal.Decimal, maxFlips int) (model.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.usageLocked(bettor, day)
	if u.Wagered.Add(amount).GreaterThan(limit) || (maxFlips > 0 && u.Flips+1 > maxFlips) {
		return u, ErrLimitReached
	}
	u.Wagered = u.Wagered.Add(amount)
	u.Flips++
	s.usage[usageKey(bettor, day)] = u
	return u, nil
}

func (s *MemoryStore) ReleaseDailyWager(_ context.Context, bettor, day string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.usageLocked(bettor, day)
	u.Wagered = u.Wagered.Sub(amount)
	if u.Wagered.IsNegative() {
		u.Wagered = decimal.Zero
	}
	if u.Flips > 0 {
		u.Flips--
	}
	s.usage[usageKey(bettor, day)] = u
	return nil
}

func (s *MemoryStore) GetDailyUsage(_ context.Context, bettor, day string) (model.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usageLocked(bettor, day), nil
}

func (s *MemoryStore) usageLocked(bettor, day string) model.DailyUsage {
	if u, ok := s.usage[usageKey(bettor, day)]; ok {
		return u
	}
	return model.DailyUsage{Day: day, Wagered: decimal.Zero}
}

func (s *MemoryStore) GetStreak(_ context.Context, bettor string) (model.StreakState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.streakLocked(bettor), nil
}

func (s *MemoryStore) RecordStreak(_ context.Context, bettor string, won bool, preBet int, net decimal.Decimal) (model.StreakState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := applyStreak(s.streakLocked(bettor), won, preBet, net)
	s.streaks[bettor] = next
	return next, nil
}

func (s *MemoryStore) ResetStreak(_ context.Context, bettor string) (model.StreakState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.streakLocked(bettor)
	s.streaks[bettor] = model.StreakState{Winnings: decimal.Zero}
	return prev, nil
}

func (s *MemoryStore) streakLocked(bettor string) model.StreakState {
	if st, ok := s.streaks[bettor]; ok {
		return st
	}
	return model.StreakState{Winnings: decimal.Zero}
}

// --- Exclusions ---

func (s *MemoryStore) GetSelfExclusion(_ context.Context, bettor string) (*model.SelfExclusion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.exclusions[bettor]
	if !ok {
		return nil, nil
	}
	return &ex, nil
}

func (s *MemoryStore) SetSelfExclusion(_ context.Context, ex model.SelfExclusion) (model.SelfExclusion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.exclusions[ex.Bettor]; ok && existing.Until.After(ex.Until) {
		return existing, nil
	}
	s.exclusions[ex.Bettor] = ex
	return ex, nil
}
