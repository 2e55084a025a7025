package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/store"
)

// The helpers in this file run the same behavioural checks against every
// implementation.

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingBet(id, bettor string, placed time.Time) *model.Bet {
	return &model.Bet{
		ID:               id,
		Bettor:           bettor,
		Amount:           d(10000),
		Choice:           model.Heads,
		ClientSeedHash:   "aa",
		ServerSeedHash:   "bb",
		StreakMultiplier: decimal.NewFromInt(1),
		Status:           model.StatusPending,
		PlacedAt:         placed,
		ExpiresAt:        placed.Add(5 * time.Minute),
	}
}

func revealOf(b *model.Bet, net int64) *model.Bet {
	at := b.PlacedAt.Add(time.Minute)
	r := *b
	r.ClientSeed = "client"
	r.CombinedHash = "cc"
	r.Result = model.Heads
	r.IsWinner = net > 0
	r.Payout = model.Payout{Gross: d(net), Net: d(net), HouseFee: d(0), Burn: d(0)}
	r.RevealedAt = &at
	return &r
}

func testBets(t *testing.T, s store.Store, bettor string) {
	t.Helper()
	ctx := context.Background()

	b := pendingBet(bettor+"-1", bettor, epoch)
	if _, err := s.PendingBet(ctx, bettor); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no pending bet yet, got %v", err)
	}
	if err := s.CreateBet(ctx, b); err != nil {
		t.Fatalf("CreateBet: %v", err)
	}
	if err := s.CreateBet(ctx, b); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate on second insert, got %v", err)
	}
	second := pendingBet(bettor+"-2", bettor, epoch.Add(time.Second))
	if err := s.CreateBet(ctx, second); !errors.Is(err, store.ErrBetInFlight) {
		t.Errorf("expected ErrBetInFlight while %s is pending, got %v", b.ID, err)
	}
	open, err := s.PendingBet(ctx, bettor)
	if err != nil || open.ID != b.ID {
		t.Fatalf("PendingBet = %+v, %v", open, err)
	}

	got, err := s.GetBet(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBet: %v", err)
	}
	if !got.Amount.Equal(d(10000)) || got.Status != model.StatusPending {
		t.Errorf("unexpected bet %+v", got)
	}
	if _, err := s.GetBet(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.RevealBet(ctx, revealOf(b, 18000)); err != nil {
		t.Fatalf("RevealBet: %v", err)
	}
	if err := s.RevealBet(ctx, revealOf(b, 18000)); !errors.Is(err, store.ErrBetNotPending) {
		t.Errorf("expected ErrBetNotPending on second reveal, got %v", err)
	}
	bal, _ := s.GetBalance(ctx, bettor)
	if !bal.Pending.Equal(d(18000)) || !bal.TotalWon.Equal(d(18000)) {
		t.Errorf("expected 18000 credited once, got %+v", bal)
	}

	// Settling the first bet frees the slot.
	if err := s.CreateBet(ctx, second); err != nil {
		t.Fatalf("CreateBet after reveal: %v", err)
	}
	list, err := s.ListBetsByBettor(ctx, bettor, 10)
	if err != nil {
		t.Fatalf("ListBetsByBettor: %v", err)
	}
	if len(list) != 2 || list[0].ID != bettor+"-2" {
		t.Errorf("expected newest first, got %d bets", len(list))
	}

	if err := s.ExpireBet(ctx, b.ID, epoch); !errors.Is(err, store.ErrBetNotPending) {
		t.Errorf("expected ErrBetNotPending expiring a revealed bet, got %v", err)
	}
	if err := s.MarkBetPaid(ctx, b.ID, epoch); err != nil {
		t.Errorf("MarkBetPaid: %v", err)
	}
	if err := s.MarkBetPaid(ctx, b.ID, epoch); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition paying twice, got %v", err)
	}

	if err := s.ExpireBet(ctx, bettor+"-2", epoch); err != nil {
		t.Errorf("ExpireBet: %v", err)
	}
	if err := s.RevealBet(ctx, revealOf(pendingBet(bettor+"-2", bettor, epoch), 1)); !errors.Is(err, store.ErrBetNotPending) {
		t.Errorf("expected ErrBetNotPending revealing an expired bet, got %v", err)
	}
}

func testSeeds(t *testing.T, s store.Seeds) {
	t.Helper()
	ctx := context.Background()

	if err := s.PutSeed(ctx, "seed-bet", "secret"); err != nil {
		t.Fatalf("PutSeed: %v", err)
	}
	if err := s.PutSeed(ctx, "seed-bet", "other"); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	seed, err := s.GetSeed(ctx, "seed-bet")
	if err != nil || seed != "secret" {
		t.Errorf("GetSeed = %q, %v", seed, err)
	}
	if err := s.DeleteSeed(ctx, "seed-bet"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSeed(ctx, "seed-bet"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func testWithdrawals(t *testing.T, s store.Store, bettor string) {
	t.Helper()
	ctx := context.Background()

	w := &model.Withdrawal{ID: bettor + "-w1", Bettor: bettor, CreatedAt: epoch}
	bal, err := s.CreateWithdrawal(ctx, w, d(100))
	if !errors.Is(err, store.ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum on empty balance, got %v", err)
	}
	if !bal.Pending.IsZero() {
		t.Errorf("expected zero pending, got %s", bal.Pending)
	}

	b := pendingBet(bettor+"-wb", bettor, epoch)
	if err := s.CreateBet(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := s.RevealBet(ctx, revealOf(b, 5000)); err != nil {
		t.Fatal(err)
	}

	bal, err = s.CreateWithdrawal(ctx, w, d(100))
	if err != nil {
		t.Fatalf("CreateWithdrawal: %v", err)
	}
	if !w.Amount.Equal(d(5000)) || w.Status != model.WithdrawalPending {
		t.Errorf("unexpected withdrawal %+v", w)
	}
	if !bal.Pending.IsZero() || !bal.TotalWithdrawn.Equal(d(5000)) {
		t.Errorf("unexpected balance %+v", bal)
	}
	if !bal.Pending.Equal(bal.TotalWon.Sub(bal.TotalWithdrawn)) {
		t.Errorf("balance invariant broken: %+v", bal)
	}

	// Earn more while the first is still open.
	b2 := pendingBet(bettor+"-wb2", bettor, epoch.Add(time.Second))
	if err := s.CreateBet(ctx, b2); err != nil {
		t.Fatal(err)
	}
	if err := s.RevealBet(ctx, revealOf(b2, 700)); err != nil {
		t.Fatal(err)
	}
	_, err = s.CreateWithdrawal(ctx, &model.Withdrawal{ID: bettor + "-w2", Bettor: bettor, CreatedAt: epoch}, d(100))
	if !errors.Is(err, store.ErrWithdrawalInFlight) {
		t.Errorf("expected ErrWithdrawalInFlight, got %v", err)
	}

	if _, err := s.UpdateWithdrawalStatus(ctx, w.ID, model.WithdrawalProcessing, "", epoch); err != nil {
		t.Fatal(err)
	}
	done, err := s.UpdateWithdrawalStatus(ctx, w.ID, model.WithdrawalCompleted, "0xabc", epoch)
	if err != nil {
		t.Fatal(err)
	}
	if done.TxHash != "0xabc" {
		t.Errorf("expected tx hash recorded, got %q", done.TxHash)
	}
	if _, err := s.UpdateWithdrawalStatus(ctx, w.ID, model.WithdrawalPending, "", epoch); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.UpdateWithdrawalStatus(ctx, "nope", model.WithdrawalFailed, "", epoch); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	w2 := &model.Withdrawal{ID: bettor + "-w3", Bettor: bettor, CreatedAt: epoch.Add(time.Minute)}
	if _, err := s.CreateWithdrawal(ctx, w2, d(100)); err != nil {
		t.Fatalf("second withdrawal after completion: %v", err)
	}
	history, err := s.ListWithdrawals(ctx, bettor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != w2.ID {
		t.Errorf("expected two withdrawals newest first, got %+v", history)
	}
}

func testCounters(t *testing.T, c store.Counters, bettor string) {
	t.Helper()
	ctx := context.Background()
	day := model.DayKey(epoch)

	u, err := c.ReserveDailyWager(ctx, bettor, day, d(400000), d(500000), 0)
	if err != nil {
		t.Fatalf("ReserveDailyWager: %v", err)
	}
	if !u.Wagered.Equal(d(400000)) || u.Flips != 1 {
		t.Errorf("unexpected usage %+v", u)
	}

	// Exactly at the limit is accepted.
	if _, err := c.ReserveDailyWager(ctx, bettor, day, d(100000), d(500000), 0); err != nil {
		t.Fatalf("reservation landing on the limit: %v", err)
	}
	u, err = c.ReserveDailyWager(ctx, bettor, day, d(1), d(500000), 0)
	if !errors.Is(err, store.ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if !u.Wagered.Equal(d(500000)) || u.Flips != 2 {
		t.Errorf("rejected reservation must report unchanged usage, got %+v", u)
	}

	if err := c.ReleaseDailyWager(ctx, bettor, day, d(100000)); err != nil {
		t.Fatal(err)
	}
	u, _ = c.GetDailyUsage(ctx, bettor, day)
	if !u.Wagered.Equal(d(400000)) || u.Flips != 1 {
		t.Errorf("expected release to undo one reservation, got %+v", u)
	}

	// The flip cap is enforced independently of the amount.
	other := model.DayKey(epoch.AddDate(0, 0, 1))
	if _, err := c.ReserveDailyWager(ctx, bettor, other, d(1), d(500000), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReserveDailyWager(ctx, bettor, other, d(1), d(500000), 1); !errors.Is(err, store.ErrLimitReached) {
		t.Errorf("expected flip cap to reject, got %v", err)
	}

	empty, err := c.GetDailyUsage(ctx, bettor, "1999-01-01")
	if err != nil || !empty.Wagered.IsZero() || empty.Flips != 0 {
		t.Errorf("expected zero usage for an unused day, got %+v %v", empty, err)
	}

	st, _ := c.GetStreak(ctx, bettor)
	if st.Count != 0 || !st.Winnings.IsZero() {
		t.Errorf("expected zero streak, got %+v", st)
	}
	st, _ = c.RecordStreak(ctx, bettor, true, 0, d(18000))
	st, _ = c.RecordStreak(ctx, bettor, true, st.Count, d(21600))
	if st.Count != 2 || !st.Winnings.Equal(d(39600)) {
		t.Errorf("expected 2 wins worth 39600, got %+v", st)
	}
	got, _ := c.GetStreak(ctx, bettor)
	if got.Count != 2 || !got.Winnings.Equal(d(39600)) {
		t.Errorf("GetStreak = %+v", got)
	}

	prev, err := c.ResetStreak(ctx, bettor)
	if err != nil {
		t.Fatal(err)
	}
	if prev.Count != 2 || !prev.Winnings.Equal(d(39600)) {
		t.Errorf("ResetStreak should return the replaced state, got %+v", prev)
	}
	got, _ = c.GetStreak(ctx, bettor)
	if got.Count != 0 || !got.Winnings.IsZero() {
		t.Errorf("expected reset streak, got %+v", got)
	}

	c.RecordStreak(ctx, bettor, true, 0, d(100))
	st, _ = c.RecordStreak(ctx, bettor, false, 1, d(0))
	if st.Count != 0 || !st.Winnings.IsZero() {
		t.Errorf("loss must reset the streak, got %+v", st)
	}

	// A win on a bet placed at a streak that has since been reset starts
	// over instead of restoring the old count.
	for i := 0; i < 5; i++ {
		st, _ = c.RecordStreak(ctx, bettor, true, st.Count, d(10))
	}
	if st.Count != 5 {
		t.Fatalf("expected a 5-win streak, got %+v", st)
	}
	c.RecordStreak(ctx, bettor, false, 5, d(0))
	st, err = c.RecordStreak(ctx, bettor, true, 5, d(250))
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 1 || !st.Winnings.Equal(d(250)) {
		t.Errorf("win placed before a loss must not restore the streak, got %+v", st)
	}
	got, _ = c.GetStreak(ctx, bettor)
	if got.Count != 1 {
		t.Errorf("stored streak after loss then earlier win: %d, want 1", got.Count)
	}
}

func testConcurrentReserve(t *testing.T, c store.Counters, bettor string) {
	t.Helper()
	ctx := context.Background()
	day := model.DayKey(epoch)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ReserveDailyWager(ctx, bettor, day, d(100), d(1000), 0); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 10 {
		t.Errorf("expected exactly 10 reservations within the limit, got %d", accepted)
	}
}

func testExclusions(t *testing.T, s store.Exclusions, bettor string) {
	t.Helper()
	ctx := context.Background()

	ex, err := s.GetSelfExclusion(ctx, bettor)
	if err != nil || ex != nil {
		t.Fatalf("expected no exclusion, got %+v %v", ex, err)
	}

	later := epoch.Add(30 * 24 * time.Hour)
	got, err := s.SetSelfExclusion(ctx, model.SelfExclusion{Bettor: bettor, Until: later})
	if err != nil || !got.Until.Equal(later) {
		t.Fatalf("SetSelfExclusion = %+v %v", got, err)
	}

	got, _ = s.SetSelfExclusion(ctx, model.SelfExclusion{Bettor: bettor, Until: epoch.Add(24 * time.Hour)})
	if !got.Until.Equal(later) {
		t.Errorf("a shorter exclusion must not shorten the existing one, got %v", got.Until)
	}
	ex, _ = s.GetSelfExclusion(ctx, bettor)
	if ex == nil || !ex.Until.Equal(later) || !ex.Active(epoch) {
		t.Errorf("expected active exclusion until %v, got %+v", later, ex)
	}
}
