package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/memeflip/flip-engine/internal/model"
	"github.com/memeflip/flip-engine/internal/store"
)

func TestMemoryStore_Bets(t *testing.T) {
	testBets(t, store.NewMemoryStore(), "0xbets")
}

func TestMemoryStore_Seeds(t *testing.T) {
	testSeeds(t, store.NewMemoryStore())
}

func TestMemoryStore_Withdrawals(t *testing.T) {
	testWithdrawals(t, store.NewMemoryStore(), "0xwd")
}

func TestMemoryStore_Counters(t *testing.T) {
	testCounters(t, store.NewMemoryStore(), "0xcounters")
}

func TestMemoryStore_ConcurrentReserve(t *testing.T) {
	testConcurrentReserve(t, store.NewMemoryStore(), "0xrace")
}

func TestMemoryStore_Exclusions(t *testing.T) {
	testExclusions(t, store.NewMemoryStore(), "0xex")
}

func TestMemoryStore_ConcurrentRevealCreditsOnce(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	b := pendingBet("race", "0xr", epoch)
	if err := s.CreateBet(ctx, b); err != nil {
		t.Fatal(err)
	}

	var wins, lost int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RevealBet(ctx, revealOf(b, 18000))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, store.ErrBetNotPending):
				atomic.AddInt32(&lost, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || lost != 15 {
		t.Errorf("expected 1 winner and 15 losers, got %d/%d", wins, lost)
	}
	bal, _ := s.GetBalance(ctx, "0xr")
	if !bal.Pending.Equal(d(18000)) {
		t.Errorf("expected a single credit, got %s", bal.Pending)
	}
}

func TestMemoryStore_ConcurrentWithdrawalsOneSucceeds(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	b := pendingBet("wd-race", "0xw", epoch)
	s.CreateBet(ctx, b)
	if err := s.RevealBet(ctx, revealOf(b, 5000)); err != nil {
		t.Fatal(err)
	}

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := &model.Withdrawal{ID: string(rune('a' + i)), Bettor: "0xw", CreatedAt: epoch}
			if _, err := s.CreateWithdrawal(ctx, w, d(100)); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("expected exactly one withdrawal, got %d", ok)
	}
	bal, _ := s.GetBalance(ctx, "0xw")
	if !bal.TotalWithdrawn.Equal(d(5000)) || !bal.Pending.IsZero() {
		t.Errorf("unexpected balance %+v", bal)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	b := pendingBet("copy", "0xc", epoch)
	s.CreateBet(ctx, b)

	b.Status = model.StatusPaid
	got, _ := s.GetBet(ctx, "copy")
	if got.Status != model.StatusPending {
		t.Errorf("caller mutation leaked into store")
	}
	got.Status = model.StatusExpired
	again, _ := s.GetBet(ctx, "copy")
	if again.Status != model.StatusPending {
		t.Errorf("returned record aliases store state")
	}
}
