package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func newLimiter() *PolicyLimiter {
	return NewPolicyLimiter(d(1000), d(100000), d(500000), 0)
}

func TestCheckAmount_WithinBounds(t *testing.T) {
	l := newLimiter()
	for _, amt := range []int64{1000, 50000, 100000} {
		if err := l.CheckAmount(d(amt)); err != nil {
			t.Errorf("amount %d: expected no error, got %v", amt, err)
		}
	}
}

func TestCheckAmount_Violations(t *testing.T) {
	l := newLimiter()
	tests := []struct {
		amount decimal.Decimal
		want   error
		reason string
	}{
		{d(999), ErrBelowMinBet, ReasonBelowMinBet},
		{d(100001), ErrAboveMaxBet, ReasonAboveMaxBet},
		{d(0), ErrInvalidAmount, ReasonInvalidAmount},
		{d(-5), ErrInvalidAmount, ReasonInvalidAmount},
		{decimal.RequireFromString("1500.5"), ErrInvalidAmount, ReasonInvalidAmount},
	}
	for _, tt := range tests {
		err := l.CheckAmount(tt.amount)
		if !errors.Is(err, tt.want) {
			t.Errorf("amount %s: expected %v, got %v", tt.amount, tt.want, err)
			continue
		}
		var v *Violation
		if !errors.As(err, &v) {
			t.Fatalf("amount %s: expected *Violation, got %T", tt.amount, err)
		}
		if v.Reason != tt.reason {
			t.Errorf("amount %s: expected reason %s, got %s", tt.amount, tt.reason, v.Reason)
		}
		if v.Details["minBet"] != "1000" || v.Details["maxBet"] != "100000" {
			t.Errorf("expected bet bounds in details, got %v", v.Details)
		}
	}
}

func TestCheckDaily_ExactlyAtLimitAllowed(t *testing.T) {
	l := newLimiter()
	usage := model.DailyUsage{Wagered: d(400000)}

	if err := l.CheckDaily(usage, d(100000), 0); err != nil {
		t.Errorf("landing exactly on the limit should be allowed, got %v", err)
	}
}

func TestCheckDaily_OverLimitRejected(t *testing.T) {
	l := newLimiter()
	usage := model.DailyUsage{Wagered: d(400001)}

	err := l.CheckDaily(usage, d(100000), 0)
	if !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected ErrDailyLimitExceeded, got %v", err)
	}
	var v *Violation
	errors.As(err, &v)
	if v.Details["remaining"] != "99999" {
		t.Errorf("expected remaining 99999, got %v", v.Details["remaining"])
	}
}

func TestCheckDaily_FlipCap(t *testing.T) {
	l := NewPolicyLimiter(d(1), d(10), d(1000), 3)

	if err := l.CheckDaily(model.DailyUsage{Flips: 2, Wagered: d(0)}, d(1), 0); err != nil {
		t.Errorf("third flip should be allowed, got %v", err)
	}
	if err := l.CheckDaily(model.DailyUsage{Flips: 3, Wagered: d(0)}, d(1), 0); !errors.Is(err, ErrDailyFlipsExceeded) {
		t.Errorf("fourth flip should be rejected, got %v", err)
	}
	// Tier cap overrides the default.
	if err := l.CheckDaily(model.DailyUsage{Flips: 3, Wagered: d(0)}, d(1), 10); err != nil {
		t.Errorf("tier cap of 10 should allow a fourth flip, got %v", err)
	}
}

func TestCheckDaily_NoFlipCapByDefault(t *testing.T) {
	l := newLimiter()
	if err := l.CheckDaily(model.DailyUsage{Flips: 10000, Wagered: d(0)}, d(1000), 0); err != nil {
		t.Errorf("flip cap 0 should disable flip limiting, got %v", err)
	}
}

func TestRemaining_NeverNegative(t *testing.T) {
	l := newLimiter()
	if r := l.Remaining(model.DailyUsage{Wagered: d(900000)}); !r.IsZero() {
		t.Errorf("expected 0 remaining, got %s", r)
	}
}

func TestNewPolicyLimiter_NormalizesBounds(t *testing.T) {
	l := NewPolicyLimiter(d(100), d(10), d(1000), -4)
	if !l.MaxBet.Equal(d(100)) {
		t.Errorf("max bet should be raised to min bet, got %s", l.MaxBet)
	}
	if l.MaxDailyFlips != 0 {
		t.Errorf("negative flip cap should become 0, got %d", l.MaxDailyFlips)
	}
}
