// Package wallet wraps the external wallet/token ledger the engine consults:
// address parsing, the bettor's on-chain token holdings, and the tier that
// sets a bettor's daily flip allowance.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// addressRegex matches a hex EVM address: 0x followed by 40 hex digits.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var ErrInvalidAddress = errors.New("wallet: invalid address")

// ParseAddress validates a wallet address and returns its lower-cased form,
// which is the canonical bettor identifier.
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !addressRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 40 hex digits)", ErrInvalidAddress, s)
	}
	return strings.ToLower(s), nil
}

// BalanceReader reports a bettor's token holdings in smallest units.
type BalanceReader interface {
	TokenBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// TierLookup reports the daily flip cap granted by a bettor's tier.
// Zero means the tier sets no cap of its own.
type TierLookup interface {
	MaxDailyFlips(ctx context.Context, address string) (int, error)
}

const (
	KeyTokenBalance = "wallet:balance:%s"
	KeyTier         = "wallet:tier:%s"
)

// RedisBalances reads balance snapshots an indexer writes to Redis.
// A missing snapshot reads as zero.
type RedisBalances struct {
	rdb *redis.Client
}

func NewRedisBalances(rdb *redis.Client) *RedisBalances {
	return &RedisBalances{rdb: rdb}
}

func (b *RedisBalances) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	v, err := b.rdb.Get(ctx, fmt.Sprintf(KeyTokenBalance, address)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read token balance: %w", err)
	}
	amount, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read token balance: bad snapshot %q: %w", v, err)
	}
	return amount, nil
}

// StaticBalances is an in-memory BalanceReader for development and tests.
type StaticBalances struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
}

func NewStaticBalances() *StaticBalances {
	return &StaticBalances{balances: make(map[string]decimal.Decimal)}
}

// Set records the holdings for address.
func (b *StaticBalances) Set(address string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[strings.ToLower(address)] = amount
}

func (b *StaticBalances) TokenBalance(_ context.Context, address string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.balances[strings.ToLower(address)]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

// DefaultTierCaps maps tier names to daily flip caps.
var DefaultTierCaps = map[string]int{
	"bronze":  25,
	"silver":  50,
	"gold":    100,
	"diamond": 250,
}

// RedisTiers reads a bettor's tier name from Redis and maps it to a flip
// cap. Unknown or missing tiers yield 0. A numeric value is taken as the
// cap itself.
type RedisTiers struct {
	rdb  *redis.Client
	caps map[string]int
}

// NewRedisTiers creates a tier lookup. A nil caps map uses DefaultTierCaps.
func NewRedisTiers(rdb *redis.Client, caps map[string]int) *RedisTiers {
	if caps == nil {
		caps = DefaultTierCaps
	}
	return &RedisTiers{rdb: rdb, caps: caps}
}

func (t *RedisTiers) MaxDailyFlips(ctx context.Context, address string) (int, error) {
	v, err := t.rdb.Get(ctx, fmt.Sprintf(KeyTier, address)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read tier: %w", err)
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n, nil
	}
	return t.caps[strings.ToLower(v)], nil
}

// FixedTier gives every bettor the same cap.
type FixedTier int

func (f FixedTier) MaxDailyFlips(context.Context, string) (int, error) {
	return int(f), nil
}
