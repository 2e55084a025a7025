package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

const (
	KeyBalance    = "flip:balance:%s"
	KeyBalanceGen = "flip:balance:gen:%s"
	KeyDaily   = "flip:daily:%s:%s"
	KeyStreak  = "flip:streak:%s"

	DefaultBalanceTTL = 30 * time.Second

	// TTLBalanceGen outlives any cached balance. An expired generation
	// only makes in-flight fills fail.
	TTLBalanceGen = 24 * time.Hour

	// TTLDaily keeps a day's usage around past midnight in every timezone.
	TTLDaily = 48 * time.Hour
)

func balanceKey(bettor string) string    { return fmt.Sprintf(KeyBalance, bettor) }
func balanceGenKey(bettor string) string { return fmt.Sprintf(KeyBalanceGen, bettor) }
func dailyKey(bettor, day string) string { return fmt.Sprintf(KeyDaily, bettor, day) }
func streakKey(bettor string) string     { return fmt.Sprintf(KeyStreak, bettor) }

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances. Writes that move money go to the primary store and
// invalidate the cache; everything else passes straight through.
//
// Each bettor has a generation counter that invalidation bumps together with
// the delete. A read fills the cache only if the generation it saw before
// reading the primary is still current, so a fill racing a reveal or
// withdrawal cannot put the old balance back.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store. A
// non-positive ttl means DefaultBalanceTTL.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RevealBet(ctx context.Context, bet *model.Bet) error {
	if err := s.Store.RevealBet(ctx, bet); err != nil {
		return err
	}
	s.invalidate(ctx, bet.Bettor)
	return nil
}

func (s *CachedStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal, minimum decimal.Decimal) (model.Balance, error) {
	bal, err := s.Store.CreateWithdrawal(ctx, w, minimum)
	if err != nil {
		return bal, err
	}
	s.invalidate(ctx, w.Bettor)
	return bal, nil
}

func (s *CachedStore) invalidate(ctx context.Context, bettor string) {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, balanceGenKey(bettor))
	pipe.Expire(ctx, balanceGenKey(bettor), TTLBalanceGen)
	pipe.Del(ctx, balanceKey(bettor))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("balance cache invalidation failed", "bettor", bettor, "error", err)
	}
}

// --- Read-through (check cache first) ---

var fillBalanceScript = redis.NewScript(`
	local gen = redis.call("GET", KEYS[2]) or "0"
	if gen ~= ARGV[1] then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
`)

func (s *CachedStore) GetBalance(ctx context.Context, bettor string) (model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(bettor)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return b, nil
		}
	}

	gen, err := s.rdb.Get(ctx, balanceGenKey(bettor)).Result()
	if errors.Is(err, redis.Nil) {
		gen = "0"
	} else if err != nil {
		gen = ""
	}

	// Cache miss: read from primary.
	b, err := s.Store.GetBalance(ctx, bettor)
	if err != nil {
		return model.Balance{}, err
	}

	if gen == "" {
		return b, nil
	}
	if data, err := json.Marshal(b); err == nil {
		fillBalanceScript.Run(ctx, s.rdb, []string{balanceKey(bettor), balanceGenKey(bettor)},
			gen, data, s.ttl.Milliseconds())
	}
	return b, nil
}

// RedisCounters implements Counters on Redis. Each check-and-update runs as
// a Lua script so it is atomic on the server.
//
// Lua numbers are doubles: wager totals are exact up to 2^53 smallest units.
type RedisCounters struct {
	rdb *redis.Client
}

// NewRedisCounters creates Redis-backed daily usage and streak counters.
func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

var reserveDailyScript = redis.NewScript(`
	local key = KEYS[1]
	local amount = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local maxFlips = tonumber(ARGV[3])

	local wagered = tonumber(redis.call("HGET", key, "wagered") or "0")
	local flips = tonumber(redis.call("HGET", key, "flips") or "0")

	if wagered + amount > limit or (maxFlips > 0 and flips + 1 > maxFlips) then
		return {0, wagered, flips}
	end

	wagered = redis.call("HINCRBY", key, "wagered", ARGV[1])
	flips = redis.call("HINCRBY", key, "flips", 1)
	redis.call("EXPIRE", key, ARGV[4])

	return {1, wagered, flips}
`)

var releaseDailyScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("EXISTS", key) == 0 then
		return 0
	end

	if redis.call("HINCRBY", key, "wagered", "-" .. ARGV[1]) < 0 then
		redis.call("HSET", key, "wagered", 0)
	end
	if redis.call("HINCRBY", key, "flips", -1) < 0 then
		redis.call("HSET", key, "flips", 0)
	end

	return 1
`)

var recordStreakScript = redis.NewScript(`
	local key = KEYS[1]
	local won = ARGV[1] == "1"
	local preBet = tonumber(ARGV[2])

	if not won then
		redis.call("HSET", key, "count", 0, "winnings", 0)
		return {0, 0}
	end

	local current = tonumber(redis.call("HGET", key, "count") or "0")
	if preBet > 0 and current == preBet then
		local winnings = redis.call("HINCRBY", key, "winnings", ARGV[3])
		redis.call("HSET", key, "count", preBet + 1)
		return {preBet + 1, winnings}
	end

	redis.call("HSET", key, "count", 1, "winnings", ARGV[3])
	return {1, tonumber(ARGV[3])}
`)

var resetStreakScript = redis.NewScript(`
	local key = KEYS[1]
	local prev = redis.call("HMGET", key, "count", "winnings")
	redis.call("HSET", key, "count", 0, "winnings", 0)
	return {tonumber(prev[1] or "0"), tonumber(prev[2] or "0")}
`)

func (c *RedisCounters) ReserveDailyWager(ctx context.Context, bettor, day string, amount, limit decimal.Decimal, maxFlips int) (model.DailyUsage, error) {
	res, err := reserveDailyScript.Run(ctx, c.rdb, []string{dailyKey(bettor, day)},
		amount.String(), limit.String(), maxFlips, int(TTLDaily.Seconds())).Int64Slice()
	if err != nil {
		return model.DailyUsage{}, fmt.Errorf("reserve daily wager: %w", err)
	}
	if len(res) != 3 {
		return model.DailyUsage{}, fmt.Errorf("reserve daily wager: unexpected reply %v", res)
	}

	usage := model.DailyUsage{Day: day, Wagered: decimal.NewFromInt(res[1]), Flips: int(res[2])}
	if res[0] == 0 {
		return usage, ErrLimitReached
	}
	return usage, nil
}

func (c *RedisCounters) ReleaseDailyWager(ctx context.Context, bettor, day string, amount decimal.Decimal) error {
	err := releaseDailyScript.Run(ctx, c.rdb, []string{dailyKey(bettor, day)}, amount.String()).Err()
	if err != nil {
		return fmt.Errorf("release daily wager: %w", err)
	}
	return nil
}

func (c *RedisCounters) GetDailyUsage(ctx context.Context, bettor, day string) (model.DailyUsage, error) {
	vals, err := c.rdb.HGetAll(ctx, dailyKey(bettor, day)).Result()
	if err != nil {
		return model.DailyUsage{}, err
	}
	usage := model.DailyUsage{Day: day, Wagered: decimal.Zero}
	if v, ok := vals["wagered"]; ok {
		usage.Wagered, _ = decimal.NewFromString(v)
	}
	if v, ok := vals["flips"]; ok {
		usage.Flips, _ = strconv.Atoi(v)
	}
	return usage, nil
}

func (c *RedisCounters) GetStreak(ctx context.Context, bettor string) (model.StreakState, error) {
	vals, err := c.rdb.HMGet(ctx, streakKey(bettor), "count", "winnings").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.StreakState{}, err
	}
	st := model.StreakState{Winnings: decimal.Zero}
	if len(vals) == 2 {
		if v, ok := vals[0].(string); ok {
			st.Count, _ = strconv.Atoi(v)
		}
		if v, ok := vals[1].(string); ok {
			st.Winnings, _ = decimal.NewFromString(v)
		}
	}
	return st, nil
}

func (c *RedisCounters) RecordStreak(ctx context.Context, bettor string, won bool, preBet int, net decimal.Decimal) (model.StreakState, error) {
	flag := "0"
	if won {
		flag = "1"
	}
	res, err := recordStreakScript.Run(ctx, c.rdb, []string{streakKey(bettor)},
		flag, preBet, net.String()).Int64Slice()
	if err != nil {
		return model.StreakState{}, fmt.Errorf("record streak: %w", err)
	}
	return streakFromReply(res)
}

func (c *RedisCounters) ResetStreak(ctx context.Context, bettor string) (model.StreakState, error) {
	res, err := resetStreakScript.Run(ctx, c.rdb, []string{streakKey(bettor)}).Int64Slice()
	if err != nil {
		return model.StreakState{}, fmt.Errorf("reset streak: %w", err)
	}
	return streakFromReply(res)
}

func streakFromReply(res []int64) (model.StreakState, error) {
	if len(res) != 2 {
		return model.StreakState{}, fmt.Errorf("streak: unexpected reply %v", res)
	}
	return model.StreakState{Count: int(res[0]), Winnings: decimal.NewFromInt(res[1])}, nil
}
