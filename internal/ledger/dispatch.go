package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

// KeyPayoutQueue is the Redis list payout workers consume.
const KeyPayoutQueue = "payouts:queue"

// PayoutJob is the queued form of a withdrawal. Delivery is at-least-once;
// consumers dedupe on WithdrawalID.
type PayoutJob struct {
	WithdrawalID string          `json:"withdrawalId"`
	Wallet       string          `json:"walletAddress"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    int64           `json:"createdAt"` // unix millis
}

func jobFor(w model.Withdrawal) PayoutJob {
	return PayoutJob{
		WithdrawalID: w.ID,
		Wallet:       w.Bettor,
		Amount:       w.Amount,
		CreatedAt:    w.CreatedAt.UnixMilli(),
	}
}

// RedisQueue pushes payout jobs onto a Redis list.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue creates a queue on KeyPayoutQueue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: KeyPayoutQueue}
}

// Dispatch appends the job to the tail of the queue.
func (q *RedisQueue) Dispatch(ctx context.Context, w model.Withdrawal) error {
	data, err := json.Marshal(jobFor(w))
	if err != nil {
		return fmt.Errorf("ledger: encode payout job: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("ledger: enqueue payout job: %w", err)
	}
	return nil
}

// LogDispatcher records jobs in the log only. Used when no queue is
// configured; a sweep of pending withdrawals picks them up.
type LogDispatcher struct {
	log *slog.Logger
}

func NewLogDispatcher(log *slog.Logger) *LogDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &LogDispatcher{log: log}
}

func (l *LogDispatcher) Dispatch(_ context.Context, w model.Withdrawal) error {
	l.log.Info("payout job awaiting sweep",
		"withdrawal_id", w.ID,
		"bettor", w.Bettor,
		"amount", w.Amount.String(),
	)
	return nil
}
