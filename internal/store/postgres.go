package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// onePendingBet is the partial unique index holding each bettor to a single
// pending bet.
const onePendingBet = "one_pending_bet"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact integer precision and
// travel as text to avoid float conversion.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const betColumns = `id, bettor, social_id, amount::TEXT, choice, client_seed_hash, server_seed_hash,
	streak_level, streak_multiplier::TEXT, status, client_seed, combined_hash, result, is_winner,
	gross_payout::TEXT, net_payout::TEXT, house_fee::TEXT, burn_amount::TEXT,
	placed_at, expires_at, revealed_at, paid_at`

// --- Bets ---

func (s *PostgresStore) CreateBet(ctx context.Context, b *model.Bet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bets (id, bettor, social_id, amount, choice, client_seed_hash, server_seed_hash,
		                   streak_level, streak_multiplier, status, placed_at, expires_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9::NUMERIC, $10, $11, $12)`,
		b.ID, b.Bettor, b.SocialID, b.Amount.String(), string(b.Choice),
		b.ClientSeedHash, b.ServerSeedHash,
		b.StreakLevel, b.StreakMultiplier.String(), string(b.Status),
		b.PlacedAt, b.ExpiresAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == onePendingBet {
			return fmt.Errorf("%w: bettor %s", ErrBetInFlight, b.Bettor)
		}
		return fmt.Errorf("%w: bet %s", ErrDuplicate, b.ID)
	}
	return err
}

func (s *PostgresStore) PendingBet(ctx context.Context, bettor string) (*model.Bet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE bettor = $1 AND status = 'pending'`, bettor)
	b, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending bet for %s: %w", bettor, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pending bet for %s: %w", bettor, err)
	}
	return b, nil
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id)
	b, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBetsByBettor(ctx context.Context, bettor string, limit int) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE bettor = $1 ORDER BY placed_at DESC LIMIT $2`,
		bettor, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

// RevealBet performs the pending -> revealed compare-and-swap and the balance
// credit in one transaction. A concurrent reveal blocks on the row lock and
// then matches zero rows.
func (s *PostgresStore) RevealBet(ctx context.Context, b *model.Bet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var bettor string
	err = tx.QueryRow(ctx,
		`UPDATE bets
		 SET status = 'revealed', client_seed = $2, combined_hash = $3, result = $4, is_winner = $5,
		     gross_payout = $6::NUMERIC, net_payout = $7::NUMERIC,
		     house_fee = $8::NUMERIC, burn_amount = $9::NUMERIC, revealed_at = $10
		 WHERE id = $1 AND status = 'pending'
		 RETURNING bettor`,
		b.ID, b.ClientSeed, b.CombinedHash, string(b.Result), b.IsWinner,
		b.Payout.Gross.String(), b.Payout.Net.String(),
		b.Payout.HouseFee.String(), b.Payout.Burn.String(), b.RevealedAt,
	).Scan(&bettor)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missOrNotPending(ctx, tx, b.ID)
	}
	if err != nil {
		return fmt.Errorf("reveal bet %s: %w", b.ID, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (bettor, total_won, total_withdrawn, pending, updated_at)
		 VALUES ($1, $2::NUMERIC, 0, $2::NUMERIC, $3)
		 ON CONFLICT (bettor) DO UPDATE
		 SET total_won = balances.total_won + EXCLUDED.total_won,
		     pending = balances.pending + EXCLUDED.pending,
		     updated_at = EXCLUDED.updated_at`,
		bettor, b.Payout.Net.String(), b.RevealedAt,
	)
	if err != nil {
		return fmt.Errorf("credit balance for bet %s: %w", b.ID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ExpireBet(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bets SET status = 'expired' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missOrNotPending(ctx, s.pool, id)
	}
	return nil
}

func (s *PostgresStore) MarkBetPaid(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bets SET status = 'paid', paid_at = $2 WHERE id = $1 AND status = 'revealed'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM bets WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("bet %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> paid", ErrInvalidTransition, status)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) missOrNotPending(ctx context.Context, q querier, id string) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM bets WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return ErrBetNotPending
}

// --- Seeds ---

func (s *PostgresStore) PutSeed(ctx context.Context, betID, seed string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bet_secrets (bet_id, server_seed) VALUES ($1, $2)`, betID, seed)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: seed for bet %s", ErrDuplicate, betID)
	}
	return err
}

func (s *PostgresStore) GetSeed(ctx context.Context, betID string) (string, error) {
	var seed string
	err := s.pool.QueryRow(ctx,
		`SELECT server_seed FROM bet_secrets WHERE bet_id = $1`, betID).Scan(&seed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("seed for bet %s: %w", betID, ErrNotFound)
	}
	return seed, err
}

func (s *PostgresStore) DeleteSeed(ctx context.Context, betID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bet_secrets WHERE bet_id = $1`, betID)
	return err
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, bettor string) (model.Balance, error) {
	bal, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT total_won::TEXT, total_withdrawn::TEXT, pending::TEXT, updated_at
		 FROM balances WHERE bettor = $1`, bettor), bettor)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ZeroBalance(bettor), nil
	}
	return bal, err
}

// CreateWithdrawal locks the balance row, so concurrent requests from one
// bettor run one after the other. The partial unique index one_open_withdrawal
// backs the one-in-flight rule even if a row lock is ever bypassed.
func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal, minimum decimal.Decimal) (model.Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Balance{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (bettor, updated_at) VALUES ($1, $2) ON CONFLICT (bettor) DO NOTHING`,
		w.Bettor, w.CreatedAt); err != nil {
		return model.Balance{}, err
	}

	bal, err := scanBalance(tx.QueryRow(ctx,
		`SELECT total_won::TEXT, total_withdrawn::TEXT, pending::TEXT, updated_at
		 FROM balances WHERE bettor = $1 FOR UPDATE`, w.Bettor), w.Bettor)
	if err != nil {
		return model.Balance{}, err
	}
	if bal.Pending.LessThan(minimum) {
		return bal, ErrBelowMinimum
	}

	w.Amount = bal.Pending
	w.Status = model.WithdrawalPending
	w.UpdatedAt = w.CreatedAt

	_, err = tx.Exec(ctx,
		`INSERT INTO withdrawals (id, bettor, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		w.ID, w.Bettor, w.Amount.String(), string(w.Status), w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return bal, ErrWithdrawalInFlight
	}
	if err != nil {
		return model.Balance{}, fmt.Errorf("insert withdrawal: %w", err)
	}

	after, err := scanBalance(tx.QueryRow(ctx,
		`UPDATE balances
		 SET total_withdrawn = total_withdrawn + $2::NUMERIC, pending = 0, updated_at = $3
		 WHERE bettor = $1
		 RETURNING total_won::TEXT, total_withdrawn::TEXT, pending::TEXT, updated_at`,
		w.Bettor, w.Amount.String(), w.CreatedAt), w.Bettor)
	if err != nil {
		return model.Balance{}, fmt.Errorf("debit balance: %w", err)
	}

	return after, tx.Commit(ctx)
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, bettor string, limit int) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bettor, amount::TEXT, status, tx_hash, created_at, updated_at
		 FROM withdrawals WHERE bettor = $1 ORDER BY created_at DESC LIMIT $2`,
		bettor, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus, txHash string, at time.Time) (*model.Withdrawal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := scanWithdrawal(tx.QueryRow(ctx,
		`SELECT id, bettor, amount::TEXT, status, tx_hash, created_at, updated_at
		 FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !model.CanTransitionWithdrawal(w.Status, status) {
		return nil, fmt.Errorf("%w: withdrawal %s -> %s", ErrInvalidTransition, w.Status, status)
	}

	if txHash != "" {
		w.TxHash = txHash
	}
	w.Status = status
	w.UpdatedAt = at

	if _, err := tx.Exec(ctx,
		`UPDATE withdrawals SET status = $2, tx_hash = $3, updated_at = $4 WHERE id = $1`,
		id, string(w.Status), w.TxHash, w.UpdatedAt); err != nil {
		return nil, err
	}
	return w, tx.Commit(ctx)
}

// --- Counters ---

// ReserveDailyWager relies on the conditional UPDATE being atomic per row:
// two concurrent reservations cannot both pass the limit check.
func (s *PostgresStore) ReserveDailyWager(ctx context.Context, bettor, day string, amount, limit decimal.Decimal, maxFlips int) (model.DailyUsage, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO daily_wagers (bettor, day) VALUES ($1, $2::DATE) ON CONFLICT DO NOTHING`,
		bettor, day); err != nil {
		return model.DailyUsage{}, err
	}

	var wagered string
	var flips int
	err := s.pool.QueryRow(ctx,
		`UPDATE daily_wagers
		 SET wagered = wagered + $3::NUMERIC, flips = flips + 1
		 WHERE bettor = $1 AND day = $2::DATE
		   AND wagered + $3::NUMERIC <= $4::NUMERIC
		   AND ($5::INTEGER = 0 OR flips + 1 <= $5::INTEGER)
		 RETURNING wagered::TEXT, flips`,
		bettor, day, amount.String(), limit.String(), maxFlips,
	).Scan(&wagered, &flips)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetDailyUsage(ctx, bettor, day)
		if err != nil {
			return model.DailyUsage{}, err
		}
		return current, ErrLimitReached
	}
	if err != nil {
		return model.DailyUsage{}, err
	}

	w, _ := decimal.NewFromString(wagered)
	return model.DailyUsage{Day: day, Wagered: w, Flips: flips}, nil
}

func (s *PostgresStore) ReleaseDailyWager(ctx context.Context, bettor, day string, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE daily_wagers
		 SET wagered = GREATEST(wagered - $3::NUMERIC, 0), flips = GREATEST(flips - 1, 0)
		 WHERE bettor = $1 AND day = $2::DATE`,
		bettor, day, amount.String())
	return err
}

func (s *PostgresStore) GetDailyUsage(ctx context.Context, bettor, day string) (model.DailyUsage, error) {
	var wagered string
	var flips int
	err := s.pool.QueryRow(ctx,
		`SELECT wagered::TEXT, flips FROM daily_wagers WHERE bettor = $1 AND day = $2::DATE`,
		bettor, day).Scan(&wagered, &flips)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DailyUsage{Day: day, Wagered: decimal.Zero}, nil
	}
	if err != nil {
		return model.DailyUsage{}, err
	}
	w, _ := decimal.NewFromString(wagered)
	return model.DailyUsage{Day: day, Wagered: w, Flips: flips}, nil
}

func (s *PostgresStore) GetStreak(ctx context.Context, bettor string) (model.StreakState, error) {
	st, err := scanStreak(s.pool.QueryRow(ctx,
		`SELECT count, winnings::TEXT FROM streaks WHERE bettor = $1`, bettor))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StreakState{Winnings: decimal.Zero}, nil
	}
	return st, err
}

func (s *PostgresStore) RecordStreak(ctx context.Context, bettor string, won bool, preBet int, net decimal.Decimal) (model.StreakState, error) {
	// A missing row is a zero streak, which applyStreak turns into the values
	// to insert. On conflict the CASE arms apply the same rule to the stored
	// count, read under the row lock the upsert takes.
	next := applyStreak(model.StreakState{Winnings: decimal.Zero}, won, preBet, net)

	return scanStreak(s.pool.QueryRow(ctx,
		`INSERT INTO streaks (bettor, count, winnings) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (bettor) DO UPDATE
		 SET count = CASE WHEN $4::BOOLEAN AND $5::INTEGER > 0 AND streaks.count = $5::INTEGER
		                  THEN $5::INTEGER + 1 ELSE EXCLUDED.count END,
		     winnings = CASE WHEN $4::BOOLEAN AND $5::INTEGER > 0 AND streaks.count = $5::INTEGER
		                     THEN streaks.winnings + EXCLUDED.winnings ELSE EXCLUDED.winnings END
		 RETURNING count, winnings::TEXT`,
		bettor, next.Count, next.Winnings.String(), won, preBet))
}

func (s *PostgresStore) ResetStreak(ctx context.Context, bettor string) (model.StreakState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.StreakState{}, err
	}
	defer tx.Rollback(ctx)

	prev, err := scanStreak(tx.QueryRow(ctx,
		`SELECT count, winnings::TEXT FROM streaks WHERE bettor = $1 FOR UPDATE`, bettor))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StreakState{Winnings: decimal.Zero}, nil
	}
	if err != nil {
		return model.StreakState{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE streaks SET count = 0, winnings = 0 WHERE bettor = $1`, bettor); err != nil {
		return model.StreakState{}, err
	}
	return prev, tx.Commit(ctx)
}

// --- Exclusions ---

func (s *PostgresStore) GetSelfExclusion(ctx context.Context, bettor string) (*model.SelfExclusion, error) {
	ex := model.SelfExclusion{Bettor: bettor}
	err := s.pool.QueryRow(ctx,
		`SELECT until FROM self_exclusions WHERE bettor = $1`, bettor).Scan(&ex.Until)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

func (s *PostgresStore) SetSelfExclusion(ctx context.Context, ex model.SelfExclusion) (model.SelfExclusion, error) {
	out := model.SelfExclusion{Bettor: ex.Bettor}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO self_exclusions (bettor, until) VALUES ($1, $2)
		 ON CONFLICT (bettor) DO UPDATE SET until = GREATEST(self_exclusions.until, EXCLUDED.until)
		 RETURNING until`,
		ex.Bettor, ex.Until).Scan(&out.Until)
	return out, err
}

// --- Scanning helpers ---

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var amount, mult, gross, net, fee, burn string
	var choice, status, result string

	if err := row.Scan(&b.ID, &b.Bettor, &b.SocialID, &amount, &choice,
		&b.ClientSeedHash, &b.ServerSeedHash,
		&b.StreakLevel, &mult, &status, &b.ClientSeed, &b.CombinedHash, &result, &b.IsWinner,
		&gross, &net, &fee, &burn,
		&b.PlacedAt, &b.ExpiresAt, &b.RevealedAt, &b.PaidAt); err != nil {
		return nil, err
	}

	b.Amount, _ = decimal.NewFromString(amount)
	b.StreakMultiplier, _ = decimal.NewFromString(mult)
	b.Payout.Gross, _ = decimal.NewFromString(gross)
	b.Payout.Net, _ = decimal.NewFromString(net)
	b.Payout.HouseFee, _ = decimal.NewFromString(fee)
	b.Payout.Burn, _ = decimal.NewFromString(burn)
	b.Choice = model.Side(choice)
	b.Status = model.BetStatus(status)
	b.Result = model.Side(result)

	return &b, nil
}

func scanBalance(row pgx.Row, bettor string) (model.Balance, error) {
	bal := model.Balance{Bettor: bettor}
	var won, withdrawn, pending string
	if err := row.Scan(&won, &withdrawn, &pending, &bal.UpdatedAt); err != nil {
		return model.Balance{}, err
	}
	bal.TotalWon, _ = decimal.NewFromString(won)
	bal.TotalWithdrawn, _ = decimal.NewFromString(withdrawn)
	bal.Pending, _ = decimal.NewFromString(pending)
	return bal, nil
}

func scanWithdrawal(row pgx.Row) (*model.Withdrawal, error) {
	var w model.Withdrawal
	var amount, status string
	if err := row.Scan(&w.ID, &w.Bettor, &amount, &status, &w.TxHash, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Amount, _ = decimal.NewFromString(amount)
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}

func scanStreak(row pgx.Row) (model.StreakState, error) {
	var st model.StreakState
	var winnings string
	if err := row.Scan(&st.Count, &winnings); err != nil {
		return model.StreakState{}, err
	}
	st.Winnings, _ = decimal.NewFromString(winnings)
	return st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// limitOrAll turns a non-positive limit into LIMIT ALL (NULL).
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
