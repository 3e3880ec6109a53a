package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/model"
)

// Schema creates the tables used by PostgresStore. The partial unique index on
// rounds enforces at most one open round at the database level.
const Schema = `
CREATE TABLE IF NOT EXISTS rounds (
    id              TEXT PRIMARY KEY,
    status          TEXT        NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    betting_ends_at TIMESTAMPTZ NOT NULL,
    play_ends_at    TIMESTAMPTZ NOT NULL,
    start_price     NUMERIC,
    end_price       NUMERIC,
    winning_side    TEXT,
    house_fee       NUMERIC     NOT NULL DEFAULT 0,
    total_payout    NUMERIC     NOT NULL DEFAULT 0,
    settled_at      TIMESTAMPTZ,
    up_total        NUMERIC     NOT NULL DEFAULT 0,
    down_total      NUMERIC     NOT NULL DEFAULT 0,
    up_count        INTEGER     NOT NULL DEFAULT 0,
    down_count      INTEGER     NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS rounds_single_open ON rounds ((true)) WHERE status <> 'completed';
CREATE INDEX IF NOT EXISTS rounds_created ON rounds (created_at DESC);

CREATE TABLE IF NOT EXISTS wagers (
    seq       BIGSERIAL,
    id        TEXT PRIMARY KEY,
    round_id  TEXT        NOT NULL REFERENCES rounds (id),
    bettor_id TEXT        NOT NULL,
    side      TEXT        NOT NULL,
    amount    NUMERIC     NOT NULL CHECK (amount > 0),
    placed_at TIMESTAMPTZ NOT NULL,
    payout    NUMERIC     NOT NULL DEFAULT 0,
    result    TEXT        NOT NULL DEFAULT 'pending',
    UNIQUE (round_id, bettor_id)
);
CREATE INDEX IF NOT EXISTS wagers_bettor ON wagers (bettor_id, placed_at DESC);

CREATE TABLE IF NOT EXISTS accounts (
    bettor_id   TEXT PRIMARY KEY,
    type        TEXT        NOT NULL,
    balance     NUMERIC     NOT NULL CHECK (balance >= 0),
    max_balance NUMERIC,
    version     BIGINT      NOT NULL DEFAULT 1,
    origin      TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_audit (
    id             TEXT PRIMARY KEY,
    bettor_id      TEXT        NOT NULL,
    kind           TEXT        NOT NULL,
    amount         NUMERIC     NOT NULL,
    balance_before NUMERIC     NOT NULL,
    balance_after  NUMERIC     NOT NULL,
    ref            TEXT        NOT NULL,
    metadata       JSONB,
    timestamp      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS balance_audit_credit_ref ON balance_audit (ref) WHERE kind = 'credit';
CREATE INDEX IF NOT EXISTS balance_audit_bettor ON balance_audit (bettor_id, timestamp DESC);
`

const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Balance changes use conditional updates inside one transaction per
// operation, so concurrent wagers are serialized by row locks rather than by
// any lock in this process.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, status, created_at, betting_ends_at, play_ends_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, string(r.Status), r.CreatedAt, r.BettingEndsAt, r.PlayEndsAt,
	)
	if isUniqueViolation(err) {
		return ErrOpenRoundExists
	}
	return err
}

const roundColumns = `id, status, created_at, betting_ends_at, play_ends_at,
	start_price::TEXT, end_price::TEXT, winning_side,
	house_fee::TEXT, total_payout::TEXT, settled_at,
	up_total::TEXT, down_total::TEXT, up_count, down_count`

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	return getRound(ctx, s.pool, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
}

func (s *PostgresStore) GetOpenRound(ctx context.Context) (*model.Round, error) {
	return getRound(ctx, s.pool, `SELECT `+roundColumns+` FROM rounds WHERE status <> 'completed' LIMIT 1`)
}

func getRound(ctx context.Context, q querier, sql string, args ...any) (*model.Round, error) {
	r, err := scanRound(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("round: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	if r.Wagers, err = listWagers(ctx, q, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListRounds(ctx context.Context, limit int) ([]model.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range rounds {
		if rounds[i].Wagers, err = listWagers(ctx, s.pool, rounds[i].ID); err != nil {
			return nil, err
		}
	}
	return rounds, nil
}

func (s *PostgresStore) TransitionRound(ctx context.Context, id string, from, to model.Status, price *decimal.Decimal) (*model.Round, error) {
	if !from.CanAdvanceTo(to) {
		return nil, fmt.Errorf("round %s %s -> %s: %w", id, from, to, ErrStaleTransition)
	}
	var priceArg *string
	if price != nil {
		p := price.String()
		priceArg = &p
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE rounds
		 SET status = $3,
		     start_price = CASE WHEN $3 = 'playing'  AND $4::NUMERIC IS NOT NULL THEN $4::NUMERIC ELSE start_price END,
		     end_price   = CASE WHEN $3 = 'settling' AND $4::NUMERIC IS NOT NULL THEN $4::NUMERIC ELSE end_price END
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), priceArg,
	)
	if err != nil {
		return nil, fmt.Errorf("transition round %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("round %s %s -> %s: %w", id, from, to, ErrStaleTransition)
	}

	r, err := getRound(ctx, tx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return r, tx.Commit(ctx)
}

func (s *PostgresStore) PlaceWager(ctx context.Context, roundID string, w *model.Wager, now time.Time) (*WagerReceipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	amount := w.Amount.String()

	// Lock the round row and bump the pool; a round that is not betting or
	// past its deadline matches nothing.
	tag, err := tx.Exec(ctx,
		`UPDATE rounds
		 SET up_total   = up_total   + CASE WHEN $2 = 'up'   THEN $3::NUMERIC ELSE 0 END,
		     down_total = down_total + CASE WHEN $2 = 'down' THEN $3::NUMERIC ELSE 0 END,
		     up_count   = up_count   + CASE WHEN $2 = 'up'   THEN 1 ELSE 0 END,
		     down_count = down_count + CASE WHEN $2 = 'down' THEN 1 ELSE 0 END
		 WHERE id = $1 AND status = 'betting' AND betting_ends_at > $4`,
		roundID, string(w.Side), amount, now,
	)
	if err != nil {
		return nil, fmt.Errorf("place wager: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, model.ErrNoActiveRound
	}

	tag, err = tx.Exec(ctx,
		`INSERT INTO wagers (id, round_id, bettor_id, side, amount, placed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (round_id, bettor_id) DO NOTHING`,
		w.ID, roundID, w.Bettor.String(), string(w.Side), amount, w.PlacedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("place wager: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, model.ErrDuplicateWager
	}

	var afterS string
	err = tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance - $2::NUMERIC, version = version + 1
		 WHERE bettor_id = $1 AND balance >= $2::NUMERIC
		 RETURNING balance::TEXT`,
		w.Bettor.String(), amount,
	).Scan(&afterS)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE bettor_id = $1)`, w.Bettor.String(),
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("place wager: %w", err)
		}
		if !exists {
			return nil, model.ErrBettorNotFound
		}
		return nil, model.ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("place wager: %w", err)
	}
	after, _ := decimal.NewFromString(afterS)
	before := after.Add(w.Amount)

	if err := insertAudit(ctx, tx, model.AuditEntry{
		ID:        uuid.New().String(),
		Bettor:    w.Bettor,
		Kind:      model.AuditDebit,
		Amount:    w.Amount,
		Before:    before,
		After:     after,
		Ref:       "wager:" + w.ID,
		Metadata:  map[string]string{"round_id": roundID, "side": string(w.Side)},
		Timestamp: now,
	}); err != nil {
		return nil, err
	}

	r, err := getRound(ctx, tx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, roundID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("place wager: commit: %w", err)
	}

	wager, _ := r.WagerOf(w.Bettor)
	return &WagerReceipt{Wager: wager, Round: r, BalanceBefore: before, BalanceAfter: after}, nil
}

func (s *PostgresStore) CompleteRound(ctx context.Context, id string, st *model.Settlement) (*model.Round, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var winning *string
	if st.WinningSide != nil {
		w := string(*st.WinningSide)
		winning = &w
	}

	tag, err := tx.Exec(ctx,
		`UPDATE rounds
		 SET status = 'completed',
		     start_price = $2::NUMERIC, end_price = $3::NUMERIC, winning_side = $4,
		     house_fee = $5::NUMERIC, total_payout = $6::NUMERIC, settled_at = $7
		 WHERE id = $1 AND status = 'settling'`,
		id, st.StartPrice.String(), st.EndPrice.String(), winning,
		st.HouseFee.String(), st.TotalPayout.String(), st.SettledAt,
	)
	if err != nil {
		return nil, fmt.Errorf("complete round %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("complete round %s: %w", id, ErrStaleTransition)
	}

	for _, p := range st.Payouts {
		if _, err := tx.Exec(ctx,
			`UPDATE wagers SET payout = $3::NUMERIC, result = $4
			 WHERE round_id = $1 AND bettor_id = $2`,
			id, p.Bettor.String(), p.Amount.String(), string(p.Result),
		); err != nil {
			return nil, fmt.Errorf("complete round %s: payout %s: %w", id, p.Bettor, err)
		}
	}

	r, err := getRound(ctx, tx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return r, tx.Commit(ctx)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	var maxBalance *string
	if a.MaxBalance != nil {
		m := a.MaxBalance.String()
		maxBalance = &m
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (bettor_id, type, balance, max_balance, version, origin, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, 1, $5, $6)`,
		a.Bettor.String(), string(a.Type), a.Balance.String(), maxBalance, a.Origin, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, bettor model.BettorID) (*model.Account, error) {
	var a model.Account
	var typ, balance string
	var maxBalance *string

	err := s.pool.QueryRow(ctx,
		`SELECT type, balance::TEXT, max_balance::TEXT, version, origin, created_at
		 FROM accounts WHERE bettor_id = $1`, bettor.String()).
		Scan(&typ, &balance, &maxBalance, &a.Version, &a.Origin, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", bettor, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", bettor, err)
	}

	a.Bettor = bettor
	a.Type = model.AccountType(typ)
	a.Balance, _ = decimal.NewFromString(balance)
	a.MaxBalance = parseNullable(maxBalance)
	return &a, nil
}

func (s *PostgresStore) Credit(ctx context.Context, bettor model.BettorID, amount decimal.Decimal, ref string, meta map[string]string) (*CreditReceipt, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("credit %s: negative amount %s", bettor, amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var beforeS, afterS string
	err = tx.QueryRow(ctx,
		`SELECT balance_before::TEXT, balance_after::TEXT
		 FROM balance_audit WHERE ref = $1 AND kind = 'credit'`, ref).Scan(&beforeS, &afterS)
	if err == nil {
		before, _ := decimal.NewFromString(beforeS)
		after, _ := decimal.NewFromString(afterS)
		return &CreditReceipt{Before: before, After: after}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credit %s: %w", bettor, err)
	}

	err = tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE bettor_id = $1 FOR UPDATE`, bettor.String()).Scan(&beforeS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credit %s: %w", bettor, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", bettor, err)
	}

	err = tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = CASE WHEN max_balance IS NULL THEN balance + $2::NUMERIC
		                    ELSE GREATEST(balance, LEAST(balance + $2::NUMERIC, max_balance)) END,
		     version = version + 1
		 WHERE bettor_id = $1
		 RETURNING balance::TEXT`,
		bettor.String(), amount.String(),
	).Scan(&afterS)
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", bettor, err)
	}
	before, _ := decimal.NewFromString(beforeS)
	after, _ := decimal.NewFromString(afterS)

	if err := insertAudit(ctx, tx, model.AuditEntry{
		ID:        uuid.New().String(),
		Bettor:    bettor,
		Kind:      model.AuditCredit,
		Amount:    amount,
		Before:    before,
		After:     after,
		Ref:       ref,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		// A concurrent credit with the same ref won the unique index.
		if isUniqueViolation(err) {
			return &CreditReceipt{Before: before, After: before}, nil
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("credit %s: commit: %w", bettor, err)
	}
	return &CreditReceipt{Before: before, After: after, Applied: true}, nil
}

func (s *PostgresStore) ListBettorHistory(ctx context.Context, bettor model.BettorID, limit int) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT w.id, w.round_id, w.side, w.amount::TEXT, w.placed_at, w.payout::TEXT, w.result,
		        r.status, r.start_price::TEXT, r.end_price::TEXT, r.winning_side
		 FROM wagers w
		 JOIN rounds r ON r.id = w.round_id
		 WHERE w.bettor_id = $1
		 ORDER BY w.placed_at DESC
		 LIMIT $2`, bettor.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var side, amount, payout, result, status string
		var start, end, winning *string

		if err := rows.Scan(&h.Wager.ID, &h.Wager.RoundID, &side, &amount, &h.Wager.PlacedAt,
			&payout, &result, &status, &start, &end, &winning); err != nil {
			return nil, err
		}

		h.Wager.Bettor = bettor
		h.Wager.Side = model.Side(side)
		h.Wager.Amount, _ = decimal.NewFromString(amount)
		h.Wager.Payout, _ = decimal.NewFromString(payout)
		h.Wager.Result = model.Result(result)
		h.RoundStatus = model.Status(status)
		h.StartPrice = parseNullable(start)
		h.EndPrice = parseNullable(end)
		h.WinningSide = parseSide(winning)
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s *PostgresStore) ListAudit(ctx context.Context, bettor model.BettorID, limit int) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, amount::TEXT, balance_before::TEXT, balance_after::TEXT, ref,
		        COALESCE(metadata::TEXT, ''), timestamp
		 FROM balance_audit WHERE bettor_id = $1
		 ORDER BY timestamp DESC LIMIT $2`, bettor.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var kind, amount, before, after, meta string

		if err := rows.Scan(&e.ID, &kind, &amount, &before, &after, &e.Ref, &meta, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Bettor = bettor
		e.Kind = model.AuditKind(kind)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Before, _ = decimal.NewFromString(before)
		e.After, _ = decimal.NewFromString(after)
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func insertAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	var meta *string
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		m := string(b)
		meta = &m
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO balance_audit (id, bettor_id, kind, amount, balance_before, balance_after, ref, metadata, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::JSONB, $9)`,
		e.ID, e.Bettor.String(), string(e.Kind), e.Amount.String(),
		e.Before.String(), e.After.String(), e.Ref, meta, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("audit %s %s: %w", e.Kind, e.Bettor, err)
	}
	return nil
}

// scanRound reads one rounds row (roundColumns) from a pgx row.
func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	var status string
	var start, end, winning *string
	var fee, payout, upTotal, downTotal string

	if err := row.Scan(&r.ID, &status, &r.CreatedAt, &r.BettingEndsAt, &r.PlayEndsAt,
		&start, &end, &winning,
		&fee, &payout, &r.SettledAt,
		&upTotal, &downTotal, &r.Pool.UpCount, &r.Pool.DownCount); err != nil {
		return nil, err
	}

	r.Status = model.Status(status)
	r.StartPrice = parseNullable(start)
	r.EndPrice = parseNullable(end)
	r.WinningSide = parseSide(winning)
	r.HouseFee, _ = decimal.NewFromString(fee)
	r.TotalPayout, _ = decimal.NewFromString(payout)
	r.Pool.UpTotal, _ = decimal.NewFromString(upTotal)
	r.Pool.DownTotal, _ = decimal.NewFromString(downTotal)
	return &r, nil
}

func listWagers(ctx context.Context, q querier, roundID string) ([]model.Wager, error) {
	rows, err := q.Query(ctx,
		`SELECT id, bettor_id, side, amount::TEXT, placed_at, payout::TEXT, result
		 FROM wagers WHERE round_id = $1 ORDER BY seq`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list wagers %s: %w", roundID, err)
	}
	defer rows.Close()

	var wagers []model.Wager
	for rows.Next() {
		var w model.Wager
		var bettor, side, amount, payout, result string

		if err := rows.Scan(&w.ID, &bettor, &side, &amount, &w.PlacedAt, &payout, &result); err != nil {
			return nil, err
		}

		w.RoundID = roundID
		w.Bettor, err = model.ParseBettorID(bettor)
		if err != nil {
			return nil, err
		}
		w.Side = model.Side(side)
		w.Amount, _ = decimal.NewFromString(amount)
		w.Payout, _ = decimal.NewFromString(payout)
		w.Result = model.Result(result)
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

func parseNullable(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func parseSide(s *string) *model.Side {
	if s == nil {
		return nil
	}
	side := model.Side(*s)
	return &side
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
