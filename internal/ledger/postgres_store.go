package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the ledger in PostgreSQL. Withdrawal updates use a
// version column for compare-and-set; balance effects run in the same
// transaction as the status write.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    balance NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    reserved NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (reserved >= 0),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS account_grants (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    amount NUMERIC(18,2) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS withdrawals (
    id UUID PRIMARY KEY,
    payment_ref TEXT NOT NULL UNIQUE,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    amount NUMERIC(18,2) NOT NULL,
    units INT NOT NULL,
    kiosk_id TEXT NOT NULL DEFAULT '',
    pin TEXT NOT NULL DEFAULT '',
    pin_expires_at TIMESTAMPTZ,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    auth_attempts INT NOT NULL DEFAULT 0,
    delivered_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    confirmed_at TIMESTAMPTZ,
    authorized_at TIMESTAMPTZ,
    dispensing_at TIMESTAMPTZ,
    finalized_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL,
    version BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS withdrawals_status_idx ON withdrawals (status, created_at);

CREATE TABLE IF NOT EXISTS reservations (
    withdrawal_id UUID PRIMARY KEY REFERENCES withdrawals(id),
    account_id TEXT NOT NULL REFERENCES accounts(id),
    amount NUMERIC(18,2) NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ
);
`

const withdrawalColumns = `id, payment_ref, account_id, amount::text, units, kiosk_id, pin, pin_expires_at,
status, reason, auth_attempts, delivered_at, created_at, confirmed_at, authorized_at,
dispensing_at, finalized_at, updated_at, version`

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w Withdrawal) (Withdrawal, bool, error) {
	w.Version = 1
	tag, err := p.pool.Exec(ctx, `
INSERT INTO withdrawals (id, payment_ref, account_id, amount, units, kiosk_id, pin, pin_expires_at,
    status, reason, auth_attempts, delivered_at, created_at, confirmed_at, authorized_at,
    dispensing_at, finalized_at, updated_at, version)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (payment_ref) DO NOTHING
`, w.ID, w.PaymentRef, w.AccountID, w.Amount.String(), w.Units, w.KioskID, w.PIN, w.PINExpiresAt,
		string(w.Status), string(w.Reason), w.AuthAttempts, w.DeliveredAt, w.CreatedAt, w.ConfirmedAt,
		w.AuthorizedAt, w.DispensingAt, w.FinalizedAt, w.UpdatedAt, w.Version)
	if err != nil {
		return Withdrawal{}, false, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := p.GetWithdrawalByPaymentRef(ctx, w.PaymentRef)
		return existing, false, err
	}
	return w, true, nil
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id uuid.UUID) (Withdrawal, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

func (p *PostgresStore) GetWithdrawalByPaymentRef(ctx context.Context, ref string) (Withdrawal, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE payment_ref = $1`, ref)
	return scanWithdrawal(row)
}

// ListWithdrawals returns withdrawals in status, oldest first. A limit of
// zero or less returns all of them.
func (p *PostgresStore) ListWithdrawals(ctx context.Context, status Status, limit int) ([]Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + `
FROM withdrawals WHERE status = $1 ORDER BY created_at`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return p.queryWithdrawals(ctx, query, args...)
}

func (p *PostgresStore) ListUnresolvedTerminal(ctx context.Context) ([]Withdrawal, error) {
	return p.queryWithdrawals(ctx, `SELECT `+withdrawalColumns+`
FROM withdrawals
WHERE status IN ('completed', 'failed', 'expired')
  AND id IN (SELECT withdrawal_id FROM reservations WHERE state = 'held')
ORDER BY created_at`)
}

func (p *PostgresStore) queryWithdrawals(ctx context.Context, query string, args ...interface{}) ([]Withdrawal, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateWithdrawal(ctx context.Context, id uuid.UUID, fn Mutation) (Withdrawal, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		updated, err := p.tryUpdate(ctx, id, fn)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return updated, err
	}
	return Withdrawal{}, ErrConflict
}

func (p *PostgresStore) tryUpdate(ctx context.Context, id uuid.UUID, fn Mutation) (Withdrawal, error) {
	current, err := p.GetWithdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}

	next := current
	effect, err := fn(&next)
	if err != nil {
		return current, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return current, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := p.now()
	next.Version = current.Version + 1
	next.UpdatedAt = now

	tag, err := tx.Exec(ctx, `
UPDATE withdrawals SET
    kiosk_id = $3, pin = $4, pin_expires_at = $5, status = $6, reason = $7, auth_attempts = $8,
    delivered_at = $9, confirmed_at = $10, authorized_at = $11, dispensing_at = $12,
    finalized_at = $13, updated_at = $14, version = $15
WHERE id = $1 AND version = $2
`, id, current.Version, next.KioskID, next.PIN, next.PINExpiresAt, string(next.Status), string(next.Reason),
		next.AuthAttempts, next.DeliveredAt, next.ConfirmedAt, next.AuthorizedAt, next.DispensingAt,
		next.FinalizedAt, next.UpdatedAt, next.Version)
	if err != nil {
		return current, err
	}
	if tag.RowsAffected() == 0 {
		return current, ErrConflict
	}

	if err := p.applyEffectTx(ctx, tx, effect, next, now); err != nil {
		return current, err
	}

	if err := tx.Commit(ctx); err != nil {
		return current, err
	}
	return next, nil
}

func (p *PostgresStore) applyEffectTx(ctx context.Context, tx pgx.Tx, effect Effect, w Withdrawal, now time.Time) error {
	switch effect {
	case EffectNone:
		return nil
	case EffectReserve:
		tag, err := tx.Exec(ctx, `
INSERT INTO reservations (withdrawal_id, account_id, amount, state, created_at)
VALUES ($1, $2, $3::numeric, $4, $5)
ON CONFLICT (withdrawal_id) DO NOTHING
`, w.ID, w.AccountID, w.Amount.String(), string(ReservationHeld), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		tag, err = tx.Exec(ctx, `
UPDATE accounts SET balance = balance - $2::numeric, reserved = reserved + $2::numeric, updated_at = $3
WHERE id = $1 AND balance >= $2::numeric
`, w.AccountID, w.Amount.String(), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientFunds
		}
		return nil
	case EffectRelease, EffectSettle:
		state := ReservationReleased
		if effect == EffectSettle {
			state = ReservationSettled
		}
		var amountText, accountID string
		err := tx.QueryRow(ctx, `
UPDATE reservations SET state = $2, resolved_at = $3
WHERE withdrawal_id = $1 AND state = $4
RETURNING amount::text, account_id
`, w.ID, string(state), now, string(ReservationHeld)).Scan(&amountText, &accountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		balanceDelta := "0"
		if effect == EffectRelease {
			balanceDelta = amountText
		}
		_, err = tx.Exec(ctx, `
UPDATE accounts SET balance = balance + $2::numeric, reserved = reserved - $3::numeric, updated_at = $4
WHERE id = $1
`, accountID, balanceDelta, amountText, now)
		return err
	default:
		return fmt.Errorf("unknown effect %d", effect)
	}
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		acct              Account
		balance, reserved string
	)
	err := p.pool.QueryRow(ctx, `
SELECT id, balance::text, reserved::text, created_at, updated_at FROM accounts WHERE id = $1
`, id).Scan(&acct.ID, &balance, &reserved, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if acct.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, err
	}
	if acct.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (p *PostgresStore) ApplyGrant(ctx context.Context, g Grant) (Account, bool, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := p.now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO accounts (id, balance, reserved, created_at, updated_at)
VALUES ($1, 0, 0, $2, $2)
ON CONFLICT (id) DO NOTHING
`, g.AccountID, now); err != nil {
		return Account{}, false, err
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO account_grants (id, account_id, amount, created_at)
VALUES ($1, $2, $3::numeric, $4)
ON CONFLICT (id) DO NOTHING
`, g.ID, g.AccountID, g.Amount.String(), g.CreatedAt)
	if err != nil {
		return Account{}, false, err
	}
	applied := tag.RowsAffected() > 0
	if applied {
		if _, err := tx.Exec(ctx, `
UPDATE accounts SET balance = balance + $2::numeric, updated_at = $3 WHERE id = $1
`, g.AccountID, g.Amount.String(), now); err != nil {
			return Account{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, false, err
	}

	acct, err := p.GetAccount(ctx, g.AccountID)
	return acct, applied, err
}

func (p *PostgresStore) GetReservation(ctx context.Context, withdrawalID uuid.UUID) (Reservation, error) {
	var (
		res    Reservation
		amount string
		state  string
	)
	err := p.pool.QueryRow(ctx, `
SELECT withdrawal_id, account_id, amount::text, state, created_at, resolved_at
FROM reservations WHERE withdrawal_id = $1
`, withdrawalID).Scan(&res.WithdrawalID, &res.AccountID, &amount, &state, &res.CreatedAt, &res.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	res.State = ReservationState(state)
	if res.Amount, err = decimal.NewFromString(amount); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w              Withdrawal
		amount         string
		status, reason string
	)
	err := row.Scan(&w.ID, &w.PaymentRef, &w.AccountID, &amount, &w.Units, &w.KioskID, &w.PIN,
		&w.PINExpiresAt, &status, &reason, &w.AuthAttempts, &w.DeliveredAt, &w.CreatedAt,
		&w.ConfirmedAt, &w.AuthorizedAt, &w.DispensingAt, &w.FinalizedAt, &w.UpdatedAt, &w.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Withdrawal{}, ErrNotFound
	}
	if err != nil {
		return Withdrawal{}, err
	}
	w.Status = Status(status)
	w.Reason = Reason(reason)
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return Withdrawal{}, fmt.Errorf("parse amount: %w", err)
	}
	return w, nil
}
