package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
)

// PostgresWalletLedger implements auctions.WalletLedger against the
// wallet_accounts/wallet_entries tables. Both operations run inside the
// caller's transaction so funds movement commits atomically with the auction
// transition. An entry row per idempotency key makes replays no-ops.
type PostgresWalletLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresWalletLedger creates a new PostgreSQL wallet ledger.
func NewPostgresWalletLedger(pool *pgxpool.Pool) *PostgresWalletLedger {
	return &PostgresWalletLedger{pool: pool}
}

// Debit withdraws amount from the user's balance. Returns
// auctions.ErrInsufficientFunds without writing anything when the balance
// cannot cover it; a replayed idempotency key succeeds without a second
// withdrawal.
func (l *PostgresWalletLedger) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, idempotencyKey string) error {
	if amount <= 0 {
		return auctions.ErrInvalidAmount
	}

	applied, err := l.entryExists(ctx, tx, idempotencyKey)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE wallet_accounts
		SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance >= $1
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auctions.ErrInsufficientFunds
	}

	return l.insertEntry(ctx, tx, userID, -amount, idempotencyKey)
}

// Credit deposits amount into the user's balance, creating the account row if
// needed. Replays by idempotency key are no-ops.
func (l *PostgresWalletLedger) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, idempotencyKey string) error {
	if amount <= 0 {
		return auctions.ErrInvalidAmount
	}

	applied, err := l.entryExists(ctx, tx, idempotencyKey)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_accounts (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = wallet_accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}

	return l.insertEntry(ctx, tx, userID, amount, idempotencyKey)
}

func (l *PostgresWalletLedger) entryExists(ctx context.Context, tx pgx.Tx, idempotencyKey string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_entries WHERE idempotency_key = $1)`, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet entry: %w", err)
	}
	return exists, nil
}

func (l *PostgresWalletLedger) insertEntry(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, idempotencyKey string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_entries (id, user_id, amount, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New(), userID, amount, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to insert wallet entry: %w", err)
	}
	return nil
}
