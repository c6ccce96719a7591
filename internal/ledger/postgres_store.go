package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the receipts table. The nonce carries a unique index so a
// double-commit attempt fails at the database even if every upstream guard
// is bypassed.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS receipts (
			id          VARCHAR(41) PRIMARY KEY,
			identity    VARCHAR(42) NOT NULL,
			score       BIGINT NOT NULL CHECK (score >= 0),
			tx_count    BIGINT NOT NULL CHECK (tx_count >= 0),
			nonce       VARCHAR(64) NOT NULL,
			signature   VARCHAR(64) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_nonce ON receipts(identity, nonce);
		CREATE INDEX IF NOT EXISTS idx_receipts_identity ON receipts(identity, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (id, identity, score, tx_count, nonce, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Identity, r.Score, r.TxCount, r.Nonce, r.Signature, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	r := &Receipt{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, identity, score, tx_count, nonce, signature, created_at
		FROM receipts WHERE id = $1
	`, id).Scan(&r.ID, &r.Identity, &r.Score, &r.TxCount, &r.Nonce, &r.Signature, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) History(ctx context.Context, identity string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, identity, score, tx_count, nonce, signature, created_at
		FROM receipts WHERE identity = $1
		ORDER BY created_at DESC LIMIT $2
	`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("receipt history: %w", err)
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		r := &Receipt{}
		if err := rows.Scan(&r.ID, &r.Identity, &r.Score, &r.TxCount, &r.Nonce, &r.Signature, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("receipt history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
