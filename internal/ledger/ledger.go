// Package ledger records accepted score submissions and hands back signed
// receipts. Two committers exist: Local writes to its own store (memory or
// Postgres), Remote forwards to an external settlement service over HTTP.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCommitFailed wraps any downstream failure after validation has
	// already succeeded. The caller maps it to a 500.
	ErrCommitFailed = errors.New("ledger commit failed")
	// ErrReceiptNotFound is returned by store lookups for unknown IDs.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// Receipt is the signed proof of an accepted submission. The signature
// covers every field above it, so a receipt cannot be replayed with a
// different identity or amount.
type Receipt struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Score     int64     `json:"score"`
	TxCount   int64     `json:"txCount"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"createdAt"`
	Signature string    `json:"signature"`
}

// Commit is one accepted submission to be written downstream.
type Commit struct {
	Identity string `json:"identity"`
	Score    int64  `json:"score"`
	TxCount  int64  `json:"txCount"`
	Nonce    string `json:"nonce"`
}

// Committer is the downstream collaborator. Commit blocks until the write
// resolves or ctx expires; it is the only call in the request path allowed
// to wait on an external resource.
type Committer interface {
	Commit(ctx context.Context, c Commit) (*Receipt, error)
}

// Store persists receipts for the local committer.
type Store interface {
	Insert(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	History(ctx context.Context, identity string, limit int) ([]*Receipt, error)
}
