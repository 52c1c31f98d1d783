// Package repository keeps the local journal of archive pins: which content
// hash the archive returned for which ledger index. The ledger itself never
// stores archive references.
package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"airledger/internal/modules/airquality/types"
)

//go:embed sql/insert-pin.sql
var insertPinSQL string

//go:embed sql/get-pins.sql
var getPinsSQL string

//go:embed sql/get-pins-for-index.sql
var getPinsForIndexSQL string

type PinRepository interface {
	RecordPin(ctx context.Context, index uint64, contentHash string) error
	ListPins(ctx context.Context, limit int) ([]types.Pin, error)
	PinsForIndex(ctx context.Context, index uint64) ([]types.Pin, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) PinRepository {
	return &repositoryImpl{db: db}
}

// RecordPin is idempotent for the same (index, hash) pair.
func (r *repositoryImpl) RecordPin(ctx context.Context, index uint64, contentHash string) error {
	if contentHash == "" {
		return fmt.Errorf("record pin %d: empty content hash", index)
	}
	if _, err := r.db.ExecContext(ctx, insertPinSQL, int64(index), contentHash); err != nil {
		return fmt.Errorf("record pin %d: %w", index, err)
	}
	return nil
}

func (r *repositoryImpl) ListPins(ctx context.Context, limit int) ([]types.Pin, error) {
	rows, err := r.db.QueryContext(ctx, getPinsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close pin rows", "error", err)
		}
	}()
	return scanPins(rows)
}

func (r *repositoryImpl) PinsForIndex(ctx context.Context, index uint64) ([]types.Pin, error) {
	rows, err := r.db.QueryContext(ctx, getPinsForIndexSQL, int64(index))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close pin rows", "error", err)
		}
	}()
	return scanPins(rows)
}

func scanPins(rows *sql.Rows) ([]types.Pin, error) {
	out := []types.Pin{}
	for rows.Next() {
		var (
			p     types.Pin
			index int64
			ts    string
		)
		if err := rows.Scan(&index, &p.ContentHash, &ts); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse pinned_at %q: %w", ts, err)
		}
		p.LedgerIndex = uint64(index)
		p.PinnedAt = t
		out = append(out, p)
	}
	return out, rows.Err()
}
