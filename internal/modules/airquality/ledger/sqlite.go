package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"airledger/internal/modules/airquality/types"
)

//go:embed sql/get-head.sql
var getHeadSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-reading-count.sql
var getReadingCountSQL string

//go:embed sql/get-reading.sql
var getReadingSQL string

//go:embed sql/get-chain.sql
var getChainSQL string

// GenesisHash is the prev_hash of the reading at index 0.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

var (
	ErrChainBroken = errors.New("ledger hash chain broken")
	// ErrValueOutOfRange marks a measurement the SQLite INTEGER column
	// (signed 64-bit) cannot hold.
	ErrValueOutOfRange = errors.New("measurement value exceeds the sqlite integer range")
)

// SQLiteStore is a local append-only ledger. Every row carries the hash of
// its predecessor, so rewriting any stored reading breaks Verify. The schema
// (internal/migrate) rejects UPDATE and DELETE on the table.
type SQLiteStore struct {
	db *sql.DB

	// serialises index assignment within this process
	appendMu sync.Mutex
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) AddReading(ctx context.Context, m types.Measurement, ts time.Time) (uint64, error) {
	if err := checkSQLiteRange(m); err != nil {
		return 0, err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("rollback ledger append", "error", rbErr)
		}
	}()

	var (
		index    uint64
		prevHash = GenesisHash
		lastIdx  int64
		lastHash string
	)
	err = tx.QueryRowContext(ctx, getHeadSQL).Scan(&lastIdx, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("read ledger head: %w", err)
	default:
		index = uint64(lastIdx) + 1
		prevHash = lastHash
	}

	unix := ts.UTC().Unix()
	hash := chainHash(prevHash, index, unix, m)
	_, err = tx.ExecContext(ctx, insertReadingSQL,
		int64(index), unix,
		int64(m.CO2), int64(m.NO2), int64(m.PM25), int64(m.PM10),
		prevHash, hash,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert reading: %v", ErrWriteRejected, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit reading: %v", ErrWriteRejected, err)
	}
	return index, nil
}

func checkSQLiteRange(m types.Measurement) error {
	for _, f := range []struct {
		name string
		v    uint64
	}{{"co2", m.CO2}, {"no2", m.NO2}, {"pm25", m.PM25}, {"pm10", m.PM10}} {
		if f.v > math.MaxInt64 {
			return fmt.Errorf("%w: %w: %s=%d", ErrWriteRejected, ErrValueOutOfRange, f.name, f.v)
		}
	}
	return nil
}

func (s *SQLiteStore) GetReadingCount(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, getReadingCountSQL).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *SQLiteStore) GetReading(ctx context.Context, index uint64) (types.Reading, error) {
	var (
		unix                 int64
		co2, no2, pm25, pm10 int64
	)
	err := s.db.QueryRowContext(ctx, getReadingSQL, int64(index)).Scan(&unix, &co2, &no2, &pm25, &pm10)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Reading{}, ErrNotFound
	}
	if err != nil {
		return types.Reading{}, err
	}
	return types.Reading{
		Index:     index,
		Timestamp: time.Unix(unix, 0).UTC(),
		Measurement: types.Measurement{
			CO2:  uint64(co2),
			NO2:  uint64(no2),
			PM25: uint64(pm25),
			PM10: uint64(pm10),
		},
	}, nil
}

// Verify walks the whole table and recomputes the hash chain. It returns the
// number of readings checked; the first mismatch is reported as ErrChainBroken.
func (s *SQLiteStore) Verify(ctx context.Context) (uint64, error) {
	rows, err := s.db.QueryContext(ctx, getChainSQL)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close chain rows", "error", err)
		}
	}()

	var (
		checked  uint64
		expected = GenesisHash
	)
	for rows.Next() {
		var (
			idx, unix            int64
			co2, no2, pm25, pm10 int64
			prevHash, hash       string
		)
		if err := rows.Scan(&idx, &unix, &co2, &no2, &pm25, &pm10, &prevHash, &hash); err != nil {
			return checked, err
		}
		if uint64(idx) != checked {
			return checked, fmt.Errorf("%w: gap at index %d (found %d)", ErrChainBroken, checked, idx)
		}
		if prevHash != expected {
			return checked, fmt.Errorf("%w: prev_hash mismatch at index %d", ErrChainBroken, idx)
		}
		m := types.Measurement{CO2: uint64(co2), NO2: uint64(no2), PM25: uint64(pm25), PM10: uint64(pm10)}
		if got := chainHash(prevHash, uint64(idx), unix, m); got != hash {
			return checked, fmt.Errorf("%w: hash mismatch at index %d", ErrChainBroken, idx)
		}
		expected = hash
		checked++
	}
	return checked, rows.Err()
}

func chainHash(prevHash string, index uint64, unix int64, m types.Measurement) string {
	fields := []string{
		prevHash,
		strconv.FormatUint(index, 10),
		strconv.FormatInt(unix, 10),
		strconv.FormatUint(m.CO2, 10),
		strconv.FormatUint(m.NO2, 10),
		strconv.FormatUint(m.PM25, 10),
		strconv.FormatUint(m.PM10, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
