package ledger

import (
	"context"
	"sync"
	"time"

	"airledger/internal/modules/airquality/types"
)

// MemoryStore keeps the ledger in process memory. It is used for local runs
// (LEDGER_BACKEND=memory) and tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []types.Reading
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AddReading(ctx context.Context, m types.Measurement, ts time.Time) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := uint64(len(s.readings))
	s.readings = append(s.readings, types.Reading{Index: index, Timestamp: ts, Measurement: m})
	return index, nil
}

func (s *MemoryStore) GetReadingCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.readings)), nil
}

func (s *MemoryStore) GetReading(ctx context.Context, index uint64) (types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return types.Reading{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.readings)) {
		return types.Reading{}, ErrNotFound
	}
	return s.readings[index], nil
}
