package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"airledger/internal/modules/airquality/ledger"
	"airledger/internal/modules/airquality/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyStore wraps a MemoryStore and fails reads of selected indexes and
// every operation while down is set.
type flakyStore struct {
	*ledger.MemoryStore

	mu        sync.Mutex
	down      bool
	failReads map[uint64]error
	failWrite error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: ledger.NewMemoryStore(), failReads: map[uint64]error{}}
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:8545: connection refused")

func (s *flakyStore) AddReading(ctx context.Context, m types.Measurement, ts time.Time) (uint64, error) {
	s.mu.Lock()
	down, failWrite := s.down, s.failWrite
	s.mu.Unlock()
	if down {
		return 0, errConnRefused
	}
	if failWrite != nil {
		return 0, failWrite
	}
	return s.MemoryStore.AddReading(ctx, m, ts)
}

func (s *flakyStore) GetReadingCount(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return 0, errConnRefused
	}
	return s.MemoryStore.GetReadingCount(ctx)
}

func (s *flakyStore) GetReading(ctx context.Context, index uint64) (types.Reading, error) {
	s.mu.Lock()
	down, err := s.down, s.failReads[index]
	s.mu.Unlock()
	if down {
		return types.Reading{}, errConnRefused
	}
	if err != nil {
		return types.Reading{}, err
	}
	return s.MemoryStore.GetReading(ctx, index)
}

func (s *flakyStore) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func newClient(store ledger.Store) *ledger.Client {
	return ledger.NewClient(store, ledger.Options{
		CallTimeout:    time.Second,
		ConfirmTimeout: time.Second,
		Logger:         discardLogger(),
	})
}

var baseTime = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func seed(client *ledger.Client, ms ...types.Measurement) {
	for i, m := range ms {
		if _, err := client.AppendAt(context.Background(), m, baseTime.Add(time.Duration(i)*10*time.Second)); err != nil {
			panic(err)
		}
	}
}

func healthy(co2 uint64) types.Measurement {
	return types.Measurement{CO2: co2, NO2: 20, PM25: 5, PM10: 10}
}
