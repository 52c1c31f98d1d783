package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"airledger/internal/modules/airquality/types"
)

const (
	DefaultLastN       = 10
	defaultReadWorkers = 4
)

var ErrPartialReadFailure = errors.New("partial read failure")

// LedgerReader is the read side of ledger.Client.
type LedgerReader interface {
	Count(ctx context.Context) (uint64, error)
	Get(ctx context.Context, index uint64) (types.Reading, error)
	GetObserved(ctx context.Context, index, count uint64) (types.Reading, error)
}

// Retrieval derives the aggregated views from ledger state. Nothing is cached:
// every call reads the ledger again.
type Retrieval struct {
	ledger  LedgerReader
	workers int
}

func NewRetrieval(ledger LedgerReader) *Retrieval {
	return &Retrieval{ledger: ledger, workers: defaultReadWorkers}
}

// LastN returns up to n readings, newest first. The count is read once and the
// batch is all-or-nothing: a single failed read fails the call with
// ErrPartialReadFailure.
func (s *Retrieval) LastN(ctx context.Context, n int) ([]types.Reading, error) {
	if n <= 0 {
		return []types.Reading{}, nil
	}
	count, err := s.ledger.Count(ctx)
	if err != nil {
		return nil, err
	}
	size := min(uint64(n), count)
	out := make([]types.Reading, size)
	if size == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := uint64(0); i < size; i++ {
		index := count - 1 - i
		g.Go(func() error {
			r, err := s.ledger.GetObserved(gctx, index, count)
			if err != nil {
				return fmt.Errorf("%w: index %d of %d: %w", ErrPartialReadFailure, index, count, err)
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one reading by index.
func (s *Retrieval) Get(ctx context.Context, index uint64) (types.Reading, error) {
	return s.ledger.Get(ctx, index)
}

// CurrentStatus classifies the newest reading. An empty ledger gives
// HealthUnknown with no reading; a failed read is returned as an error and
// never reported as unknown.
func (s *Retrieval) CurrentStatus(ctx context.Context) (types.Status, error) {
	count, err := s.ledger.Count(ctx)
	if err != nil {
		return types.Status{}, err
	}
	if count == 0 {
		return types.Status{Health: types.HealthUnknown}, nil
	}
	r, err := s.ledger.GetObserved(ctx, count-1, count)
	if err != nil {
		return types.Status{}, err
	}
	return types.Status{Reading: &r, Health: Classify(&r.Measurement)}, nil
}

// Classify applies the fixed inclusive thresholds. A nil measurement cannot
// be classified and yields HealthUnknown.
func Classify(m *types.Measurement) types.Health {
	if m == nil {
		return types.HealthUnknown
	}
	if types.CO2Healthy.Contains(m.CO2) &&
		types.NO2Healthy.Contains(m.NO2) &&
		types.PM25Healthy.Contains(m.PM25) &&
		types.PM10Healthy.Contains(m.PM10) {
		return types.HealthHealthy
	}
	return types.HealthUnhealthy
}
