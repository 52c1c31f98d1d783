// Package ledger appends air-quality readings to an append-only store and
// reads them back by index.
//
// A Store is the narrow contract surface of the underlying ledger (a smart
// contract, or the local hash-chained SQLite table). Client layers the
// bounded timeouts, the error taxonomy and the count high-water mark on top of
// any Store; it holds no lock of its own, ordering of appends is delegated to
// the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"airledger/internal/modules/airquality/types"
)

var (
	ErrWriteRejected   = errors.New("ledger write rejected")
	ErrWriteTimeout    = errors.New("ledger write not confirmed in time")
	ErrReadUnavailable = errors.New("ledger unavailable")
	ErrIndexOutOfRange = errors.New("reading index out of range")
	ErrNotFound        = errors.New("reading not found")
)

const (
	DefaultCallTimeout    = 10 * time.Second
	DefaultConfirmTimeout = 30 * time.Second
)

// Store is implemented by every ledger backend.
type Store interface {
	// AddReading appends m and returns the index the ledger assigned to it.
	// Backends that assign their own timestamp ignore ts.
	AddReading(ctx context.Context, m types.Measurement, ts time.Time) (uint64, error)
	GetReadingCount(ctx context.Context) (uint64, error)
	GetReading(ctx context.Context, index uint64) (types.Reading, error)
}

type Options struct {
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	// Now supplies writer timestamps; defaults to time.Now.
	Now func() time.Time
}

type Client struct {
	store          Store
	callTimeout    time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	// highest count observed through this client; Count never reports less.
	highWater atomic.Uint64
}

func NewClient(store Store, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		store:          store,
		callTimeout:    opts.CallTimeout,
		confirmTimeout: opts.ConfirmTimeout,
		logger:         opts.Logger,
		now:            opts.Now,
	}
}

// Append stamps m with the current time (seconds resolution) and appends it.
func (c *Client) Append(ctx context.Context, m types.Measurement) (uint64, error) {
	return c.AppendAt(ctx, m, c.now())
}

// AppendAt appends m with a caller supplied timestamp. The returned error
// wraps ErrWriteRejected or ErrWriteTimeout.
func (c *Client) AppendAt(ctx context.Context, m types.Measurement, ts time.Time) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	start := time.Now()
	index, err := c.store.AddReading(ctx, m, ts.UTC().Truncate(time.Second))
	if err != nil {
		return 0, classifyWriteError(ctx, err)
	}
	c.logger.Debug("ledger append confirmed",
		"index", index,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return index, nil
}

// Count returns the number of readings visible to this client. Successive
// calls never return a smaller value.
func (c *Client) Count(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	n, err := c.store.GetReadingCount(ctx)
	if err != nil {
		if errors.Is(err, ErrReadUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: get reading count: %v", ErrReadUnavailable, err)
	}
	return c.observe(n), nil
}

// Get returns the reading at index, checked against a fresh Count.
func (c *Client) Get(ctx context.Context, index uint64) (types.Reading, error) {
	count, err := c.Count(ctx)
	if err != nil {
		return types.Reading{}, err
	}
	return c.GetObserved(ctx, index, count)
}

// GetObserved returns the reading at index, bounded by a count the caller
// already observed. A store that has no record below that count yields
// ErrNotFound, which callers may retry.
func (c *Client) GetObserved(ctx context.Context, index, count uint64) (types.Reading, error) {
	if index >= count {
		return types.Reading{}, fmt.Errorf("%w: index %d, count %d", ErrIndexOutOfRange, index, count)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	r, err := c.store.GetReading(ctx, index)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrIndexOutOfRange):
		return types.Reading{}, fmt.Errorf("%w: index %d below observed count %d", ErrNotFound, index, count)
	case errors.Is(err, ErrReadUnavailable):
		return types.Reading{}, err
	default:
		return types.Reading{}, fmt.Errorf("%w: get reading %d: %v", ErrReadUnavailable, index, err)
	}
	r.Index = index
	return r, nil
}

func (c *Client) observe(n uint64) uint64 {
	for {
		cur := c.highWater.Load()
		if n <= cur {
			if n < cur {
				c.logger.Debug("ledger count behind high-water mark", "count", n, "high_water", cur)
			}
			return cur
		}
		if c.highWater.CompareAndSwap(cur, n) {
			return n
		}
	}
}

func classifyWriteError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrWriteRejected), errors.Is(err, ErrWriteTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
}
