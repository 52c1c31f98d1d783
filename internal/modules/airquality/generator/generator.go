// Package generator produces synthetic air-quality readings on a fixed cadence.
package generator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"airledger/internal/modules/airquality/types"
)

const DefaultInterval = 10 * time.Second

type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

func New() *Generator {
	return NewWithSource(rand.NewPCG(rand.Uint64(), rand.Uint64()), time.Now)
}

func NewWithSource(src rand.Source, now func() time.Time) *Generator {
	return &Generator{rnd: rand.New(src), now: now}
}

// Generate returns an unpersisted reading with values drawn uniformly from
// the healthy ranges.
func (g *Generator) Generate() types.Reading {
	g.mu.Lock()
	defer g.mu.Unlock()
	return types.Reading{
		Timestamp: g.now().UTC().Truncate(time.Second),
		Measurement: types.Measurement{
			CO2:  g.draw(types.CO2Healthy),
			NO2:  g.draw(types.NO2Healthy),
			PM25: g.draw(types.PM25Healthy),
			PM10: g.draw(types.PM10Healthy),
		},
	}
}

func (g *Generator) draw(r types.Range) uint64 {
	return r.Min + g.rnd.Uint64N(r.Max-r.Min+1)
}

// Recorder persists one generated reading.
type Recorder interface {
	Record(ctx context.Context, r types.Reading) (types.Reading, error)
}

// Run generates a reading on every tick and hands it to rec in its own
// goroutine, so a slow ledger write never delays the next tick. When ctx is
// cancelled Run stops ticking and waits for in-flight writes; those writes run
// on a context detached from ctx so they can finish or fail on their own
// timeout.
func Run(ctx context.Context, interval time.Duration, g *Generator, rec Recorder, logger *slog.Logger) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	writeCtx := context.WithoutCancel(ctx)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	logger.Info("generator started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("generator stopping, waiting for in-flight appends")
			return ctx.Err()
		case <-ticker.C:
			reading := g.Generate()
			logger.Debug("reading generated",
				"co2", reading.CO2,
				"no2", reading.NO2,
				"pm25", reading.PM25,
				"pm10", reading.PM10,
			)
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				// Record logs its own failures; the next tick proceeds regardless.
				_, _ = rec.Record(writeCtx, reading)
			}()
		}
	}
}
