package generator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"airledger/internal/modules/airquality/types"
)

func TestGenerate_WithinRanges(t *testing.T) {
	fixed := time.Date(2025, 2, 1, 12, 0, 0, 900_000_000, time.UTC)
	g := NewWithSource(rand.NewPCG(1, 2), func() time.Time { return fixed })

	seenMin := map[string]bool{}
	seenMax := map[string]bool{}
	check := func(name string, v uint64, r types.Range) {
		if !r.Contains(v) {
			t.Fatalf("%s = %d outside [%d,%d]", name, v, r.Min, r.Max)
		}
		if v == r.Min {
			seenMin[name] = true
		}
		if v == r.Max {
			seenMax[name] = true
		}
	}
	for i := 0; i < 5000; i++ {
		r := g.Generate()
		check("co2", r.CO2, types.CO2Healthy)
		check("no2", r.NO2, types.NO2Healthy)
		check("pm25", r.PM25, types.PM25Healthy)
		check("pm10", r.PM10, types.PM10Healthy)
		if r.Index != 0 {
			t.Fatalf("generated reading has index %d", r.Index)
		}
		if !r.Timestamp.Equal(fixed.Truncate(time.Second)) {
			t.Fatalf("timestamp = %v", r.Timestamp)
		}
	}
	for _, name := range []string{"co2", "no2", "pm25", "pm10"} {
		if !seenMin[name] || !seenMax[name] {
			t.Errorf("%s: bounds not reached in 5000 draws (min %v, max %v)", name, seenMin[name], seenMax[name])
		}
	}
}

type blockingRecorder struct {
	started  atomic.Int32
	finished atomic.Int32
	release  chan struct{}
	ctxErrs  chan error
}

func (b *blockingRecorder) Record(ctx context.Context, r types.Reading) (types.Reading, error) {
	b.started.Add(1)
	<-b.release
	b.ctxErrs <- ctx.Err()
	b.finished.Add(1)
	return r, errors.New("rejected")
}

func TestRun_OverlappingCyclesAndCleanStop(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{}), ctxErrs: make(chan error, 64)}
	g := NewWithSource(rand.NewPCG(3, 4), time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, 5*time.Millisecond, g, rec, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.started.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d cycles started; cycles must not wait for earlier writes", rec.started.Load())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while appends were still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(rec.release)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v; want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after in-flight appends finished")
	}

	if rec.finished.Load() != rec.started.Load() {
		t.Errorf("finished %d of %d started appends", rec.finished.Load(), rec.started.Load())
	}
	close(rec.ctxErrs)
	for err := range rec.ctxErrs {
		if err != nil {
			t.Errorf("append context cancelled by shutdown: %v", err)
		}
	}
}

func TestRun_StopsTicking(t *testing.T) {
	var mu sync.Mutex
	count := 0
	rec := recorderFunc(func(ctx context.Context, r types.Reading) (types.Reading, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return r, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, 2*time.Millisecond, New(), rec, nil) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	after := count
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != after {
		t.Errorf("recorded %d readings after Run returned", count-after)
	}
}

type recorderFunc func(ctx context.Context, r types.Reading) (types.Reading, error)

func (f recorderFunc) Record(ctx context.Context, r types.Reading) (types.Reading, error) {
	return f(ctx, r)
}
