package service

import (
	"context"
	"log/slog"
	"time"

	"airledger/internal/modules/airquality/types"
)

const defaultMirrorBudget = 30 * time.Second

// Appender is the write side of ledger.Client.
type Appender interface {
	AppendAt(ctx context.Context, m types.Measurement, ts time.Time) (uint64, error)
}

// Mirror copies a confirmed reading to the archive and returns its content hash.
type Mirror interface {
	Mirror(ctx context.Context, r types.Reading) (string, error)
}

// PinJournal remembers which content hash the archive returned for a reading.
type PinJournal interface {
	RecordPin(ctx context.Context, index uint64, contentHash string) error
}

type RecorderOptions struct {
	// Mirror may be nil, in which case archive mirroring is off.
	Mirror Mirror
	// Pins may be nil.
	Pins PinJournal
	// MirrorBudget bounds one detached mirror write including retries.
	MirrorBudget time.Duration
	Logger       *slog.Logger
}

// Recorder performs the ledger-then-archive dual write. The ledger append is
// the commit point; the archive copy is started only after it confirms, runs
// detached from the caller, and its failure never reaches the caller.
type Recorder struct {
	ledger       Appender
	mirror       Mirror
	pins         PinJournal
	mirrorBudget time.Duration
	logger       *slog.Logger
}

func NewRecorder(ledger Appender, opts RecorderOptions) *Recorder {
	if opts.MirrorBudget <= 0 {
		opts.MirrorBudget = defaultMirrorBudget
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		ledger:       ledger,
		mirror:       opts.Mirror,
		pins:         opts.Pins,
		mirrorBudget: opts.MirrorBudget,
		logger:       opts.Logger,
	}
}

// Record appends r to the ledger and schedules its archive copy. The returned
// reading carries the ledger index.
func (rec *Recorder) Record(ctx context.Context, r types.Reading) (types.Reading, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC().Truncate(time.Second)
	}
	index, err := rec.ledger.AppendAt(ctx, r.Measurement, r.Timestamp)
	if err != nil {
		rec.logger.Error("ledger append failed, skipping cycle",
			"co2", r.CO2,
			"no2", r.NO2,
			"pm25", r.PM25,
			"pm10", r.PM10,
			"error", err,
		)
		return types.Reading{}, err
	}
	r.Index = index
	rec.logger.Info("reading appended",
		"index", r.Index,
		"co2", r.CO2,
		"no2", r.NO2,
		"pm25", r.PM25,
		"pm10", r.PM10,
	)

	if rec.mirror != nil {
		go rec.mirrorReading(r)
	}
	return r, nil
}

func (rec *Recorder) mirrorReading(r types.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), rec.mirrorBudget)
	defer cancel()

	hash, err := rec.mirror.Mirror(ctx, r)
	if err != nil {
		rec.logger.Warn("archive mirror failed", "index", r.Index, "error", err)
		return
	}
	rec.logger.Info("reading mirrored to archive", "index", r.Index, "content_hash", hash)

	if rec.pins == nil {
		return
	}
	if err := rec.pins.RecordPin(ctx, r.Index, hash); err != nil {
		rec.logger.Warn("pin journal write failed", "index", r.Index, "content_hash", hash, "error", err)
	}
}
