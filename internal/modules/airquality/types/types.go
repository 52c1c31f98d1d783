package types

import (
	"fmt"
	"time"
)

// Measurement holds the pollutant concentrations of one sensor sample.
// The Ethereum ledger stores uint256; the SQLite ledger is bounded by
// math.MaxInt64 and rejects larger values.
type Measurement struct {
	CO2  uint64 `json:"co2"`
	NO2  uint64 `json:"no2"`
	PM25 uint64 `json:"pm25"`
	PM10 uint64 `json:"pm10"`
}

// Reading is a Measurement once the ledger has assigned it an index.
// Index and Timestamp are zero for readings that have not been appended yet.
type Reading struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Measurement
}

type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = HealthHealthy
	case "unhealthy":
		*h = HealthUnhealthy
	case "unknown":
		*h = HealthUnknown
	default:
		return fmt.Errorf("invalid health %q", string(b))
	}
	return nil
}

// Status is the newest reading together with its classification.
// Reading is nil only when the ledger is empty.
type Status struct {
	Reading *Reading `json:"reading"`
	Health  Health   `json:"health"`
}

// Range is an inclusive bound on a concentration.
type Range struct {
	Min uint64
	Max uint64
}

func (r Range) Contains(v uint64) bool {
	return v >= r.Min && v <= r.Max
}

// Healthy ranges per pollutant. The synthetic generator draws from the same
// ranges.
var (
	CO2Healthy  = Range{Min: 350, Max: 450}
	NO2Healthy  = Range{Min: 0, Max: 50}
	PM25Healthy = Range{Min: 0, Max: 12}
	PM10Healthy = Range{Min: 0, Max: 20}
)

// Pin records that a reading's JSON copy was pinned to the archive.
type Pin struct {
	LedgerIndex uint64    `json:"ledgerIndex"`
	ContentHash string    `json:"contentHash"`
	PinnedAt    time.Time `json:"pinnedAt"`
}
