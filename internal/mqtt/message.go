package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"airledger/internal/modules/airquality/types"
)

// AirQualityMessage is the payload a station publishes on
// airquality/<station>/readings. All four measurements are required.
type AirQualityMessage struct {
	StationID string     `json:"station_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	CO2       *uint64    `json:"co2"`
	NO2       *uint64    `json:"no2"`
	PM25      *uint64    `json:"pm25"`
	PM10      *uint64    `json:"pm10"`
}

var ErrInvalidMessage = errors.New("invalid air quality message")

// ParseMessage decodes and validates a payload. A missing station_id is taken
// from the second topic segment.
func ParseMessage(topic string, payload []byte) (AirQualityMessage, error) {
	var msg AirQualityMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return AirQualityMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if msg.StationID == "" {
		msg.StationID = stationFromTopic(topic)
	}
	if err := msg.Validate(); err != nil {
		return AirQualityMessage{}, err
	}
	return msg, nil
}

func (m AirQualityMessage) Validate() error {
	if m.StationID == "" {
		return fmt.Errorf("%w: station_id is required", ErrInvalidMessage)
	}
	var missing []string
	for _, f := range []struct {
		name string
		v    *uint64
	}{
		{"co2", m.CO2}, {"no2", m.NO2}, {"pm25", m.PM25}, {"pm10", m.PM10},
	} {
		if f.v == nil {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	if m.Timestamp != nil && m.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidMessage)
	}
	return nil
}

// Reading converts a validated message; received stands in for an absent
// timestamp. The index is assigned by the ledger.
func (m AirQualityMessage) Reading(received time.Time) types.Reading {
	ts := received
	if m.Timestamp != nil {
		ts = *m.Timestamp
	}
	return types.Reading{
		Timestamp: ts.UTC().Truncate(time.Second),
		Measurement: types.Measurement{
			CO2:  *m.CO2,
			NO2:  *m.NO2,
			PM25: *m.PM25,
			PM10: *m.PM10,
		},
	}
}

func stationFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "airquality" && parts[2] == "readings" {
		return parts[1]
	}
	return ""
}
