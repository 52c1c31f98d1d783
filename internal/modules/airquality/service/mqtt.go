package service

import (
	"context"
	"log/slog"
	"time"

	"airledger/internal/mqtt"
)

// RegisterMQTTHandler records every valid station message through rec, so
// MQTT readings take the same ledger-then-archive path as generated ones.
func RegisterMQTTHandler(subscriber mqtt.MQTTSubscriber, rec *Recorder, logger *slog.Logger) {
	subscriber.SetMessageHandler(func(ctx context.Context, msg mqtt.AirQualityMessage) error {
		reading := msg.Reading(time.Now())
		logger.Debug("processing station reading",
			"station_id", msg.StationID,
			"timestamp", reading.Timestamp,
		)

		stored, err := rec.Record(ctx, reading)
		if err != nil {
			return err
		}
		logger.Debug("station reading stored",
			"station_id", msg.StationID,
			"index", stored.Index,
		)
		return nil
	})
}
