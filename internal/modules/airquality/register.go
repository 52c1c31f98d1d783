package airquality

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"airledger/internal/modules/airquality/controller"
	"airledger/internal/modules/airquality/ledger"
	"airledger/internal/modules/airquality/repository"
	"airledger/internal/modules/airquality/service"
	"airledger/internal/mqtt"
)

type Deps struct {
	DB     *sql.DB
	Ledger *ledger.Client
	// Mirror is nil when archive mirroring is disabled.
	Mirror   service.Mirror
	Settings controller.Settings
	Logger   *slog.Logger
}

// RegisterFeature wires the air-quality routes onto mux and, when subscriber
// is non-nil, records incoming station messages. The returned recorder is the
// one the generator should write through.
func RegisterFeature(mux *http.ServeMux, deps Deps, subscriber mqtt.MQTTSubscriber) *service.Recorder {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var pins repository.PinRepository
	opts := service.RecorderOptions{Mirror: deps.Mirror, Logger: logger}
	if b, ok := deps.Mirror.(interface{ Budget() time.Duration }); ok {
		opts.MirrorBudget = b.Budget()
	}
	if deps.DB != nil {
		pins = repository.NewRepository(deps.DB)
		opts.Pins = pins
	}
	recorder := service.NewRecorder(deps.Ledger, opts)
	retrieval := service.NewRetrieval(deps.Ledger)

	settings := deps.Settings
	settings.ArchiveEnabled = deps.Mirror != nil
	controller.NewAirQualityController(retrieval, pins, settings, logger).RegisterRoutes(mux)

	if subscriber != nil {
		service.RegisterMQTTHandler(subscriber, recorder, logger)
	}
	return recorder
}
