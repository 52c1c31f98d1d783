package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"airledger/internal/modules/airquality/repository"
	"airledger/internal/modules/airquality/types"
)

// Retriever is the read API the handlers need from service.Retrieval.
type Retriever interface {
	LastN(ctx context.Context, n int) ([]types.Reading, error)
	Get(ctx context.Context, index uint64) (types.Reading, error)
	CurrentStatus(ctx context.Context) (types.Status, error)
}

// Settings are the values exposed to the dashboard through /api/config.
type Settings struct {
	LastN              int
	PollInterval       time.Duration
	GenerationInterval time.Duration
	LedgerBackend      string
	ArchiveEnabled     bool
}

type AirQualityController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type airQualityControllerImpl struct {
	retrieval Retriever
	// pins may be nil; pin lookups then return empty lists.
	pins     repository.PinRepository
	settings Settings
	logger   *slog.Logger
}

func NewAirQualityController(retrieval Retriever, pins repository.PinRepository, settings Settings, logger *slog.Logger) AirQualityController {
	if settings.LastN <= 0 {
		settings.LastN = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &airQualityControllerImpl{retrieval: retrieval, pins: pins, settings: settings, logger: logger}
}

func (c *airQualityControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", c.handleDashboard)
	mux.HandleFunc("GET /api/data", c.handleData)
	mux.HandleFunc("GET /api/last10", c.handleLast10)
	mux.HandleFunc("GET /api/last", c.handleLast)
	mux.HandleFunc("GET /api/status", c.handleStatus)
	mux.HandleFunc("GET /api/readings/{index}", c.handleReading)
	mux.HandleFunc("GET /api/pins", c.handlePins)
	mux.HandleFunc("GET /api/config", c.handleConfig)
}
