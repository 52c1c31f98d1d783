package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"airledger/internal/utils"
)

// LedgerPinger is satisfied by the ledger client; a successful Count proves
// the ledger endpoint is reachable.
type LedgerPinger interface {
	Count(ctx context.Context) (uint64, error)
}

// MQTTStatus is satisfied by mqtt.Subscriber.
type MQTTStatus interface {
	Subscribed() bool
}

type healthchecker struct {
	db      *sql.DB
	ledger  LedgerPinger
	mqtt    MQTTStatus
	timeout time.Duration
	logger  *slog.Logger
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}

	if h.db != nil {
		var ok int
		if err := h.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
			h.logger.Error("failed to check database connectivity", "error", err)
			status = http.StatusServiceUnavailable
			body["database"] = "unavailable"
		} else {
			body["database"] = "ok"
		}
	}

	count, err := h.ledger.Count(ctx)
	if err != nil {
		h.logger.Error("failed to reach ledger", "error", err)
		status = http.StatusServiceUnavailable
		body["ledger"] = "unavailable"
	} else {
		body["ledger"] = "ok"
		body["readings"] = count
	}

	// MQTT is an optional source; its state is reported but never degrades
	// the service.
	if h.mqtt != nil {
		if h.mqtt.Subscribed() {
			body["mqtt"] = "subscribed"
		} else {
			body["mqtt"] = "disconnected"
		}
	}

	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	utils.WriteJSON(w, status, body)
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, ledger LedgerPinger, mqtt MQTTStatus, logger *slog.Logger) {
	h := &healthchecker{db: db, ledger: ledger, mqtt: mqtt, timeout: 5 * time.Second, logger: logger}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
