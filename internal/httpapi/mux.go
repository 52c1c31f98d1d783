package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"
)

// mqtt may be nil when the MQTT source is disabled.
func NewMux(db *sql.DB, ledger LedgerPinger, mqtt MQTTStatus, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, ledger, mqtt, logger)
	return mux
}
