package controller

import (
	"bytes"
	"net/http"
	"time"

	"airledger/internal/modules/airquality/service"
	"airledger/internal/modules/airquality/types"
	"airledger/internal/modules/airquality/views"
	"airledger/internal/utils"
)

const (
	noReadingsMessage     = "No readings found"
	dashboardErrorMessage = "Error fetching data"
)

type dataResponse struct {
	types.Reading
	Health  types.Health `json:"health"`
	Healthy bool         `json:"healthy"`
}

type readingResponse struct {
	types.Reading
	Health types.Health `json:"health"`
	Pins   []types.Pin  `json:"pins"`
}

func (c *airQualityControllerImpl) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := views.DashboardData{
		Health:       types.HealthUnknown,
		Readings:     []types.Reading{},
		PollInterval: c.settings.PollInterval,
		LastN:        c.settings.LastN,
	}
	status := http.StatusOK
	if st, err := c.retrieval.CurrentStatus(r.Context()); err == nil {
		data.Health = st.Health
		data.Current = st.Reading
	} else {
		c.logger.Warn("dashboard: current status failed", "error", err)
		data.Error = dashboardErrorMessage
		status = statusFor(err)
	}
	if last, err := c.retrieval.LastN(r.Context(), c.settings.LastN); err == nil {
		data.Readings = last
	} else {
		c.logger.Warn("dashboard: last readings failed", "error", err)
		data.Error = dashboardErrorMessage
		status = statusFor(err)
	}

	var buf bytes.Buffer
	if err := views.RenderDashboard(&buf, data); err != nil {
		c.logger.Error("dashboard template render failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		c.logger.Error("dashboard: write response failed", "error", err)
	}
}

// handleData returns the newest reading, or {"message": ...} on an empty ledger.
func (c *airQualityControllerImpl) handleData(w http.ResponseWriter, r *http.Request) {
	st, err := c.retrieval.CurrentStatus(r.Context())
	if err != nil {
		c.writeRetrievalError(w, "latest reading", err)
		return
	}
	if st.Reading == nil {
		utils.WriteMessage(w, http.StatusOK, noReadingsMessage)
		return
	}
	utils.WriteJSON(w, http.StatusOK, dataResponse{
		Reading: *st.Reading,
		Health:  st.Health,
		Healthy: st.Health == types.HealthHealthy,
	})
}

func (c *airQualityControllerImpl) handleLast10(w http.ResponseWriter, r *http.Request) {
	c.writeLastN(w, r, c.settings.LastN)
}

func (c *airQualityControllerImpl) handleLast(w http.ResponseWriter, r *http.Request) {
	n, err := parseCountQuery(r, "n", c.settings.LastN)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	c.writeLastN(w, r, n)
}

func (c *airQualityControllerImpl) writeLastN(w http.ResponseWriter, r *http.Request, n int) {
	readings, err := c.retrieval.LastN(r.Context(), n)
	if err != nil {
		c.writeRetrievalError(w, "last readings", err)
		return
	}
	if readings == nil {
		readings = []types.Reading{}
	}
	utils.WriteJSON(w, http.StatusOK, readings)
}

func (c *airQualityControllerImpl) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.retrieval.CurrentStatus(r.Context())
	if err != nil {
		c.writeRetrievalError(w, "status", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, st)
}

func (c *airQualityControllerImpl) handleReading(w http.ResponseWriter, r *http.Request) {
	index, err := parseIndex(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	reading, err := c.retrieval.Get(r.Context(), index)
	if err != nil {
		c.writeRetrievalError(w, "reading", err)
		return
	}

	resp := readingResponse{
		Reading: reading,
		Health:  service.Classify(&reading.Measurement),
		Pins:    []types.Pin{},
	}
	if c.pins != nil {
		pins, err := c.pins.PinsForIndex(r.Context(), index)
		if err != nil {
			// The ledger answered; a journal failure only hides the pins.
			c.logger.Warn("pin lookup failed", "index", index, "error", err)
		} else {
			resp.Pins = pins
		}
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (c *airQualityControllerImpl) handlePins(w http.ResponseWriter, r *http.Request) {
	limit, err := parseCountQuery(r, "limit", 100)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if c.pins == nil {
		utils.WriteJSON(w, http.StatusOK, []types.Pin{})
		return
	}
	pins, err := c.pins.ListPins(r.Context(), limit)
	if err != nil {
		c.logger.Error("list pins failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load pins")
		return
	}
	utils.WriteJSON(w, http.StatusOK, pins)
}

func (c *airQualityControllerImpl) handleConfig(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"lastN":                c.settings.LastN,
		"pollIntervalMs":       c.settings.PollInterval.Milliseconds(),
		"generationIntervalMs": c.settings.GenerationInterval.Milliseconds(),
		"ledgerBackend":        c.settings.LedgerBackend,
		"archiveEnabled":       c.settings.ArchiveEnabled,
		"serverTime":           time.Now().UTC().Truncate(time.Second),
	})
}

func (c *airQualityControllerImpl) writeRetrievalError(w http.ResponseWriter, what string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("retrieval failed", "what", what, "status", status, "error", err)
	}
	utils.WriteError(w, status, err.Error())
}
