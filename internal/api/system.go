package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/zway-bridge/internal/bridges/zwave"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status        zwave.HealthStatus     `json:"status"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Controller    zwave.ControllerHealth `json:"controller"`
	MQTT          MQTTHealth             `json:"mqtt"`
	Devices       int                    `json:"devices"`
	Reason        string                 `json:"reason,omitempty"`
}

// MQTTHealth describes the broker connection.
type MQTTHealth struct {
	Connected bool `json:"connected"`
}

// LogLevelRequest is the body of PUT /api/v1/log-level.
type LogLevelRequest struct {
	Level string `json:"level"`
}

// handleHealth reports bridge health. Degraded health returns 503 so that
// container probes can use the endpoint directly.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.bridge.Health()

	resp := HealthResponse{
		Status:        h.Status,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Controller:    h.Controller,
		Devices:       h.DevicesManaged,
		Reason:        h.Reason,
	}
	if s.mqtt != nil {
		resp.MQTT.Connected = s.mqtt.IsConnected()
	}

	status := http.StatusOK
	if h.Status != zwave.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LogLevelRequest{Level: s.logger.Level()})
}

// handleSetLogLevel changes the level of every logger derived from the root.
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	level := strings.ToLower(strings.TrimSpace(req.Level))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "level must be one of debug, info, warn, error")
		return
	}

	previous := s.logger.Level()
	s.logger.SetLevel(level)
	s.logger.Info("log level changed", "from", previous, "to", level)

	writeJSON(w, http.StatusOK, LogLevelRequest{Level: s.logger.Level()})
}
