package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/zway-bridge/internal/bridges/zwave"
	"github.com/nerrad567/zway-bridge/internal/zway"
)

// DeviceSummary is one entry of the device list.
type DeviceSummary struct {
	ID    string         `json:"id"`
	State map[string]any `json:"state"`
}

// DeviceDetail describes a single device.
type DeviceDetail struct {
	ID         string          `json:"id"`
	State      map[string]any  `json:"state"`
	Properties []zway.Property `json:"properties"`
}

// handleListDevices returns every device sorted by id.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.controller.Devices()
	out := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceSummary{ID: d.ID(), State: d.Snapshot()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleGetDevice returns a single device with its properties.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.controller.Device(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, DeviceDetail{
		ID:         d.ID(),
		State:      d.Snapshot(),
		Properties: d.Properties(),
	})
}

// handleUpdateDevice applies a JSON update object to a device.
//
// The request returns once every command has been accepted by the
// controller. New values arrive later through the push stream, so the
// response is 202 Accepted.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	update, err := zwave.ParseUpdate(body)
	if err != nil {
		writeBadRequest(w, "request body must be a JSON object")
		return
	}

	if err := s.bridge.Apply(r.Context(), id, update); err != nil {
		s.writeUpdateError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"id":     id,
	})
}

func (s *Server) writeUpdateError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, zway.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	case errors.Is(err, zway.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, zwave.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "bridge is shutting down")
	default:
		s.logger.Warn("device update failed",
			"id", id,
			"error", err,
			"request_id", requestID(r.Context()),
		)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
	}
}
