package zwave

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// BridgeID identifies this bridge in health messages.
const BridgeID = "zwave"

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates broker and controller are both connected.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates one side of the bridge is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published to {prefix}/health.
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string           `json:"bridge"`
	Timestamp      time.Time        `json:"timestamp"`
	Status         HealthStatus     `json:"status"`
	Version        string           `json:"version"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	DevicesManaged int              `json:"devices_managed"`
	Controller     ControllerHealth `json:"controller"`

	// Reason explains a non-healthy status.
	Reason string `json:"reason,omitempty"`
}

// ControllerHealth describes the controller connection.
type ControllerHealth struct {
	State string `json:"state"`
	Epoch uint64 `json:"epoch"`
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(version string, status HealthStatus, controller ControllerHealth, deviceCount int, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:         BridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
		Controller:     controller,
	}
}

// ParseUpdate decodes a set payload into a property update. The payload must
// be a JSON object; numbers decode as float64.
func ParseUpdate(payload []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidPayload)
	}
	var update map[string]any
	if err := json.Unmarshal(trimmed, &update); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return update, nil
}
