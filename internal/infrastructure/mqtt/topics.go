package mqtt

import (
	"encoding/json"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "zwave"

const (
	stateSuffix  = "state"
	setSuffix    = "set"
	healthSuffix = "health"
)

// Topics builds the bridge's MQTT topics under a common prefix.
//
//	topics := mqtt.Topics{Prefix: "zwave"}
//	topics.Device("5")    // "zwave/5"
//	topics.DeviceSet("5") // "zwave/5/set"
//	topics.State()        // "zwave/state"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// State returns the retained online status topic. It also carries the LWT.
//
// Example: zwave/state
func (t Topics) State() string {
	return t.prefix() + "/" + stateSuffix
}

// Health returns the topic for periodic health reports.
//
// Example: zwave/health
func (t Topics) Health() string {
	return t.prefix() + "/" + healthSuffix
}

// Device returns the retained snapshot topic for a device.
//
// Example: zwave/5
func (t Topics) Device(id string) string {
	return t.prefix() + "/" + id
}

// DeviceSet returns the topic that accepts updates for a device.
//
// Example: zwave/5/set
func (t Topics) DeviceSet(id string) string {
	return t.Device(id) + "/" + setSuffix
}

// AllDeviceSets returns a pattern matching every device's set topic.
//
// Pattern: zwave/+/set
func (t Topics) AllDeviceSets() string {
	return t.prefix() + "/+/" + setSuffix
}

// ParseDeviceSet extracts the device ID from a set topic.
// It reports false for any other topic.
func (t Topics) ParseDeviceSet(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/"+setSuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Status is the payload published on the state topic.
type Status struct {
	Online  bool   `json:"online"`
	Version string `json:"version,omitempty"`
}

// OnlinePayload returns the retained status published while the controller
// is reachable.
func OnlinePayload(version string) []byte {
	b, _ := json.Marshal(Status{Online: true, Version: version}) //nolint:errcheck // plain struct
	return b
}

// OfflinePayload returns the status used for the LWT and on shutdown.
func OfflinePayload() []byte {
	b, _ := json.Marshal(Status{Online: false}) //nolint:errcheck // plain struct
	return b
}
