package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementProperty = "zwave_property"
	measurementBridge   = "zwave_bridge"
)

// WriteProperty records a numeric property value.
//
// Tags are the device ID, the controller's key for the property (e.g. "5-1")
// and its display name (e.g. "temperature"). The write is non-blocking.
//
// Example:
//
//	client.WriteProperty("5", "5-1", "temperature", 21.5)
func (c *Client) WriteProperty(deviceID, key, name string, value float64) {
	c.writePoint(measurementProperty,
		map[string]string{
			"device_id": deviceID,
			"key":       key,
			"name":      name,
		},
		map[string]any{
			"value": value,
		},
		time.Now(),
	)
}

// WriteConnectionState records a controller connection state transition.
func (c *Client) WriteConnectionState(state string, epoch uint64, devices int) {
	c.writePoint(measurementBridge,
		map[string]string{
			"state": state,
		},
		map[string]any{
			"epoch":   int64(epoch), // #nosec G115 -- epochs stay far below MaxInt64
			"devices": devices,
		},
		time.Now(),
	)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
