// Package zwave bridges the Z-Way controller client to MQTT.
//
// # Architecture
//
// The bridge listens to the controller client and mirrors it onto the bus:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│  MQTT clients   │   MQTT   │  Z-Wave Bridge  │  zway.Client
//	│                 │◄────────►│   (this pkg)    │◄────────────► Z-Way
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Publish each device's snapshot, retained, on discovery and on change
//   - Publish {"online":true} while the controller is connected and
//     {"online":false} otherwise
//   - Apply JSON update objects received on {prefix}/{id}/set
//   - Record numeric property changes as telemetry (optional)
//   - Publish periodic health reports
//
// Changes made on the controller while the bridge was disconnected are not
// forwarded as individual events. Instead every device is republished when
// the controller connection comes back, and again when the broker
// connection is restored (the LWT may have replaced the retained status).
//
// # Update Requests
//
// A set payload is a JSON object mapping property names to values:
//
//	mosquitto_pub -t zwave/5/set -m '{"switch":true,"dimmer":40}'
//
// Booleans become on/off commands, numbers become exact?level=N and strings
// are sent as the command name. Updates run on a bridge goroutine bounded by
// the configured command timeout.
package zwave
