// Package mqtt provides MQTT client connectivity for the Z-Way bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - The bridge's topic layout
//
// # Topics
//
// Every topic lives under a configurable prefix (default "zwave"):
//
//	zwave/state      retained {"online":true,"version":"..."} or {"online":false}
//	zwave/{id}       retained device snapshot
//	zwave/{id}/set   updates from other MQTT clients
//	zwave/health     periodic health report
//
// The LWT writes {"online":false} to the state topic, so a crashed bridge
// looks the same to subscribers as a stopped one.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllDeviceSets(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := client.Topics().ParseDeviceSet(topic)
//	        log.Printf("update for %s: %s", id, payload)
//	        return nil
//	    })
package mqtt
