// Package zway implements the client side of the Z-Way home automation
// controller protocol.
//
// The client keeps an authenticated HTTP session with the controller, mirrors
// every visible controller device into an in-memory registry, follows the
// controller's push stream for live updates, and issues commands on behalf of
// devices.
//
// # Architecture
//
//	┌──────────────┐  listener events  ┌──────────────┐   HTTP + push   ┌─────────┐
//	│  MQTT bridge │◄─────────────────►│    Client    │◄───────────────►│  Z-Way  │
//	└──────────────┘   ApplyUpdate     └──────────────┘                 └─────────┘
//
// A connect cycle runs in this order:
//
//  1. Any attached push channel is closed (state Reconnecting)
//  2. The session is dropped and the device list is loaded, which logs in
//  3. The snapshot is reconciled against the registry
//  4. A new push channel is dialled and the state becomes Connected
//
// Any failure during a cycle, a push read error, or a failed command goes to a
// single failure handler. It emits OnError, drops the state to Disconnected
// when the client was connected, and schedules another cycle after a fixed
// delay.
//
// # Epochs
//
// Every connect cycle increments an epoch counter. Snapshot results, push
// messages and failures carry the epoch they were started under and are
// discarded once a newer cycle has begun.
//
// # Change Forwarding
//
// Devices report every property change, but the client forwards a change to
// listeners only while Connected. Differences found while (re)connecting are
// already covered by the OnDevice discovery event and the retained snapshot
// publication that follows it.
//
// # Thread Safety
//
// Client and Device are safe for concurrent use. Listener callbacks run
// synchronously on the goroutine that produced the event and must not block.
package zway
