// Package api provides the HTTP status API and WebSocket event stream for the
// Z-Way bridge.
//
// Endpoints:
//
//	GET  /api/v1/health        bridge, controller and MQTT status
//	GET  /api/v1/devices       every device with its snapshot
//	GET  /api/v1/devices/{id}  one device with its properties
//	POST /api/v1/devices/{id}  apply a JSON update object
//	GET  /api/v1/log-level     current log level
//	PUT  /api/v1/log-level     change the log level at runtime
//	GET  /api/v1/ws            WebSocket event stream
//	GET  /metrics              Prometheus metrics
//
// The API has no authentication and binds to localhost by default.
//
// Lifecycle:
//
//	server, err := api.New(deps)
//	controller.AddListener(server.Hub())
//	server.Start(ctx)
//	defer server.Close()
package api
