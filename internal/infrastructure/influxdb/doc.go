// Package influxdb records Z-Wave property history in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Numeric property
// changes forwarded by the bridge become points in the "zwave_property"
// measurement; controller connection transitions go to "zwave_bridge".
//
// The integration is optional and only active when influxdb.enabled is set
// (or INFLUXDB_URL is provided).
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteProperty("5", "5-1", "temperature", 21.5)
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval). Batch
// failures are reported asynchronously through SetOnError, wrapped in
// ErrWriteFailed. Connection and health check errors are returned directly.
package influxdb
