// Package influxdb provides InfluxDB connectivity for Fleet Core.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Device heartbeat and presence telemetry
//   - Connection session events (auth failures, disconnects)
//   - Command delivery metrics and queue depths
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteHeartbeat("dev-123", "online")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are surfaced via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
