package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteHeartbeat records a device presence sample.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Registry device ID
//   - status: Current status ("online", "offline", "unknown")
func (c *Client) WriteHeartbeat(deviceID string, status string) {
	if !c.IsConnected() {
		return
	}

	online := 0
	if status == "online" {
		online = 1
	}

	point := write.NewPoint(
		"device_presence",
		map[string]string{
			"device_id": deviceID,
			"status":    status,
		},
		map[string]interface{}{
			"online": online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSessionEvent records a connection lifecycle event.
//
// Parameters:
//   - deviceID: Registry device ID ("" for unauthenticated sessions)
//   - event: Lifecycle event ("connected", "disconnected", "auth_failed",
//     "rate_limited")
func (c *Client) WriteSessionEvent(deviceID string, event string) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{"event": event}
	if deviceID != "" {
		tags["device_id"] = deviceID
	}

	point := write.NewPoint(
		"session_events",
		tags,
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandMetric records a command delivery outcome.
//
// Parameters:
//   - deviceID: Registry device ID
//   - delivered: Whether the command went out on a live connection
//   - queueDepth: The device's offline queue depth after the operation
func (c *Client) WriteCommandMetric(deviceID string, delivered bool, queueDepth int) {
	if !c.IsConnected() {
		return
	}

	liveValue := 0
	if delivered {
		liveValue = 1
	}

	point := write.NewPoint(
		"commands",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"live":        liveValue,
			"queue_depth": queueDepth,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
