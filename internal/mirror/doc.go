// Package mirror fans registry and session activity out to the
// observability sinks: MQTT, InfluxDB, and the SQLite status history.
//
// The registry itself knows nothing about brokers or databases. The
// mirror subscribes to registry change events and, for each one,
//
//   - publishes a retained presence document to the device's status topic
//   - publishes the event itself under fleetcore/event/...
//   - records a presence sample in InfluxDB
//   - appends a status transition row when the status actually changed
//
// It also subscribes to fleetcore/device/+/command so external tooling
// can inject commands over MQTT; these are routed through the dispatcher
// exactly like commands submitted via the HTTP API.
//
// Sink failures are logged and never propagated: losing the broker or the
// metrics backend must not affect device registration or delivery.
package mirror
