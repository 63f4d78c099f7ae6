// Package history stores device status transitions in SQLite.
//
// The JSON record store keeps only the current status for each device;
// this package provides the durable audit trail behind it. Every time a
// device moves between online, offline, and unknown the mirror records a
// row here, so operators can answer "when did this display last drop off"
// without a time-series database.
//
// Entries are append-only and pruned by age. Timestamps are UTC RFC3339.
package history
