// Package registry implements the device registry: durable device records,
// registration and secret rotation, heartbeat processing, pairing codes,
// duplicate merging and pruning, and a change event bus.
//
// Records persist as a single JSON array through a content-agnostic store
// (see infrastructure/filestore). All mutations are serialized behind a
// write mutex: each one loads the current set, applies its change to a deep
// copy, persists the full set, then swaps the in-memory cache. A failed
// persist leaves the cache at the last known good state.
//
// Reads are served from the cache under a read lock and always return deep
// copies, so callers can never mutate registry state through a returned
// record.
package registry
