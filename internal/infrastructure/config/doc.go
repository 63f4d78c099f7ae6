// Package config loads and validates Fleet Core configuration.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// FLEETCORE_* environment variable overrides. Call Load with a file path,
// or Default for an env-only configuration (tests, containers).
package config
