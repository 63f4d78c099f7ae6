package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Fleet Core MQTT surface.
//
// Scheme: fleetcore/device/{deviceID}/{suffix} for per-device topics,
// fleetcore/event/{kind} for registry change events, and
// fleetcore/system/* for service-level topics.
const (
	// TopicPrefix is the base for all Fleet Core topics.
	TopicPrefix = "fleetcore"

	// TopicPrefixDevice is the base for per-device topics.
	TopicPrefixDevice = "fleetcore/device"

	// TopicPrefixEvent is the base for registry change event topics.
	TopicPrefixEvent = "fleetcore/event"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "fleetcore/system"
)

// Topics provides builders for Fleet Core MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
type Topics struct{}

// DeviceStatus returns the retained status topic for a device.
//
// Example: fleetcore/device/dev-123/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// DeviceCommand returns the inbound command topic for a device.
// External tooling publishes here; Fleet Core subscribes and routes the
// command through the dispatcher.
//
// Example: fleetcore/device/dev-123/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixDevice, deviceID)
}

// Event returns the topic for a registry change event kind. Colons in
// event kinds become slashes, so "device:registered" maps to
// fleetcore/event/device/registered.
func (Topics) Event(kind string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixEvent, slashed(kind))
}

// SystemStatus returns the service status topic carrying the LWT.
//
// Example: fleetcore/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceCommands returns a pattern matching every device command topic.
//
// Pattern: fleetcore/device/+/command
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/command", TopicPrefixDevice)
}

// AllDeviceStatuses returns a pattern matching every device status topic.
//
// Pattern: fleetcore/device/+/status
func (Topics) AllDeviceStatuses() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevice)
}

// DeviceIDFromCommandTopic extracts the device ID from a command topic.
// Returns "" when the topic does not match the command scheme.
func (Topics) DeviceIDFromCommandTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/command")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// slashed converts event kind separators to topic levels.
func slashed(kind string) string {
	return strings.ReplaceAll(kind, ":", "/")
}
