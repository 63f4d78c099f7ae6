package registry

import "time"

// Status is the registry's view of a device's connection state.
type Status string

// Device status values.
const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device is a registered fleet device record.
//
// InstallID and HardwareID are soft identity correlators reported by the
// device itself. An empty string means the correlator is unset; at most one
// device holds a given non-empty value at a time (last writer wins).
type Device struct {
	ID         string `json:"id"`
	InstallID  string `json:"installId,omitempty"`
	HardwareID string `json:"hardwareId,omitempty"`

	// SecretHash is the argon2id PHC hash of the device's auth secret.
	// Never exposed through the API; see Sanitized.
	SecretHash string `json:"secretHash,omitempty"`

	Name     string `json:"name"`
	Location string `json:"location,omitempty"`

	Tags      []string `json:"tags,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	ProfileID string   `json:"profileId,omitempty"`

	// SettingsOverride holds per-device settings layered over the device's
	// profile by consumers. The registry treats it as opaque JSON.
	SettingsOverride map[string]any `json:"settingsOverride,omitempty"`

	// ClientInfo is self-reported environment data (user agent, screen,
	// app version). Merged field-by-field on heartbeat.
	ClientInfo map[string]any `json:"clientInfo,omitempty"`

	// CurrentState is the device's last reported runtime state.
	// Merged field-by-field on heartbeat.
	CurrentState map[string]any `json:"currentState,omitempty"`

	Status     Status     `json:"status"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`

	Pairing *Pairing `json:"pairing,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pairing is an active pairing grant attached to a device record.
type Pairing struct {
	Code         string    `json:"code"`
	Token        string    `json:"token,omitempty"`
	RequireToken bool      `json:"requireToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Active reports whether the grant is still claimable at the given time.
func (p *Pairing) Active(now time.Time) bool {
	return p != nil && now.Before(p.ExpiresAt)
}

// DeepCopy creates a fully independent copy of the device.
// Nested maps and slices are duplicated so the copy shares no mutable
// state with the original.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	dc := *d

	if d.Tags != nil {
		dc.Tags = append([]string(nil), d.Tags...)
	}
	if d.Groups != nil {
		dc.Groups = append([]string(nil), d.Groups...)
	}
	dc.SettingsOverride = deepCopyMap(d.SettingsOverride)
	dc.ClientInfo = deepCopyMap(d.ClientInfo)
	dc.CurrentState = deepCopyMap(d.CurrentState)

	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		dc.LastSeenAt = &t
	}
	if d.Pairing != nil {
		p := *d.Pairing
		dc.Pairing = &p
	}

	return &dc
}

// Sanitized returns a copy of the device safe to expose through the API:
// the secret hash and any pairing token are cleared.
func (d *Device) Sanitized() *Device {
	dc := d.DeepCopy()
	if dc == nil {
		return nil
	}
	dc.SecretHash = ""
	if dc.Pairing != nil {
		dc.Pairing.Token = ""
	}
	return dc
}

// deepCopyMap recursively copies a JSON-shaped map.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		// Scalars (string, float64, bool, nil) are immutable.
		return v
	}
}
