package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the minimal logging interface the registry needs.
// Satisfied by logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output. Used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Store persists the full device record set as one JSON document.
// Implemented by infrastructure/filestore.
type Store interface {
	// Load returns the stored document, or (nil, nil) when none exists yet.
	Load(ctx context.Context) ([]byte, error)
	// Save atomically replaces the stored document.
	Save(ctx context.Context, data []byte) error
}

// Registry manages the device record set.
//
// Thread Safety: all methods are safe for concurrent use. Mutations are
// serialized behind writeMu; each performs a full load-modify-persist-swap
// cycle so the persisted document and the cache never diverge.
type Registry struct {
	store  Store
	logger Logger
	bus    *EventBus

	mu     sync.RWMutex
	cache  map[string]*Device
	loaded bool

	// writeMu serializes every mutation end to end, including persistence.
	writeMu sync.Mutex

	pairingTTL   time.Duration
	requireToken bool

	// now is swappable for tests.
	now func() time.Time
}

// New creates a registry backed by the given store.
func New(store Store) *Registry {
	return &Registry{
		store:        store,
		logger:       noopLogger{},
		bus:          NewEventBus(),
		cache:        make(map[string]*Device),
		pairingTTL:   5 * time.Minute,
		requireToken: true,
		now:          time.Now,
	}
}

// SetLogger configures logging output.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetPairingDefaults configures the default pairing grant lifetime and
// whether grants demand a confirmation token when the caller does not say.
func (r *Registry) SetPairingDefaults(ttl time.Duration, requireToken bool) {
	if ttl > 0 {
		r.pairingTTL = ttl
	}
	r.requireToken = requireToken
}

// Subscribe registers a handler for registry change events.
// Kind is one of the Event* constants, or "" for all events.
// The returned function removes the subscription.
func (r *Registry) Subscribe(kind string, h Handler) func() {
	return r.bus.Subscribe(kind, h)
}

// ensureLoaded populates the cache from the store on first use.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.loadLocked(ctx)
}

// loadLocked loads the store into the cache. Caller must hold writeMu.
func (r *Registry) loadLocked(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	data, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading device store: %w", err)
	}

	devices := make(map[string]*Device)
	if len(data) > 0 {
		var records []*Device
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("decoding device store: %w", err)
		}
		for _, d := range records {
			if d.ID == "" {
				continue
			}
			devices[d.ID] = d
		}
	}

	r.mu.Lock()
	r.cache = devices
	r.loaded = true
	r.mu.Unlock()

	r.logger.Info("device registry loaded", "devices", len(devices))
	return nil
}

// RefreshCache discards the cache and reloads it from the store.
func (r *Registry) RefreshCache(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.loaded = false
	r.mu.Unlock()

	return r.loadLocked(ctx)
}

// mutate runs fn against a deep copy of the record set, persists the
// result, and swaps it into the cache. The cycle is fully serialized: no
// two mutations interleave, and a failed persist leaves the cache at the
// last known good state.
func (r *Registry) mutate(ctx context.Context, fn func(devices map[string]*Device) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.loadLocked(ctx); err != nil {
		return err
	}

	r.mu.RLock()
	working := make(map[string]*Device, len(r.cache))
	for id, d := range r.cache {
		working[id] = d.DeepCopy()
	}
	r.mu.RUnlock()

	if err := fn(working); err != nil {
		return err
	}

	if err := r.persist(ctx, working); err != nil {
		return fmt.Errorf("persisting device store: %w", err)
	}

	r.mu.Lock()
	r.cache = working
	r.mu.Unlock()

	return nil
}

// persist writes the full record set to the store, oldest records first
// for a stable on-disk ordering.
func (r *Registry) persist(ctx context.Context, devices map[string]*Device) error {
	records := make([]*Device, 0, len(devices))
	for _, d := range devices {
		records = append(records, d)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return r.store.Save(ctx, data)
}

// RegisterParams carries the device-supplied registration payload.
type RegisterParams struct {
	Name       string
	Location   string
	InstallID  string
	HardwareID string
}

// Register creates or re-binds a device record and returns it together
// with a freshly minted plaintext secret.
//
// Identity resolution prefers HardwareID over InstallID: a hardware match
// wins even when another record matches the install ID. Re-registration of
// an existing device rotates its secret, invalidating the previous one.
func (r *Registry) Register(ctx context.Context, params RegisterParams) (*Device, string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	var (
		result  *Device
		created bool
	)

	err = r.mutate(ctx, func(devices map[string]*Device) error {
		now := r.now().UTC()

		dev := findByCorrelator(devices, params.HardwareID, params.InstallID)
		if dev == nil {
			created = true
			dev = &Device{
				ID:        uuid.NewString(),
				Name:      params.Name,
				Status:    StatusUnknown,
				CreatedAt: now,
			}
			devices[dev.ID] = dev
		}

		if params.Name != "" {
			dev.Name = params.Name
		}
		if dev.Name == "" {
			dev.Name = "Unnamed device"
		}
		if params.Location != "" {
			dev.Location = params.Location
		}

		claimCorrelators(devices, dev, params.InstallID, params.HardwareID)

		dev.SecretHash = hash
		dev.UpdatedAt = now

		result = dev.DeepCopy()
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	if created {
		r.logger.Info("device registered", "device_id", result.ID, "name", result.Name)
	} else {
		r.logger.Info("device re-registered, secret rotated", "device_id", result.ID)
	}
	r.bus.publish(Event{Kind: EventRegistered, DeviceID: result.ID, Device: result.DeepCopy()})

	return result, secret, nil
}

// findByCorrelator resolves a device by hardware ID first, then install ID.
func findByCorrelator(devices map[string]*Device, hardwareID, installID string) *Device {
	if hardwareID != "" {
		for _, d := range devices {
			if d.HardwareID == hardwareID {
				return d
			}
		}
	}
	if installID != "" {
		for _, d := range devices {
			if d.InstallID == installID {
				return d
			}
		}
	}
	return nil
}

// claimCorrelators assigns the given identifiers to dev and strips them
// from every other record, keeping each correlator value unique.
func claimCorrelators(devices map[string]*Device, dev *Device, installID, hardwareID string) {
	if installID != "" {
		for _, other := range devices {
			if other.ID != dev.ID && other.InstallID == installID {
				other.InstallID = ""
			}
		}
		dev.InstallID = installID
	}
	if hardwareID != "" {
		for _, other := range devices {
			if other.ID != dev.ID && other.HardwareID == hardwareID {
				other.HardwareID = ""
			}
		}
		dev.HardwareID = hardwareID
	}
}

// Verify checks a device's auth secret. Unknown devices and wrong secrets
// both verify as false.
func (r *Registry) Verify(ctx context.Context, deviceID, secret string) bool {
	if err := r.ensureLoaded(ctx); err != nil {
		r.logger.Error("verify: loading registry failed", "error", err)
		return false
	}

	r.mu.RLock()
	dev := r.cache[deviceID]
	var hash string
	if dev != nil {
		hash = dev.SecretHash
	}
	r.mu.RUnlock()

	if hash == "" {
		return false
	}
	return VerifySecret(secret, hash)
}

// Get returns a copy of the device with the given ID.
// Expired pairing grants are cleared from the returned copy.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	dev := r.cache[deviceID]
	r.mu.RUnlock()

	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	dc := dev.DeepCopy()
	if dc.Pairing != nil && !dc.Pairing.Active(r.now()) {
		dc.Pairing = nil
	}
	return dc, nil
}

// List returns copies of all devices, sorted by name then ID.
// Expired pairing grants are cleared from the returned copies.
func (r *Registry) List(ctx context.Context) ([]*Device, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	now := r.now()

	r.mu.RLock()
	devices := make([]*Device, 0, len(r.cache))
	for _, d := range r.cache {
		dc := d.DeepCopy()
		if dc.Pairing != nil && !dc.Pairing.Active(now) {
			dc.Pairing = nil
		}
		devices = append(devices, dc)
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name == devices[j].Name {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].Name < devices[j].Name
	})
	return devices, nil
}

// Patch carries a partial device update. Nil fields are left unchanged;
// non-nil slices and maps replace the stored value wholesale.
type Patch struct {
	Name             *string
	Location         *string
	Tags             []string
	Groups           []string
	ProfileID        *string
	SettingsOverride map[string]any
}

// PatchDevice applies a partial update to a device record.
func (r *Registry) PatchDevice(ctx context.Context, deviceID string, patch Patch) (*Device, error) {
	var result *Device

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		dev := devices[deviceID]
		if dev == nil {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}

		if patch.Name != nil {
			dev.Name = *patch.Name
		}
		if patch.Location != nil {
			dev.Location = *patch.Location
		}
		if patch.Tags != nil {
			dev.Tags = append([]string(nil), patch.Tags...)
		}
		if patch.Groups != nil {
			dev.Groups = append([]string(nil), patch.Groups...)
		}
		if patch.ProfileID != nil {
			dev.ProfileID = *patch.ProfileID
		}
		if patch.SettingsOverride != nil {
			dev.SettingsOverride = deepCopyMap(patch.SettingsOverride)
		}

		dev.UpdatedAt = r.now().UTC()
		result = dev.DeepCopy()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.bus.publish(Event{Kind: EventPatched, DeviceID: result.ID, Device: result.DeepCopy()})
	return result, nil
}

// HeartbeatParams carries a device's periodic status report.
type HeartbeatParams struct {
	InstallID    string
	HardwareID   string
	ClientInfo   map[string]any
	CurrentState map[string]any
}

// Heartbeat processes a status report from a connected device: marks it
// online, refreshes lastSeenAt, re-binds any reported identity correlators
// (stripping them from other records), and merges clientInfo and
// currentState field by field.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string, params HeartbeatParams) (*Device, error) {
	var result *Device

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		dev := devices[deviceID]
		if dev == nil {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}

		now := r.now().UTC()
		dev.Status = StatusOnline
		dev.LastSeenAt = &now
		dev.UpdatedAt = now

		claimCorrelators(devices, dev, params.InstallID, params.HardwareID)

		if len(params.ClientInfo) > 0 {
			if dev.ClientInfo == nil {
				dev.ClientInfo = make(map[string]any, len(params.ClientInfo))
			}
			for k, v := range params.ClientInfo {
				dev.ClientInfo[k] = deepCopyValue(v)
			}
		}
		if len(params.CurrentState) > 0 {
			if dev.CurrentState == nil {
				dev.CurrentState = make(map[string]any, len(params.CurrentState))
			}
			for k, v := range params.CurrentState {
				dev.CurrentState[k] = deepCopyValue(v)
			}
		}

		result = dev.DeepCopy()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.bus.publish(Event{Kind: EventUpdated, DeviceID: result.ID, Device: result.DeepCopy()})
	return result, nil
}

// Delete removes a device record.
func (r *Registry) Delete(ctx context.Context, deviceID string) error {
	var removed *Device

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		dev := devices[deviceID]
		if dev == nil {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		removed = dev.DeepCopy()
		delete(devices, deviceID)
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("device deleted", "device_id", deviceID)
	r.bus.publish(Event{Kind: EventDeleted, DeviceID: deviceID, Device: removed})
	return nil
}

// MarkDisconnected transitions a device to offline when its connection
// drops. Unknown devices are ignored; a device already offline is left
// untouched and publishes no event.
func (r *Registry) MarkDisconnected(ctx context.Context, deviceID string) error {
	var result *Device

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		dev := devices[deviceID]
		if dev == nil || dev.Status != StatusOnline {
			return errNoChange
		}
		dev.Status = StatusOffline
		dev.UpdatedAt = r.now().UTC()
		result = dev.DeepCopy()
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}

	r.bus.publish(Event{Kind: EventUpdated, DeviceID: result.ID, Device: result.DeepCopy()})
	return nil
}

// MarkStaleOffline transitions every online device whose last report is
// older than the cutoff to offline. Returns the number of devices moved.
func (r *Registry) MarkStaleOffline(ctx context.Context, olderThan time.Duration) (int, error) {
	var stale []*Device

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		cutoff := r.now().Add(-olderThan)
		for _, dev := range devices {
			if dev.Status != StatusOnline {
				continue
			}
			if dev.LastSeenAt == nil || dev.LastSeenAt.Before(cutoff) {
				dev.Status = StatusOffline
				dev.UpdatedAt = r.now().UTC()
				stale = append(stale, dev.DeepCopy())
			}
		}
		if len(stale) == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return 0, nil
		}
		return 0, err
	}

	for _, dev := range stale {
		r.bus.publish(Event{Kind: EventUpdated, DeviceID: dev.ID, Device: dev})
	}
	r.logger.Info("stale devices marked offline", "count", len(stale))
	return len(stale), nil
}

// errNoChange aborts a mutation without persisting; internal use only.
var errNoChange = errors.New("registry: no change")
