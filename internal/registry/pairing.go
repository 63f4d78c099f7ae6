package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"time"
)

// PairingOptions tunes a pairing grant. Zero values fall back to the
// registry defaults configured via SetPairingDefaults.
type PairingOptions struct {
	// TTL is how long the grant stays claimable.
	TTL time.Duration
	// RequireToken, when set, overrides the registry default for whether a
	// claim must also present the confirmation token.
	RequireToken *bool
}

// GeneratePairing attaches a fresh pairing grant to a device: a six-digit
// code plus a 32-character confirmation token. Any previous grant on the
// device is replaced.
func (r *Registry) GeneratePairing(ctx context.Context, deviceID string, opts PairingOptions) (*Pairing, error) {
	code, err := newPairingCode()
	if err != nil {
		return nil, err
	}
	token, err := newPairingToken()
	if err != nil {
		return nil, err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.pairingTTL
	}
	requireToken := r.requireToken
	if opts.RequireToken != nil {
		requireToken = *opts.RequireToken
	}

	var grant *Pairing

	err = r.mutate(ctx, func(devices map[string]*Device) error {
		dev := devices[deviceID]
		if dev == nil {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}

		now := r.now().UTC()
		dev.Pairing = &Pairing{
			Code:         code,
			Token:        token,
			RequireToken: requireToken,
			ExpiresAt:    now.Add(ttl),
		}
		dev.UpdatedAt = now

		p := *dev.Pairing
		grant = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("pairing code generated", "device_id", deviceID, "expires_at", grant.ExpiresAt)
	return grant, nil
}

// ClaimParams carries a pairing claim from a new or reinstalled device.
type ClaimParams struct {
	Code     string
	Token    string
	Name     string
	Location string
}

// ClaimPairing redeems an active pairing grant. On success the claiming
// device takes over the record: the secret is rotated, the grant is
// cleared, and the new plaintext secret is returned alongside the record.
//
// Unknown codes, expired grants, and failed token checks all return
// ErrPairingNotFound; callers cannot tell which occurred.
func (r *Registry) ClaimPairing(ctx context.Context, params ClaimParams) (*Device, string, error) {
	if params.Code == "" {
		return nil, "", ErrPairingNotFound
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	var result *Device

	err = r.mutate(ctx, func(devices map[string]*Device) error {
		now := r.now()

		var dev *Device
		for _, d := range devices {
			if d.Pairing.Active(now) && d.Pairing.Code == params.Code {
				dev = d
				break
			}
		}
		if dev == nil {
			return ErrPairingNotFound
		}

		if dev.Pairing.RequireToken {
			if subtle.ConstantTimeCompare([]byte(params.Token), []byte(dev.Pairing.Token)) != 1 {
				return ErrPairingNotFound
			}
		}

		if params.Name != "" {
			dev.Name = params.Name
		}
		if params.Location != "" {
			dev.Location = params.Location
		}

		dev.SecretHash = hash
		dev.Pairing = nil
		dev.UpdatedAt = now.UTC()

		result = dev.DeepCopy()
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	r.logger.Info("pairing code claimed", "device_id", result.ID)
	r.bus.publish(Event{Kind: EventPatched, DeviceID: result.ID, Device: result.DeepCopy()})
	return result, secret, nil
}

// RevokePairing clears any pairing grant on the device.
// Reports whether a grant was present.
func (r *Registry) RevokePairing(ctx context.Context, deviceID string) (bool, error) {
	var revoked bool

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		dev := devices[deviceID]
		if dev == nil {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		if dev.Pairing == nil {
			return errNoChange
		}
		dev.Pairing = nil
		dev.UpdatedAt = r.now().UTC()
		revoked = true
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return false, nil
		}
		return false, err
	}

	r.logger.Info("pairing revoked", "device_id", deviceID)
	return revoked, nil
}

// PairingGrant is an active pairing listed for operators.
// The confirmation token is never included.
type PairingGrant struct {
	DeviceID     string    `json:"deviceId"`
	DeviceName   string    `json:"deviceName"`
	Code         string    `json:"code"`
	RequireToken bool      `json:"requireToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ActivePairings lists all unexpired pairing grants, soonest expiry first.
func (r *Registry) ActivePairings(ctx context.Context) ([]PairingGrant, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	now := r.now()

	r.mu.RLock()
	grants := make([]PairingGrant, 0)
	for _, d := range r.cache {
		if !d.Pairing.Active(now) {
			continue
		}
		grants = append(grants, PairingGrant{
			DeviceID:     d.ID,
			DeviceName:   d.Name,
			Code:         d.Pairing.Code,
			RequireToken: d.Pairing.RequireToken,
			ExpiresAt:    d.Pairing.ExpiresAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(grants, func(i, j int) bool {
		return grants[i].ExpiresAt.Before(grants[j].ExpiresAt)
	})
	return grants, nil
}
