package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MergeResult reports the outcome of a device merge.
type MergeResult struct {
	OK     bool    `json:"ok"`
	Merged int     `json:"merged"`
	Target *Device `json:"target,omitempty"`
}

// MergeDevices folds the source records into the target and deletes them.
//
// Tags and groups become the sorted union across target and sources.
// settingsOverride is deep-merged with the target winning every conflict.
// An empty target name or location is filled from the first source that
// has one. Source IDs that are unknown, or that name the target itself,
// are skipped silently.
//
// An empty target ID or source list is a no-op reported as not OK; an
// unknown target returns ErrMergeTarget.
func (r *Registry) MergeDevices(ctx context.Context, targetID string, sourceIDs []string) (MergeResult, error) {
	if targetID == "" || len(sourceIDs) == 0 {
		return MergeResult{}, nil
	}

	var (
		result  MergeResult
		deleted []*Device
	)

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		target := devices[targetID]
		if target == nil {
			return fmt.Errorf("%w: %s", ErrMergeTarget, targetID)
		}

		for _, sid := range sourceIDs {
			if sid == targetID {
				continue
			}
			src := devices[sid]
			if src == nil {
				continue
			}

			target.Tags = unionSorted(target.Tags, src.Tags)
			target.Groups = unionSorted(target.Groups, src.Groups)
			target.SettingsOverride = mergeKeepDst(target.SettingsOverride, src.SettingsOverride)

			if target.Name == "" {
				target.Name = src.Name
			}
			if target.Location == "" {
				target.Location = src.Location
			}

			deleted = append(deleted, src.DeepCopy())
			delete(devices, sid)
			result.Merged++
		}

		if result.Merged == 0 {
			return errNoChange
		}

		target.UpdatedAt = r.now().UTC()
		result.OK = true
		result.Target = target.DeepCopy()
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return MergeResult{}, nil
		}
		return MergeResult{}, err
	}

	r.logger.Info("devices merged", "target_id", targetID, "merged", result.Merged)
	for _, src := range deleted {
		r.bus.publish(Event{Kind: EventDeleted, DeviceID: src.ID, Device: src})
	}
	r.bus.publish(Event{Kind: EventPatched, DeviceID: targetID, Device: result.Target.DeepCopy()})
	return result, nil
}

// unionSorted merges two string sets into a sorted, deduplicated slice.
func unionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// mergeKeepDst deep-merges src into dst with dst winning every conflict.
// Nested maps merge recursively; any other dst value shadows src.
func mergeKeepDst(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		return deepCopyMap(src)
	}
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists {
			dst[k] = deepCopyValue(sv)
			continue
		}
		dm, dok := dv.(map[string]any)
		sm, sok := sv.(map[string]any)
		if dok && sok {
			dst[k] = mergeKeepDst(dm, sm)
		}
		// dst value stands on any other conflict
	}
	return dst
}

// PruneParams describes the surviving device for duplicate pruning.
// Unset fields fall back to the keeper's own record and clientInfo.
type PruneParams struct {
	KeepID     string
	HardwareID string
	UserAgent  string
	Screen     map[string]any
	MaxDelete  int
}

const defaultPruneMax = 5

// PruneLikelyDuplicates deletes records that appear to be the same
// physical device as the keeper: matching hardware ID, matching install
// ID, or (for correlator-less records) matching user agent plus screen
// fingerprint. Oldest duplicates go first, up to MaxDelete.
//
// Pruning is best effort: any failure is logged and reported as zero
// deletions.
func (r *Registry) PruneLikelyDuplicates(ctx context.Context, params PruneParams) int {
	n, err := r.pruneDuplicates(ctx, params)
	if err != nil {
		r.logger.Warn("duplicate prune skipped", "keep_id", params.KeepID, "error", err)
		return 0
	}
	return n
}

func (r *Registry) pruneDuplicates(ctx context.Context, params PruneParams) (int, error) {
	if params.KeepID == "" {
		return 0, nil
	}
	maxDelete := params.MaxDelete
	if maxDelete <= 0 {
		maxDelete = defaultPruneMax
	}

	var deleted []*Device

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		keep := devices[params.KeepID]
		if keep == nil {
			return errNoChange
		}

		hardwareID := params.HardwareID
		if hardwareID == "" {
			hardwareID = keep.HardwareID
		}
		userAgent := params.UserAgent
		if userAgent == "" {
			userAgent = clientString(keep.ClientInfo, "userAgent")
		}
		screen := params.Screen
		if screen == nil {
			screen, _ = keep.ClientInfo["screen"].(map[string]any)
		}
		screenKey := screenFingerprint(screen)

		var candidates []*Device
		for _, d := range devices {
			if d.ID == keep.ID {
				continue
			}
			switch {
			case hardwareID != "" && d.HardwareID == hardwareID:
				candidates = append(candidates, d)
			case keep.InstallID != "" && d.InstallID == keep.InstallID:
				candidates = append(candidates, d)
			case userAgent != "" && screenKey != "" && d.InstallID == "" && d.HardwareID == "":
				if clientString(d.ClientInfo, "userAgent") != userAgent {
					continue
				}
				s, _ := d.ClientInfo["screen"].(map[string]any)
				if screenFingerprint(s) == screenKey {
					candidates = append(candidates, d)
				}
			}
		}
		if len(candidates) == 0 {
			return errNoChange
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		if len(candidates) > maxDelete {
			candidates = candidates[:maxDelete]
		}

		for _, d := range candidates {
			deleted = append(deleted, d.DeepCopy())
			delete(devices, d.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return 0, nil
		}
		return 0, err
	}

	r.logger.Info("duplicate devices pruned", "keep_id", params.KeepID, "deleted", len(deleted))
	for _, d := range deleted {
		r.bus.publish(Event{Kind: EventDeleted, DeviceID: d.ID, Device: d})
	}
	return len(deleted), nil
}

// clientString pulls a string field out of a clientInfo map.
func clientString(info map[string]any, key string) string {
	s, _ := info[key].(string)
	return s
}

// screenFingerprint builds a comparable key from a reported screen shape.
// Devices report dimensions under either short or long key names (w/width,
// h/height, dpr/scale); both spellings produce the same fingerprint.
// Returns "" when no dimensions are present.
func screenFingerprint(screen map[string]any) string {
	if screen == nil {
		return ""
	}
	w, wok := screenNumber(screen, "w", "width")
	h, hok := screenNumber(screen, "h", "height")
	if !wok && !hok {
		return ""
	}
	dpr, _ := screenNumber(screen, "dpr", "scale")
	return fmt.Sprintf("%gx%g@%g", w, h, dpr)
}

// screenNumber reads the first numeric value found under the given keys.
func screenNumber(screen map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := screen[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

// OrphanPruneResult reports a group reference cleanup pass.
type OrphanPruneResult struct {
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// PruneOrphanGroupRefs removes group references that no longer resolve to
// a valid group ID. Devices without groups are untouched.
func (r *Registry) PruneOrphanGroupRefs(ctx context.Context, validGroupIDs []string) (OrphanPruneResult, error) {
	valid := make(map[string]struct{}, len(validGroupIDs))
	for _, id := range validGroupIDs {
		valid[id] = struct{}{}
	}

	var (
		result  OrphanPruneResult
		touched []*Device
	)

	err := r.mutate(ctx, func(devices map[string]*Device) error {
		for _, dev := range devices {
			if len(dev.Groups) == 0 {
				continue
			}
			kept := dev.Groups[:0:0]
			for _, g := range dev.Groups {
				if _, ok := valid[g]; ok {
					kept = append(kept, g)
				}
			}
			if len(kept) == len(dev.Groups) {
				continue
			}
			result.Removed += len(dev.Groups) - len(kept)
			result.Updated++
			if len(kept) == 0 {
				kept = nil
			}
			dev.Groups = kept
			dev.UpdatedAt = r.now().UTC()
			touched = append(touched, dev.DeepCopy())
		}
		if result.Updated == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return OrphanPruneResult{}, nil
		}
		return OrphanPruneResult{}, err
	}

	r.logger.Info("orphan group references pruned",
		"devices_updated", result.Updated, "refs_removed", result.Removed)
	for _, dev := range touched {
		r.bus.publish(Event{Kind: EventPatched, DeviceID: dev.ID, Device: dev})
	}
	return result, nil
}
