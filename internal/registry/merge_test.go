package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestMergeDevices(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	target, _, _ := r.Register(ctx, RegisterParams{Name: "Target", InstallID: "inst-t"})
	srcA, _, _ := r.Register(ctx, RegisterParams{Name: "Source A", InstallID: "inst-a"})
	srcB, _, _ := r.Register(ctx, RegisterParams{Name: "Source B", InstallID: "inst-b"})

	if _, err := r.PatchDevice(ctx, target.ID, Patch{
		Tags:   []string{"lobby"},
		Groups: []string{"g1"},
		SettingsOverride: map[string]any{
			"theme":  "dark",
			"layout": map[string]any{"columns": float64(2)},
		},
	}); err != nil {
		t.Fatalf("patch target failed: %v", err)
	}
	if _, err := r.PatchDevice(ctx, srcA.ID, Patch{
		Tags:   []string{"lobby", "east"},
		Groups: []string{"g2"},
		SettingsOverride: map[string]any{
			"theme":  "light",
			"volume": float64(30),
			"layout": map[string]any{"columns": float64(4), "rows": float64(3)},
		},
	}); err != nil {
		t.Fatalf("patch source failed: %v", err)
	}

	res, err := r.MergeDevices(ctx, target.ID, []string{srcA.ID, srcB.ID})
	if err != nil {
		t.Fatalf("MergeDevices failed: %v", err)
	}
	if !res.OK || res.Merged != 2 {
		t.Fatalf("expected OK with 2 merged, got %+v", res)
	}

	if want := []string{"east", "lobby"}; !reflect.DeepEqual(res.Target.Tags, want) {
		t.Errorf("tags union wrong: %v", res.Target.Tags)
	}
	if want := []string{"g1", "g2"}; !reflect.DeepEqual(res.Target.Groups, want) {
		t.Errorf("groups union wrong: %v", res.Target.Groups)
	}

	// Target wins conflicts, source fills gaps, nested maps merge.
	so := res.Target.SettingsOverride
	if so["theme"] != "dark" {
		t.Errorf("target should win theme conflict: %v", so["theme"])
	}
	if so["volume"] != float64(30) {
		t.Errorf("source-only key should be adopted: %v", so["volume"])
	}
	layout, _ := so["layout"].(map[string]any)
	if layout["columns"] != float64(2) || layout["rows"] != float64(3) {
		t.Errorf("nested merge wrong: %v", layout)
	}

	// Sources are gone.
	for _, id := range []string{srcA.ID, srcB.ID} {
		if _, err := r.Get(ctx, id); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("source %s should be deleted, got %v", id, err)
		}
	}
}

func TestMergeDevicesEdgeCases(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	target, _, _ := r.Register(ctx, RegisterParams{Name: "T", InstallID: "inst-t"})

	res, err := r.MergeDevices(ctx, "", []string{target.ID})
	if err != nil || res.OK {
		t.Errorf("empty target should be a no-op, got %+v, %v", res, err)
	}
	res, err = r.MergeDevices(ctx, target.ID, nil)
	if err != nil || res.OK {
		t.Errorf("empty sources should be a no-op, got %+v, %v", res, err)
	}

	if _, err := r.MergeDevices(ctx, "missing", []string{target.ID}); !errors.Is(err, ErrMergeTarget) {
		t.Errorf("expected ErrMergeTarget, got %v", err)
	}

	// Target in its own source list and unknown sources are skipped.
	res, err = r.MergeDevices(ctx, target.ID, []string{target.ID, "missing"})
	if err != nil {
		t.Fatalf("MergeDevices failed: %v", err)
	}
	if res.OK || res.Merged != 0 {
		t.Errorf("expected no-op merge, got %+v", res)
	}
	if _, err := r.Get(ctx, target.ID); err != nil {
		t.Errorf("target must survive a self-merge: %v", err)
	}
}

func TestPruneLikelyDuplicatesByHardwareID(t *testing.T) {
	// Registration rebinds correlators, so records sharing a hardware ID
	// only exist in legacy data. Seed the store with such a set directly.
	store := &mockStore{data: []byte(`[
		{"id": "keep", "name": "Keep", "hardwareId": "hw-1", "status": "online",
		 "createdAt": "2026-01-03T00:00:00Z", "updatedAt": "2026-01-03T00:00:00Z"},
		{"id": "old-1", "name": "Ghost 1", "hardwareId": "hw-1", "status": "offline",
		 "createdAt": "2026-01-01T00:00:00Z", "updatedAt": "2026-01-01T00:00:00Z"},
		{"id": "old-2", "name": "Ghost 2", "hardwareId": "hw-1", "status": "offline",
		 "createdAt": "2026-01-02T00:00:00Z", "updatedAt": "2026-01-02T00:00:00Z"},
		{"id": "other", "name": "Other", "hardwareId": "hw-2", "status": "online",
		 "createdAt": "2026-01-01T00:00:00Z", "updatedAt": "2026-01-01T00:00:00Z"}
	]`)}
	r := New(store)
	ctx := context.Background()

	n := r.PruneLikelyDuplicates(ctx, PruneParams{KeepID: "keep"})
	if n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
	if _, err := r.Get(ctx, "keep"); err != nil {
		t.Errorf("keeper must never be pruned: %v", err)
	}
	if _, err := r.Get(ctx, "other"); err != nil {
		t.Errorf("different hardware must survive: %v", err)
	}
	for _, id := range []string{"old-1", "old-2"} {
		if _, err := r.Get(ctx, id); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("expected %s pruned, got %v", id, err)
		}
	}
}

func TestPruneLikelyDuplicatesByFingerprint(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	keep, _, _ := r.Register(ctx, RegisterParams{Name: "Keep", InstallID: "inst-keep"})

	// Three correlator-less records with the same environment, reported
	// with mixed key spellings.
	shapes := []map[string]any{
		{"w": float64(1920), "h": float64(1080), "dpr": float64(2)},
		{"width": float64(1920), "height": float64(1080), "scale": float64(2)},
		{"w": float64(1920), "height": float64(1080), "dpr": float64(2)},
	}
	base := time.Now()
	for i, screen := range shapes {
		created := base.Add(time.Duration(i) * time.Second)
		r.now = func() time.Time { return created }
		dev, _, err := r.Register(ctx, RegisterParams{Name: "Ghost"})
		if err != nil {
			t.Fatalf("Register ghost failed: %v", err)
		}
		if _, err := r.Heartbeat(ctx, dev.ID, HeartbeatParams{
			ClientInfo: map[string]any{"userAgent": "kiosk/1.0", "screen": screen},
		}); err != nil {
			t.Fatalf("Heartbeat ghost failed: %v", err)
		}
	}
	r.now = time.Now

	// A record with a different screen must survive.
	other, _, _ := r.Register(ctx, RegisterParams{Name: "Other"})
	if _, err := r.Heartbeat(ctx, other.ID, HeartbeatParams{
		ClientInfo: map[string]any{"userAgent": "kiosk/1.0", "screen": map[string]any{"w": float64(800), "h": float64(600)}},
	}); err != nil {
		t.Fatalf("Heartbeat other failed: %v", err)
	}

	n := r.PruneLikelyDuplicates(ctx, PruneParams{
		KeepID:    keep.ID,
		UserAgent: "kiosk/1.0",
		Screen:    map[string]any{"width": float64(1920), "h": float64(1080), "scale": float64(2)},
		MaxDelete: 2,
	})
	if n != 2 {
		t.Fatalf("expected 2 pruned (MaxDelete), got %d", n)
	}

	devices, _ := r.List(ctx)
	// keeper + other + 1 remaining ghost
	if len(devices) != 3 {
		t.Errorf("expected 3 devices left, got %d", len(devices))
	}
	if _, err := r.Get(ctx, other.ID); err != nil {
		t.Errorf("non-matching record must survive: %v", err)
	}
}

func TestPruneLikelyDuplicatesUnknownKeeper(t *testing.T) {
	r, _ := newTestRegistry(t)
	if n := r.PruneLikelyDuplicates(context.Background(), PruneParams{KeepID: "missing"}); n != 0 {
		t.Errorf("unknown keeper should prune nothing, got %d", n)
	}
}

func TestScreenFingerprint(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]any
		same bool
	}{
		{
			"short vs long keys",
			map[string]any{"w": float64(1920), "h": float64(1080), "dpr": float64(2)},
			map[string]any{"width": float64(1920), "height": float64(1080), "scale": float64(2)},
			true,
		},
		{
			"different size",
			map[string]any{"w": float64(1920), "h": float64(1080)},
			map[string]any{"w": float64(1280), "h": float64(720)},
			false,
		},
		{
			"missing dpr defaults equal",
			map[string]any{"w": float64(100), "h": float64(100)},
			map[string]any{"width": float64(100), "height": float64(100)},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fa, fb := screenFingerprint(tc.a), screenFingerprint(tc.b)
			if (fa == fb) != tc.same {
				t.Errorf("fingerprints %q vs %q, want same=%v", fa, fb, tc.same)
			}
		})
	}

	if screenFingerprint(nil) != "" {
		t.Error("nil screen should produce an empty fingerprint")
	}
	if screenFingerprint(map[string]any{"depth": float64(24)}) != "" {
		t.Error("screen without dimensions should produce an empty fingerprint")
	}
}

func TestPruneOrphanGroupRefs(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, _, _ := r.Register(ctx, RegisterParams{Name: "A", InstallID: "inst-a"})
	b, _, _ := r.Register(ctx, RegisterParams{Name: "B", InstallID: "inst-b"})
	c, _, _ := r.Register(ctx, RegisterParams{Name: "C", InstallID: "inst-c"})

	if _, err := r.PatchDevice(ctx, a.ID, Patch{Groups: []string{"g1", "gone", "g2"}}); err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if _, err := r.PatchDevice(ctx, b.ID, Patch{Groups: []string{"gone"}}); err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	// c has no groups at all.

	res, err := r.PruneOrphanGroupRefs(ctx, []string{"g1", "g2"})
	if err != nil {
		t.Fatalf("PruneOrphanGroupRefs failed: %v", err)
	}
	if res.Updated != 2 || res.Removed != 2 {
		t.Errorf("expected 2 updated / 2 removed, got %+v", res)
	}

	gotA, _ := r.Get(ctx, a.ID)
	if !reflect.DeepEqual(gotA.Groups, []string{"g1", "g2"}) {
		t.Errorf("expected orphan stripped, got %v", gotA.Groups)
	}
	gotB, _ := r.Get(ctx, b.ID)
	if len(gotB.Groups) != 0 {
		t.Errorf("expected empty groups, got %v", gotB.Groups)
	}
	gotC, _ := r.Get(ctx, c.ID)
	if gotC.Groups != nil {
		t.Errorf("groupless device should be untouched, got %v", gotC.Groups)
	}

	// Second pass is a no-op.
	res, err = r.PruneOrphanGroupRefs(ctx, []string{"g1", "g2"})
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if res.Updated != 0 || res.Removed != 0 {
		t.Errorf("expected clean second pass, got %+v", res)
	}
}
