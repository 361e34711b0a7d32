// ABOUTME: Tests for peer device key persistence
// ABOUTME: Covers round-trips, in-place updates, and batches past the chunk size

package store

import (
	"context"
	"fmt"
	"testing"

	"maunium.net/go/mautrix/id"
)

func testDeviceRecord(userID id.UserID, deviceID id.DeviceID) *Device {
	return &Device{
		UserID:   userID,
		DeviceID: deviceID,
		Keys: map[id.KeyAlgorithm]string{
			id.KeyAlgorithmCurve25519: "curve-" + string(deviceID),
			id.KeyAlgorithmEd25519:    "ed-" + string(deviceID),
		},
		DisplayName: "Phone",
	}
}

func deviceMapOf(devices ...*Device) DeviceKeyMap {
	m := make(DeviceKeyMap)
	for _, d := range devices {
		if m[d.UserID] == nil {
			m[d.UserID] = make(map[id.DeviceID]*Device)
		}
		m[d.UserID][d.DeviceID] = d
	}
	return m
}

func TestSaveDeviceKeys_RequiresAccount(t *testing.T) {
	s := newTestStore(t)

	err := s.SaveDeviceKeys(context.Background(), deviceMapOf(testDeviceRecord("@bob:example.org", "BOBDEV")))
	if err != ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDeviceKeys_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestAccount(t, s)

	bob := testDeviceRecord("@bob:example.org", "BOBDEV")
	carol := testDeviceRecord("@carol:example.org", "CARDEV")
	if err := s.SaveDeviceKeys(ctx, deviceMapOf(bob, carol)); err != nil {
		t.Fatalf("SaveDeviceKeys failed: %v", err)
	}

	loaded, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		t.Fatalf("LoadDeviceKeys failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 users, got %d", len(loaded))
	}

	got := loaded["@bob:example.org"]["BOBDEV"]
	if got == nil {
		t.Fatal("bob's device missing")
	}
	if got.DisplayName != "Phone" {
		t.Errorf("display name mismatch: got %q", got.DisplayName)
	}
	if got.IdentityKey() != "curve-BOBDEV" {
		t.Errorf("identity key mismatch: got %q", got.IdentityKey())
	}
	if got.SigningKey() != "ed-BOBDEV" {
		t.Errorf("signing key mismatch: got %q", got.SigningKey())
	}
	if got.Deleted {
		t.Error("device unexpectedly marked deleted")
	}
}

func TestSaveDeviceKeys_UpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestAccount(t, s)

	bob := testDeviceRecord("@bob:example.org", "BOBDEV")
	if err := s.SaveDeviceKeys(ctx, deviceMapOf(bob)); err != nil {
		t.Fatalf("SaveDeviceKeys failed: %v", err)
	}

	bob.DisplayName = "Tablet"
	bob.Deleted = true
	bob.Keys[id.KeyAlgorithmCurve25519] = "curve-rotated"
	if err := s.SaveDeviceKeys(ctx, deviceMapOf(bob)); err != nil {
		t.Fatalf("re-saving device keys failed: %v", err)
	}

	loaded, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		t.Fatalf("LoadDeviceKeys failed: %v", err)
	}
	got := loaded["@bob:example.org"]["BOBDEV"]
	if got == nil {
		t.Fatal("bob's device missing")
	}
	if got.DisplayName != "Tablet" {
		t.Errorf("display name not updated: got %q", got.DisplayName)
	}
	if !got.Deleted {
		t.Error("deleted flag not updated")
	}
	if got.IdentityKey() != "curve-rotated" {
		t.Errorf("rotated key not stored: got %q", got.IdentityKey())
	}
	if got.SigningKey() != "ed-BOBDEV" {
		t.Errorf("untouched key lost: got %q", got.SigningKey())
	}
}

func TestSaveDeviceKeys_EmptyBatch(t *testing.T) {
	s := newTestStore(t)
	saveTestAccount(t, s)

	if err := s.SaveDeviceKeys(context.Background(), DeviceKeyMap{}); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestSaveDeviceKeys_LargeBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestAccount(t, s)

	// Past two chunk boundaries.
	const total = 250
	batch := make(DeviceKeyMap)
	for i := 0; i < total; i++ {
		d := testDeviceRecord(id.UserID(fmt.Sprintf("@user%d:example.org", i)), id.DeviceID(fmt.Sprintf("DEV%04d", i)))
		batch[d.UserID] = map[id.DeviceID]*Device{d.DeviceID: d}
	}
	if err := s.SaveDeviceKeys(ctx, batch); err != nil {
		t.Fatalf("SaveDeviceKeys failed: %v", err)
	}

	loaded, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		t.Fatalf("LoadDeviceKeys failed: %v", err)
	}
	if len(loaded) != total {
		t.Errorf("expected %d users, got %d", total, len(loaded))
	}
}
