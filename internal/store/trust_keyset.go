// ABOUTME: File-backed trust backend using one key-set file per classification
// ABOUTME: Mutual exclusion is enforced by removing the key from sibling sets

package store

import (
	"context"
	"fmt"
	"path/filepath"

	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/keyset"
)

// keysetTrust stores trust state as membership in three flat files next to
// the database, named {user_id}_{device_id}.{classification}_devices. A
// device is in at most one set; moving between states removes it from the
// others before adding it to the target.
type keysetTrust struct {
	verified    *keyset.KeySet
	blacklisted *keyset.KeySet
	ignored     *keyset.KeySet
}

func newKeysetTrust(storePath string, userID id.UserID, deviceID id.DeviceID) (*keysetTrust, error) {
	prefix := fmt.Sprintf("%s_%s", userID, deviceID)

	verified, err := keyset.Load(filepath.Join(storePath, prefix+".trusted_devices"))
	if err != nil {
		return nil, fmt.Errorf("loading trusted devices: %w", err)
	}
	blacklisted, err := keyset.Load(filepath.Join(storePath, prefix+".blacklisted_devices"))
	if err != nil {
		return nil, fmt.Errorf("loading blacklisted devices: %w", err)
	}
	ignored, err := keyset.Load(filepath.Join(storePath, prefix+".ignored_devices"))
	if err != nil {
		return nil, fmt.Errorf("loading ignored devices: %w", err)
	}

	return &keysetTrust{
		verified:    verified,
		blacklisted: blacklisted,
		ignored:     ignored,
	}, nil
}

func (t *keysetTrust) set(state TrustState) *keyset.KeySet {
	switch state {
	case TrustVerified:
		return t.verified
	case TrustBlacklisted:
		return t.blacklisted
	case TrustIgnored:
		return t.ignored
	default:
		return nil
	}
}

func (t *keysetTrust) State(_ context.Context, userID id.UserID, deviceID id.DeviceID, fingerprint id.Ed25519) (TrustState, error) {
	key := keyset.Key{
		UserID:      string(userID),
		DeviceID:    string(deviceID),
		Fingerprint: string(fingerprint),
	}
	switch {
	case t.verified.Contains(key):
		return TrustVerified, nil
	case t.blacklisted.Contains(key):
		return TrustBlacklisted, nil
	case t.ignored.Contains(key):
		return TrustIgnored, nil
	default:
		return TrustUnset, nil
	}
}

func (t *keysetTrust) SetState(_ context.Context, userID id.UserID, deviceID id.DeviceID, fingerprint id.Ed25519, state TrustState) error {
	key := keyset.Key{
		UserID:      string(userID),
		DeviceID:    string(deviceID),
		Fingerprint: string(fingerprint),
	}

	for _, other := range []TrustState{TrustVerified, TrustBlacklisted, TrustIgnored} {
		if other == state {
			continue
		}
		if _, err := t.set(other).Remove(key); err != nil {
			return fmt.Errorf("clearing %s state: %w", other, err)
		}
	}
	if state == TrustUnset {
		return nil
	}
	if _, err := t.set(state).Add(key); err != nil {
		return fmt.Errorf("recording %s state: %w", state, err)
	}
	return nil
}
