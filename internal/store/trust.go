// ABOUTME: Device trust state machine over pluggable storage backends
// ABOUTME: Enforces mutual exclusion between verified, blacklisted, and ignored

package store

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// TrustState classifies a peer device. A device holds exactly one state at
// a time; entering any non-unset state clears the others.
type TrustState int

const (
	TrustUnset TrustState = iota
	TrustVerified
	TrustBlacklisted
	TrustIgnored
)

func (t TrustState) String() string {
	switch t {
	case TrustUnset:
		return "unset"
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	case TrustIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// TrustBackend stores trust classifications. Implementations must make
// SetState exclusive: after SetState(d, s) the device's state is s and
// nothing else. The fingerprint identifies the device for backends that
// key by public key rather than by database row.
type TrustBackend interface {
	State(ctx context.Context, userID id.UserID, deviceID id.DeviceID, fingerprint id.Ed25519) (TrustState, error)
	SetState(ctx context.Context, userID id.UserID, deviceID id.DeviceID, fingerprint id.Ed25519, state TrustState) error
}

// VerifyDevice marks a device as verified. It reports whether the state
// changed; verifying an already-verified device returns false.
func (s *Store) VerifyDevice(ctx context.Context, device *Device) (bool, error) {
	return s.setTrust(ctx, device, TrustVerified)
}

// UnverifyDevice clears a verified mark. It reports whether the device
// was verified before the call.
func (s *Store) UnverifyDevice(ctx context.Context, device *Device) (bool, error) {
	return s.clearTrust(ctx, device, TrustVerified)
}

// BlacklistDevice marks a device as blacklisted, reporting change.
func (s *Store) BlacklistDevice(ctx context.Context, device *Device) (bool, error) {
	return s.setTrust(ctx, device, TrustBlacklisted)
}

// UnblacklistDevice clears a blacklist mark, reporting change.
func (s *Store) UnblacklistDevice(ctx context.Context, device *Device) (bool, error) {
	return s.clearTrust(ctx, device, TrustBlacklisted)
}

// IgnoreDevice marks a device as ignored, reporting change.
func (s *Store) IgnoreDevice(ctx context.Context, device *Device) (bool, error) {
	return s.setTrust(ctx, device, TrustIgnored)
}

// UnignoreDevice clears an ignore mark, reporting change.
func (s *Store) UnignoreDevice(ctx context.Context, device *Device) (bool, error) {
	return s.clearTrust(ctx, device, TrustIgnored)
}

// IsDeviceVerified reports whether the device is currently verified.
func (s *Store) IsDeviceVerified(ctx context.Context, device *Device) (bool, error) {
	return s.inTrustState(ctx, device, TrustVerified)
}

// IsDeviceBlacklisted reports whether the device is currently blacklisted.
func (s *Store) IsDeviceBlacklisted(ctx context.Context, device *Device) (bool, error) {
	return s.inTrustState(ctx, device, TrustBlacklisted)
}

// IsDeviceIgnored reports whether the device is currently ignored.
func (s *Store) IsDeviceIgnored(ctx context.Context, device *Device) (bool, error) {
	return s.inTrustState(ctx, device, TrustIgnored)
}

func (s *Store) setTrust(ctx context.Context, device *Device, state TrustState) (bool, error) {
	current, err := s.trust.State(ctx, device.UserID, device.DeviceID, device.SigningKey())
	if err != nil {
		return false, err
	}
	if current == state {
		return false, nil
	}
	if err := s.trust.SetState(ctx, device.UserID, device.DeviceID, device.SigningKey(), state); err != nil {
		return false, err
	}
	s.logger.Info("device trust changed",
		"user_id", device.UserID, "device_id", device.DeviceID,
		"from", current, "to", state)
	return true, nil
}

// clearTrust resets a device to unset, but only out of the given state:
// unblacklisting a verified device must not disturb its verification.
func (s *Store) clearTrust(ctx context.Context, device *Device, from TrustState) (bool, error) {
	current, err := s.trust.State(ctx, device.UserID, device.DeviceID, device.SigningKey())
	if err != nil {
		return false, err
	}
	if current != from {
		return false, nil
	}
	if err := s.trust.SetState(ctx, device.UserID, device.DeviceID, device.SigningKey(), TrustUnset); err != nil {
		return false, err
	}
	s.logger.Info("device trust cleared",
		"user_id", device.UserID, "device_id", device.DeviceID, "from", from)
	return true, nil
}

func (s *Store) inTrustState(ctx context.Context, device *Device, state TrustState) (bool, error) {
	current, err := s.trust.State(ctx, device.UserID, device.DeviceID, device.SigningKey())
	if err != nil {
		return false, err
	}
	return current == state, nil
}
