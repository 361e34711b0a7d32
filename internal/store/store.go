// ABOUTME: Model types and errors for the crypto session store
// ABOUTME: Defines accounts, sessions, devices, key requests, and trust states

package store

import (
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

// ErrAccountNotFound is returned by mutations that require the bound
// account to have been saved first. Callers must SaveAccount before
// attaching sessions, device keys, rooms, or key requests to it.
var ErrAccountNotFound = errors.New("account not saved for this identity")

// ErrDeviceNotFound is returned when a trust mutation targets a device
// with no stored device key record.
var ErrDeviceNotFound = errors.New("no key record for device")

// OlmAccount is the account's own long-term key material. Key holds the
// live secret; it is sealed by the codec before touching disk.
type OlmAccount struct {
	Shared bool
	Key    []byte
}

// Session is a pairwise Olm session. Multiple sessions may coexist for the
// same sender key; they are distinguished by SessionID.
type Session struct {
	SessionID    id.SessionID
	Key          []byte
	CreationTime time.Time
	LastUsed     time.Time
}

// InboundGroupSession is a received Megolm session together with the chain
// of curve25519 keys it was forwarded through.
type InboundGroupSession struct {
	SessionID       id.SessionID
	SenderKey       id.Curve25519
	SigningKey      id.Ed25519
	RoomID          id.RoomID
	Key             []byte
	ForwardingChain []id.Curve25519
}

// Device is a peer device key record.
type Device struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	Keys        map[id.KeyAlgorithm]string
	DisplayName string
	Deleted     bool
}

// IdentityKey returns the device's curve25519 key, if present.
func (d *Device) IdentityKey() id.Curve25519 {
	return id.Curve25519(d.Keys[id.KeyAlgorithmCurve25519])
}

// SigningKey returns the device's ed25519 fingerprint key, if present.
func (d *Device) SigningKey() id.Ed25519 {
	return id.Ed25519(d.Keys[id.KeyAlgorithmEd25519])
}

// OutgoingKeyRequest tracks a room key request that has been sent but not
// yet satisfied or cancelled.
type OutgoingKeyRequest struct {
	RequestID string
	SessionID id.SessionID
	RoomID    id.RoomID
	Algorithm id.Algorithm
}

// DeviceKeyMap is the two-level mapping used for bulk device key saves:
// peer user id -> peer device id -> device record.
type DeviceKeyMap = map[id.UserID]map[id.DeviceID]*Device
