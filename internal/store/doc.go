// Package store persists the end-to-end encryption state of one Matrix
// client device using SQLite.
//
// # Architecture
//
// A Store is bound to a single (user id, device id) identity at
// construction; every read and write is scoped to that identity's account
// row. Secret material (the Olm account, Olm sessions, Megolm inbound
// sessions) is sealed with a passphrase-derived key before it touches
// disk; everything else is stored in the clear.
//
// Three constructors cover the supported layouts:
//
//   - NewDefaultStore: SQLite database plus flat key-set files for trust
//   - NewSQLiteStore: everything, trust included, in the database
//   - NewMemoryStore: ephemeral :memory: database for tests
//
// # Data Models
//
//   - OlmAccount: the device's own long-term key material
//   - Session: a pairwise Olm session, keyed by sender key
//   - InboundGroupSession: a received Megolm session with forwarding chain
//   - Device: a peer device key record with its key map
//   - OutgoingKeyRequest: an in-flight room key request
//
// # Trust
//
// Devices carry a single TrustState (unset, verified, blacklisted, or
// ignored); setting any state clears the others. The TrustBackend
// interface abstracts where classifications live: sqliteTrust keeps one
// row per device record, keysetTrust keeps three flat files next to the
// database.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA secure_delete=ON;
//
// # Error Handling
//
// Common errors:
//
//   - ErrAccountNotFound: a mutation ran before SaveAccount
//   - ErrDeviceNotFound: a trust mutation targets an unknown device
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// The on-disk schema is versioned through the store_version table.
// Opening a store detects the resident generation (including the
// pre-versioning legacy layout) and upgrades it in place before first
// use. Upgrading from v1 discards stored device keys and trust state;
// upgrading from legacy preserves accounts, sessions, and group sessions
// but not encrypted-room markers or key requests.
package store
