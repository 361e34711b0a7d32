// ABOUTME: Schema registry for the store's on-disk generations
// ABOUTME: Declares table sets for legacy, v1, and v2 and the current version

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// currentVersion is the schema generation this build writes. Bumping it is
// what triggers future migrations at open time.
const currentVersion = 2

// Chunk sizes for bulk inserts, bounded by SQLite's per-statement
// parameter limit.
const (
	deviceKeyChunkSize = 100
	roomChunkSize      = 400
)

// currentSchema creates every table of the current (v2) generation. All
// statements are IF NOT EXISTS so re-running against a migrated database
// is harmless.
const currentSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		shared INTEGER NOT NULL DEFAULT 0,
		account BLOB NOT NULL,
		UNIQUE (user_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS olm_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		sender_key TEXT NOT NULL,
		session BLOB NOT NULL,
		session_id TEXT NOT NULL UNIQUE,
		creation_time TEXT NOT NULL,
		last_usage_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_olm_sessions_account
		ON olm_sessions(account_id);

	CREATE TABLE IF NOT EXISTS megolm_inbound_sessions (
		session_id TEXT PRIMARY KEY,
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		sender_key TEXT NOT NULL,
		fp_key TEXT NOT NULL,
		room_id TEXT NOT NULL,
		session BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_megolm_account
		ON megolm_inbound_sessions(account_id);

	CREATE TABLE IF NOT EXISTS forwarded_chains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL
			REFERENCES megolm_inbound_sessions(session_id) ON DELETE CASCADE,
		sender_key TEXT NOT NULL,
		UNIQUE (session_id, sender_key)
	);

	CREATE TABLE IF NOT EXISTS device_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (account_id, user_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES device_keys(id) ON DELETE CASCADE,
		key_type TEXT NOT NULL,
		key TEXT NOT NULL,
		UNIQUE (device_id, key_type)
	);

	CREATE TABLE IF NOT EXISTS device_trust_state (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL UNIQUE
			REFERENCES device_keys(id) ON DELETE CASCADE,
		state INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS encrypted_rooms (
		room_id TEXT NOT NULL,
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		UNIQUE (room_id, account_id)
	);

	CREATE TABLE IF NOT EXISTS outgoing_key_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		UNIQUE (account_id, request_id)
	);

	CREATE TABLE IF NOT EXISTS store_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	);
`

// legacySchema is the pre-versioning single-account layout. The tables
// share names with the current generation but are keyed by bare device id
// instead of an account row. Only tests and the migration engine touch it.
const legacySchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL UNIQUE,
		shared INTEGER NOT NULL DEFAULT 0,
		account BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS olm_sessions (
		session_id TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		curve_key TEXT NOT NULL,
		session BLOB NOT NULL,
		creation_time TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS megolm_inbound_sessions (
		session_id TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		curve_key TEXT NOT NULL,
		ed_key TEXT NOT NULL,
		room_id TEXT NOT NULL,
		session BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS forwarded_chains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL
			REFERENCES megolm_inbound_sessions(session_id) ON DELETE CASCADE,
		curve_key TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_device_id TEXT NOT NULL,
		curve_key TEXT NOT NULL,
		ed_key TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (device, user_id, user_device_id)
	);

	CREATE TABLE IF NOT EXISTS encrypted_rooms (
		room_id TEXT NOT NULL,
		device TEXT NOT NULL,
		UNIQUE (room_id, device)
	);

	CREATE TABLE IF NOT EXISTS outgoing_key_requests (
		request_id TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		session_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		algorithm TEXT NOT NULL
	);
`

// legacyTables lists every table of the legacy generation, dropped as a
// unit during migration.
var legacyTables = []string{
	"accounts",
	"olm_sessions",
	"megolm_inbound_sessions",
	"forwarded_chains",
	"device_keys",
	"encrypted_rooms",
	"outgoing_key_requests",
}

// v1TrustTables are the v1-generation tables whose shapes diverged in v2.
// The v1 -> v2 migration drops and recreates them, discarding prior trust
// classifications (documented, intentional loss).
var v1TrustTables = []string{
	"device_trust_state",
	"keys",
	"device_keys",
}

// tableExists reports whether a table is present in the database.
func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing for table %s: %w", name, err)
	}
	return true, nil
}
