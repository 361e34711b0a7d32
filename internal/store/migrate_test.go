// ABOUTME: Tests for on-disk schema upgrades at store open time
// ABOUTME: Covers legacy-to-current and v1-to-v2 migrations against real files

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/pickle"
)

const migrationPassphrase = "migration-pass"

// seedLegacyStore writes a pre-versioning database by hand, the way old
// clients left it on disk.
func seedLegacyStore(t *testing.T, dbPath string) {
	t.Helper()
	codec := pickle.NewPassphraseCodec(migrationPassphrase)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening raw database: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(legacySchema); err != nil {
		t.Fatalf("creating legacy schema: %v", err)
	}

	seal := func(plain string) []byte {
		blob, err := codec.Seal([]byte(plain))
		if err != nil {
			t.Fatalf("sealing %q: %v", plain, err)
		}
		return blob
	}

	if _, err := db.Exec(
		`INSERT INTO accounts (user_id, device_id, shared, account) VALUES (?, ?, ?, ?)`,
		"@alice:example.org", "DEVICEA", 1, seal("account-secret")); err != nil {
		t.Fatalf("inserting legacy account: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO olm_sessions (session_id, device, curve_key, session, creation_time)
		 VALUES (?, ?, ?, ?, ?)`,
		"sess1", "DEVICEA", "curveA", seal("olm-pickle"), "2023-06-01T10:00:00Z"); err != nil {
		t.Fatalf("inserting legacy session: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO megolm_inbound_sessions (session_id, device, curve_key, ed_key, room_id, session)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"megolm1", "DEVICEA", "curveA", "edA", "!room:example.org", seal("megolm-pickle")); err != nil {
		t.Fatalf("inserting legacy group session: %v", err)
	}
	for _, hop := range []string{"hop1", "hop2"} {
		if _, err := db.Exec(
			`INSERT INTO forwarded_chains (session_id, curve_key) VALUES (?, ?)`,
			"megolm1", hop); err != nil {
			t.Fatalf("inserting legacy chain entry: %v", err)
		}
	}
	if _, err := db.Exec(
		`INSERT INTO device_keys (device, user_id, user_device_id, curve_key, ed_key, deleted)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"DEVICEA", "@bob:example.org", "BOBDEV", "curve-bob", "ed-bob", 0); err != nil {
		t.Fatalf("inserting legacy device key: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO encrypted_rooms (room_id, device) VALUES (?, ?)`,
		"!room:example.org", "DEVICEA"); err != nil {
		t.Fatalf("inserting legacy room: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO outgoing_key_requests (request_id, device, session_id, room_id, algorithm)
		 VALUES (?, ?, ?, ?, ?)`,
		"req1", "DEVICEA", "megolm1", "!room:example.org", "m.megolm.v1.aes-sha2"); err != nil {
		t.Fatalf("inserting legacy key request: %v", err)
	}
}

func storedVersion(t *testing.T, s *Store) int {
	t.Helper()
	var version int
	err := s.db.QueryRow(`SELECT version FROM store_version WHERE id = 1`).Scan(&version)
	if err != nil {
		t.Fatalf("reading store version: %v", err)
	}
	return version
}

func TestMigrateFromLegacy(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()
	seedLegacyStore(t, filepath.Join(tmpDir, "legacy.db"))

	s, err := NewSQLiteStore(testUser, testDevice, tmpDir, Options{
		DatabaseName: "legacy.db",
		Passphrase:   migrationPassphrase,
	})
	if err != nil {
		t.Fatalf("opening legacy store failed: %v", err)
	}
	defer s.Close()

	if got := storedVersion(t, s); got != currentVersion {
		t.Errorf("store version: got %d, want %d", got, currentVersion)
	}

	account, err := s.LoadAccount(ctx)
	if err != nil {
		t.Fatalf("LoadAccount failed: %v", err)
	}
	if account == nil {
		t.Fatal("account lost in migration")
	}
	if !account.Shared || string(account.Key) != "account-secret" {
		t.Errorf("account fields mismatch: shared=%v key=%q", account.Shared, account.Key)
	}

	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	if len(sessions["curveA"]) != 1 {
		t.Fatalf("expected 1 session for curveA, got %d", len(sessions["curveA"]))
	}
	session := sessions["curveA"][0]
	if session.SessionID != "sess1" || string(session.Key) != "olm-pickle" {
		t.Errorf("session mismatch: %+v", session)
	}
	// Legacy stores had no last-used column; migration seeds it from the
	// creation time.
	if !session.LastUsed.Equal(session.CreationTime) {
		t.Errorf("last used should equal creation time, got %v vs %v",
			session.LastUsed, session.CreationTime)
	}

	groups, err := s.LoadInboundGroupSessions(ctx)
	if err != nil {
		t.Fatalf("LoadInboundGroupSessions failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group session, got %d", len(groups))
	}
	if string(groups[0].Key) != "megolm-pickle" {
		t.Errorf("group session blob mismatch: got %q", groups[0].Key)
	}
	if len(groups[0].ForwardingChain) != 2 {
		t.Errorf("forwarding chain lost: %v", groups[0].ForwardingChain)
	}

	devices, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		t.Fatalf("LoadDeviceKeys failed: %v", err)
	}
	bob := devices["@bob:example.org"]["BOBDEV"]
	if bob == nil {
		t.Fatal("device keys lost in migration")
	}
	if bob.IdentityKey() != "curve-bob" || bob.SigningKey() != "ed-bob" {
		t.Errorf("device key fields mismatch: %+v", bob)
	}

	// Room markers and key requests are not carried across the legacy
	// migration.
	rooms, err := s.LoadEncryptedRooms(ctx)
	if err != nil {
		t.Fatalf("LoadEncryptedRooms failed: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("expected no rooms after migration, got %v", rooms)
	}
	requests, err := s.LoadOutgoingKeyRequests(ctx)
	if err != nil {
		t.Fatalf("LoadOutgoingKeyRequests failed: %v", err)
	}
	if len(requests) != 0 {
		t.Errorf("expected no key requests after migration, got %v", requests)
	}
}

func TestMigrateFromLegacy_MultipleIdentities(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()
	dbPath := filepath.Join(tmpDir, "legacy.db")
	seedLegacyStore(t, dbPath)

	codec := pickle.NewPassphraseCodec(migrationPassphrase)
	blob, err := codec.Seal([]byte("bob-account"))
	if err != nil {
		t.Fatalf("sealing second account: %v", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening raw database: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO accounts (user_id, device_id, shared, account) VALUES (?, ?, ?, ?)`,
		"@bob:example.org", "DEVICEB", 0, blob); err != nil {
		t.Fatalf("inserting second legacy account: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing raw database: %v", err)
	}

	s, err := NewSQLiteStore("@bob:example.org", "DEVICEB", tmpDir, Options{
		DatabaseName: "legacy.db",
		Passphrase:   migrationPassphrase,
	})
	if err != nil {
		t.Fatalf("opening legacy store failed: %v", err)
	}
	defer s.Close()

	account, err := s.LoadAccount(ctx)
	if err != nil {
		t.Fatalf("LoadAccount failed: %v", err)
	}
	if account == nil || string(account.Key) != "bob-account" {
		t.Fatalf("second identity's account not migrated: %+v", account)
	}

	// The first identity's data must also survive, under its own scope.
	var aliceAccounts int
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM accounts WHERE user_id = ?`, "@alice:example.org",
	).Scan(&aliceAccounts)
	if err != nil {
		t.Fatalf("counting migrated accounts: %v", err)
	}
	if aliceAccounts != 1 {
		t.Errorf("expected alice's account to survive, found %d rows", aliceAccounts)
	}
}

func TestMigrateV1ToV2_DropsTrustAndDeviceKeys(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()
	dbPath := filepath.Join(tmpDir, "v1.db")

	codec := pickle.NewPassphraseCodec(migrationPassphrase)
	blob, err := codec.Seal([]byte("account-secret"))
	if err != nil {
		t.Fatalf("sealing account: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening raw database: %v", err)
	}
	if _, err := db.Exec(currentSchema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO store_version (id, version) VALUES (1, 1)`); err != nil {
		t.Fatalf("writing v1 marker: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO accounts (user_id, device_id, shared, account) VALUES (?, ?, ?, ?)`,
		"@alice:example.org", "DEVICEA", 0, blob); err != nil {
		t.Fatalf("inserting account: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO device_keys (account_id, user_id, device_id) VALUES (1, ?, ?)`,
		"@bob:example.org", "BOBDEV"); err != nil {
		t.Fatalf("inserting device key: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO device_trust_state (device_id, state) VALUES (1, ?)`,
		TrustVerified); err != nil {
		t.Fatalf("inserting trust row: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing raw database: %v", err)
	}

	s, err := NewSQLiteStore(testUser, testDevice, tmpDir, Options{
		DatabaseName: "v1.db",
		Passphrase:   migrationPassphrase,
	})
	if err != nil {
		t.Fatalf("opening v1 store failed: %v", err)
	}
	defer s.Close()

	if got := storedVersion(t, s); got != 2 {
		t.Errorf("store version: got %d, want 2", got)
	}

	// The account survives the upgrade.
	account, err := s.LoadAccount(ctx)
	if err != nil {
		t.Fatalf("LoadAccount failed: %v", err)
	}
	if account == nil || string(account.Key) != "account-secret" {
		t.Fatalf("account lost in v1 upgrade: %+v", account)
	}

	// Device keys and trust classifications do not.
	devices, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		t.Fatalf("LoadDeviceKeys failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected device keys dropped, got %v", devices)
	}
	bob := testDeviceRecord("@bob:example.org", "BOBDEV")
	verified, err := s.IsDeviceVerified(ctx, bob)
	if err != nil {
		t.Fatalf("IsDeviceVerified failed: %v", err)
	}
	if verified {
		t.Error("trust classification should be discarded by the v1 upgrade")
	}
}

func TestFreshStoreSeedsCurrentVersion(t *testing.T) {
	s := newTestStore(t)

	if got := storedVersion(t, s); got != currentVersion {
		t.Errorf("fresh store version: got %d, want %d", got, currentVersion)
	}
}

func TestMigratedStoreAcceptsNewWrites(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()
	seedLegacyStore(t, filepath.Join(tmpDir, "legacy.db"))

	s, err := NewSQLiteStore(testUser, testDevice, tmpDir, Options{
		DatabaseName: "legacy.db",
		Passphrase:   migrationPassphrase,
	})
	if err != nil {
		t.Fatalf("opening legacy store failed: %v", err)
	}
	defer s.Close()

	if err := s.SaveEncryptedRooms(ctx, []id.RoomID{"!new:example.org"}); err != nil {
		t.Fatalf("SaveEncryptedRooms after migration failed: %v", err)
	}
	rooms, err := s.LoadEncryptedRooms(ctx)
	if err != nil {
		t.Fatalf("LoadEncryptedRooms failed: %v", err)
	}
	if !rooms["!new:example.org"] {
		t.Error("post-migration write not visible")
	}
}
