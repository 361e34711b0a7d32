// ABOUTME: Migration engine upgrading on-disk stores across schema generations
// ABOUTME: Handles legacy single-account to current and v1 to v2 trust relocation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// migrate detects the on-disk generation and upgrades it in place. Any
// error aborts store construction; a partially migrated database has no
// recovery path other than recreating the store.
func (s *Store) migrate(ctx context.Context) error {
	hasVersion, err := tableExists(ctx, s.db, "store_version")
	if err != nil {
		return err
	}
	hasAccounts, err := tableExists(ctx, s.db, "accounts")
	if err != nil {
		return err
	}

	// A store predating versioning: account data present but no version
	// table to describe it.
	if !hasVersion && hasAccounts {
		if err := s.migrateFromLegacy(ctx); err != nil {
			return fmt.Errorf("upgrading legacy store: %w", err)
		}
	}

	version, err := s.loadOrSeedVersion(ctx)
	if err != nil {
		return err
	}

	if version < currentVersion {
		if version != 1 {
			return fmt.Errorf("unsupported store version %d", version)
		}
		if err := s.upgradeToV2(ctx); err != nil {
			return fmt.Errorf("upgrading store to v2: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, currentSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// loadOrSeedVersion reads the stored schema generation, seeding a fresh
// database at the current generation.
func (s *Store) loadOrSeedVersion(ctx context.Context) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS store_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`)
	if err != nil {
		return 0, fmt.Errorf("creating version table: %w", err)
	}

	var version int
	err = s.db.QueryRowContext(ctx, `SELECT version FROM store_version WHERE id = 1`).Scan(&version)
	if err == nil {
		return version, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("reading store version: %w", err)
	}

	if err := s.writeVersion(ctx, currentVersion); err != nil {
		return 0, err
	}
	return currentVersion, nil
}

func (s *Store) writeVersion(ctx context.Context, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_version (id, version) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version`,
		version)
	if err != nil {
		return fmt.Errorf("writing store version %d: %w", version, err)
	}
	return nil
}

// upgradeToV2 relocates trust classification into its own table. The v1
// device-key and trust shapes are structurally incompatible with v2, so
// they are dropped and recreated; prior trust classifications are
// discarded. This is documented, intentional data loss, not a bug.
func (s *Store) upgradeToV2(ctx context.Context) error {
	for _, table := range v1TrustTables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("dropping v1 table %s: %w", table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, currentSchema); err != nil {
		return fmt.Errorf("creating v2 schema: %w", err)
	}
	if err := s.writeVersion(ctx, 2); err != nil {
		return err
	}
	s.logger.Info("store upgraded", "version", 2)
	return nil
}

// legacyAccount carries one identity's data read out of a legacy store.
type legacyAccount struct {
	userID        id.UserID
	deviceID      id.DeviceID
	account       *OlmAccount
	sessions      map[id.Curve25519][]*Session
	groupSessions []*InboundGroupSession
	deviceKeys    DeviceKeyMap
}

// migrateFromLegacy upgrades a pre-versioning store in place: read every
// identity's data through the legacy shapes, drop the legacy tables, create
// the current schema, and re-insert through the normal write paths so the
// migrated rows pass the same validation as fresh writes.
//
// Legacy stores held no migratable encrypted-room or key-request data;
// those rows are dropped with the legacy tables (documented loss).
func (s *Store) migrateFromLegacy(ctx context.Context) error {
	identities, err := s.legacyIdentities(ctx)
	if err != nil {
		return err
	}

	accounts := make([]*legacyAccount, 0, len(identities))
	for _, acc := range identities {
		if err := s.readLegacyAccount(ctx, acc); err != nil {
			return err
		}
		accounts = append(accounts, acc)
	}

	for _, table := range legacyTables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("dropping legacy table %s: %w", table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, currentSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	// Re-insert each identity's data via the public write paths. The store
	// is temporarily rebound to each migrated identity and restored to the
	// caller-requested one afterwards.
	origUser, origDevice := s.userID, s.deviceID
	defer func() {
		s.userID, s.deviceID = origUser, origDevice
	}()

	for _, acc := range accounts {
		s.userID, s.deviceID = acc.userID, acc.deviceID

		if err := s.SaveAccount(ctx, acc.account); err != nil {
			return fmt.Errorf("migrating account %s/%s: %w", acc.userID, acc.deviceID, err)
		}
		for senderKey, sessions := range acc.sessions {
			for _, session := range sessions {
				if err := s.SaveSession(ctx, senderKey, session); err != nil {
					return fmt.Errorf("migrating session %s: %w", session.SessionID, err)
				}
			}
		}
		for _, group := range acc.groupSessions {
			if err := s.SaveInboundGroupSession(ctx, group); err != nil {
				return fmt.Errorf("migrating group session %s: %w", group.SessionID, err)
			}
		}
		if err := s.SaveDeviceKeys(ctx, acc.deviceKeys); err != nil {
			return fmt.Errorf("migrating device keys for %s/%s: %w", acc.userID, acc.deviceID, err)
		}
	}

	if err := s.writeVersion(ctx, currentVersion); err != nil {
		return err
	}

	s.logger.Info("legacy store migrated", "accounts", len(accounts))
	return nil
}

// legacyIdentities enumerates every (user, device) pair in the legacy
// accounts table. The legacy layout nominally held one account per file,
// but multiple logical rows are tolerated and migrated individually.
func (s *Store) legacyIdentities(ctx context.Context) ([]*legacyAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, device_id FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("querying legacy accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var identities []*legacyAccount
	for rows.Next() {
		acc := &legacyAccount{}
		if err := rows.Scan(&acc.userID, &acc.deviceID); err != nil {
			return nil, fmt.Errorf("scanning legacy account: %w", err)
		}
		identities = append(identities, acc)
	}
	return identities, rows.Err()
}

func (s *Store) readLegacyAccount(ctx context.Context, acc *legacyAccount) error {
	var shared bool
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT shared, account FROM accounts WHERE user_id = ? AND device_id = ?`,
		acc.userID, acc.deviceID,
	).Scan(&shared, &blob)
	if err != nil {
		return fmt.Errorf("reading legacy account %s/%s: %w", acc.userID, acc.deviceID, err)
	}
	key, err := s.codec.Open(blob)
	if err != nil {
		return fmt.Errorf("unsealing legacy account %s/%s: %w", acc.userID, acc.deviceID, err)
	}
	acc.account = &OlmAccount{Shared: shared, Key: key}

	if err := s.readLegacySessions(ctx, acc); err != nil {
		return err
	}
	if err := s.readLegacyGroupSessions(ctx, acc); err != nil {
		return err
	}
	return s.readLegacyDeviceKeys(ctx, acc)
}

func (s *Store) readLegacySessions(ctx context.Context, acc *legacyAccount) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT curve_key, session, session_id, creation_time
		 FROM olm_sessions WHERE device = ?`, acc.deviceID)
	if err != nil {
		return fmt.Errorf("querying legacy sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	acc.sessions = make(map[id.Curve25519][]*Session)
	for rows.Next() {
		var senderKey id.Curve25519
		var blob []byte
		var sessionID id.SessionID
		var createdAt string
		if err := rows.Scan(&senderKey, &blob, &sessionID, &createdAt); err != nil {
			return fmt.Errorf("scanning legacy session: %w", err)
		}
		key, err := s.codec.Open(blob)
		if err != nil {
			return fmt.Errorf("unsealing legacy session %s: %w", sessionID, err)
		}
		created, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return fmt.Errorf("parsing legacy session creation time: %w", err)
		}
		acc.sessions[senderKey] = append(acc.sessions[senderKey], &Session{
			SessionID:    sessionID,
			Key:          key,
			CreationTime: created,
			// The legacy schema tracked no last-used timestamp.
			LastUsed: created,
		})
	}
	return rows.Err()
}

func (s *Store) readLegacyGroupSessions(ctx context.Context, acc *legacyAccount) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, curve_key, ed_key, room_id, session
		 FROM megolm_inbound_sessions WHERE device = ?`, acc.deviceID)
	if err != nil {
		return fmt.Errorf("querying legacy group sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var group InboundGroupSession
		var blob []byte
		if err := rows.Scan(&group.SessionID, &group.SenderKey, &group.SigningKey, &group.RoomID, &blob); err != nil {
			return fmt.Errorf("scanning legacy group session: %w", err)
		}
		key, err := s.codec.Open(blob)
		if err != nil {
			return fmt.Errorf("unsealing legacy group session %s: %w", group.SessionID, err)
		}
		group.Key = key
		acc.groupSessions = append(acc.groupSessions, &group)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, group := range acc.groupSessions {
		chains, err := s.db.QueryContext(ctx,
			`SELECT curve_key FROM forwarded_chains WHERE session_id = ? ORDER BY id`,
			group.SessionID)
		if err != nil {
			return fmt.Errorf("querying legacy forwarded chains: %w", err)
		}
		for chains.Next() {
			var chainKey id.Curve25519
			if err := chains.Scan(&chainKey); err != nil {
				chains.Close()
				return fmt.Errorf("scanning legacy forwarded chain: %w", err)
			}
			group.ForwardingChain = append(group.ForwardingChain, chainKey)
		}
		if err := chains.Err(); err != nil {
			chains.Close()
			return err
		}
		chains.Close()
	}
	return nil
}

func (s *Store) readLegacyDeviceKeys(ctx context.Context, acc *legacyAccount) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_device_id, curve_key, ed_key, deleted
		 FROM device_keys WHERE device = ?`, acc.deviceID)
	if err != nil {
		return fmt.Errorf("querying legacy device keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	acc.deviceKeys = make(DeviceKeyMap)
	for rows.Next() {
		var device Device
		var curveKey, edKey string
		if err := rows.Scan(&device.UserID, &device.DeviceID, &curveKey, &edKey, &device.Deleted); err != nil {
			return fmt.Errorf("scanning legacy device key: %w", err)
		}
		device.Keys = map[id.KeyAlgorithm]string{
			id.KeyAlgorithmCurve25519: curveKey,
			id.KeyAlgorithmEd25519:    edKey,
		}
		if acc.deviceKeys[device.UserID] == nil {
			acc.deviceKeys[device.UserID] = make(map[id.DeviceID]*Device)
		}
		acc.deviceKeys[device.UserID][device.DeviceID] = &device
	}
	return rows.Err()
}
