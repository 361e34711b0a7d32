// ABOUTME: Account, Olm session, and Megolm inbound session persistence
// ABOUTME: Implements upsert-by-identity and replace-by-session-id write paths

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// LoadAccount returns the bound identity's account, or nil if it was never
// saved.
func (s *Store) LoadAccount(ctx context.Context) (*OlmAccount, error) {
	var shared bool
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT shared, account FROM accounts WHERE user_id = ? AND device_id = ?`,
		s.userID, s.deviceID,
	).Scan(&shared, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	key, err := s.codec.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("unsealing account: %w", err)
	}
	return &OlmAccount{Shared: shared, Key: key}, nil
}

// SaveAccount upserts the account by identity. The insert's conflict target
// (user_id, device_id) differs from the fields that need refreshing, so the
// write is insert-or-ignore followed by an unconditional update.
func (s *Store) SaveAccount(ctx context.Context, account *OlmAccount) error {
	blob, err := s.codec.Seal(account.Key)
	if err != nil {
		return fmt.Errorf("sealing account: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, device_id, shared, account)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO NOTHING`,
		s.userID, s.deviceID, account.Shared, blob)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE accounts SET account = ?, shared = ?
		WHERE user_id = ? AND device_id = ?`,
		blob, account.Shared, s.userID, s.deviceID)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}

	s.logger.Debug("saved account", "user_id", s.userID, "device_id", s.deviceID)
	return nil
}

// LoadSessions returns every Olm session for the bound account, keyed by
// the partner's sender key. An unsaved account yields an empty map.
func (s *Store) LoadSessions(ctx context.Context) (map[id.Curve25519][]*Session, error) {
	sessions := make(map[id.Curve25519][]*Session)

	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return sessions, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_key, session, session_id, creation_time, last_usage_date
		FROM olm_sessions WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var senderKey id.Curve25519
		var blob []byte
		var session Session
		var createdAt, lastUsed string
		if err := rows.Scan(&senderKey, &blob, &session.SessionID, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}

		session.Key, err = s.codec.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("unsealing session %s: %w", session.SessionID, err)
		}
		session.CreationTime, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing creation_time: %w", err)
		}
		session.LastUsed, err = time.Parse(time.RFC3339, lastUsed)
		if err != nil {
			return nil, fmt.Errorf("parsing last_usage_date: %w", err)
		}

		sessions[senderKey] = append(sessions[senderKey], &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// SaveSession stores an Olm session, replacing any existing row with the
// same session id. Sessions with distinct ids for the same sender key
// coexist; ranking and expiry are the caller's concern.
func (s *Store) SaveSession(ctx context.Context, senderKey id.Curve25519, session *Session) error {
	accountID, err := s.requireAccountID(ctx)
	if err != nil {
		return err
	}

	blob, err := s.codec.Seal(session.Key)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO olm_sessions
			(account_id, sender_key, session, session_id, creation_time, last_usage_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			account_id = excluded.account_id,
			sender_key = excluded.sender_key,
			session = excluded.session,
			creation_time = excluded.creation_time,
			last_usage_date = excluded.last_usage_date`,
		accountID, senderKey, blob, session.SessionID,
		session.CreationTime.UTC().Format(time.RFC3339),
		session.LastUsed.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("saved session", "session_id", session.SessionID, "sender_key", senderKey)
	return nil
}

// LoadInboundGroupSessions returns every Megolm inbound session for the
// bound account, forwarding chains included.
func (s *Store) LoadInboundGroupSessions(ctx context.Context) ([]*InboundGroupSession, error) {
	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sender_key, fp_key, room_id, session
		FROM megolm_inbound_sessions WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying group sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*InboundGroupSession
	for rows.Next() {
		var group InboundGroupSession
		var blob []byte
		if err := rows.Scan(&group.SessionID, &group.SenderKey, &group.SigningKey, &group.RoomID, &blob); err != nil {
			return nil, fmt.Errorf("scanning group session row: %w", err)
		}
		group.Key, err = s.codec.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("unsealing group session %s: %w", group.SessionID, err)
		}
		sessions = append(sessions, &group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group session rows: %w", err)
	}

	for _, group := range sessions {
		group.ForwardingChain, err = s.loadForwardingChain(ctx, group.SessionID)
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *Store) loadForwardingChain(ctx context.Context, sessionID id.SessionID) ([]id.Curve25519, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_key FROM forwarded_chains WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying forwarding chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chain []id.Curve25519
	for rows.Next() {
		var key id.Curve25519
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning forwarding chain row: %w", err)
		}
		chain = append(chain, key)
	}
	return chain, rows.Err()
}

// SaveInboundGroupSession stores a Megolm inbound session: insert the row
// if absent, refresh its sealed state unconditionally, then write the
// forwarding chain the caller currently holds. Chain entries are replaced
// per (session, chain key); entries from an earlier save that the new chain
// omits are left in place rather than pruned.
func (s *Store) SaveInboundGroupSession(ctx context.Context, session *InboundGroupSession) error {
	accountID, err := s.requireAccountID(ctx)
	if err != nil {
		return err
	}

	blob, err := s.codec.Seal(session.Key)
	if err != nil {
		return fmt.Errorf("sealing group session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO megolm_inbound_sessions
			(session_id, account_id, sender_key, fp_key, room_id, session)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		session.SessionID, accountID, session.SenderKey, session.SigningKey,
		session.RoomID, blob)
	if err != nil {
		return fmt.Errorf("inserting group session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE megolm_inbound_sessions SET session = ? WHERE session_id = ?`,
		blob, session.SessionID)
	if err != nil {
		return fmt.Errorf("updating group session: %w", err)
	}

	for _, chainKey := range session.ForwardingChain {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO forwarded_chains (session_id, sender_key)
			VALUES (?, ?)
			ON CONFLICT (session_id, sender_key) DO NOTHING`,
			session.SessionID, chainKey)
		if err != nil {
			return fmt.Errorf("saving forwarding chain entry: %w", err)
		}
	}

	s.logger.Debug("saved group session", "session_id", session.SessionID, "room_id", session.RoomID)
	return nil
}
