// ABOUTME: Encrypted room markers and outgoing key request tracking
// ABOUTME: Room saves run in chunked insert-or-ignore batches

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// LoadEncryptedRooms returns the set of rooms the bound account has
// recorded as encrypted.
func (s *Store) LoadEncryptedRooms(ctx context.Context) (map[id.RoomID]bool, error) {
	rooms := make(map[id.RoomID]bool)

	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rooms, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM encrypted_rooms WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying encrypted rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var roomID id.RoomID
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scanning encrypted room row: %w", err)
		}
		rooms[roomID] = true
	}
	return rooms, rows.Err()
}

// SaveEncryptedRooms marks rooms as encrypted for the bound account.
// Already-marked rooms are skipped; the whole batch commits atomically.
func (s *Store) SaveEncryptedRooms(ctx context.Context, rooms []id.RoomID) error {
	accountID, err := s.requireAccountID(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(rooms); start += roomChunkSize {
			end := start + roomChunkSize
			if end > len(rooms) {
				end = len(rooms)
			}
			chunk := rooms[start:end]

			placeholders := make([]string, 0, len(chunk))
			args := make([]any, 0, len(chunk)*2)
			for _, roomID := range chunk {
				placeholders = append(placeholders, "(?, ?)")
				args = append(args, roomID, accountID)
			}

			query := fmt.Sprintf(`
				INSERT INTO encrypted_rooms (room_id, account_id)
				VALUES %s
				ON CONFLICT (room_id, account_id) DO NOTHING`,
				strings.Join(placeholders, ", "))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("saving encrypted rooms: %w", err)
			}
		}
		return nil
	})
}

// DeleteEncryptedRoom removes a room's encrypted marker. Deleting an
// unmarked room, or calling before the account is saved, is a no-op.
func (s *Store) DeleteEncryptedRoom(ctx context.Context, roomID id.RoomID) error {
	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM encrypted_rooms WHERE room_id = ? AND account_id = ?`,
		roomID, accountID)
	if err != nil {
		return fmt.Errorf("deleting encrypted room: %w", err)
	}
	return nil
}

// LoadOutgoingKeyRequests returns the bound account's in-flight room key
// requests, keyed by request id.
func (s *Store) LoadOutgoingKeyRequests(ctx context.Context) (map[string]*OutgoingKeyRequest, error) {
	requests := make(map[string]*OutgoingKeyRequest)

	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return requests, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, session_id, room_id, algorithm
		FROM outgoing_key_requests WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying key requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var request OutgoingKeyRequest
		if err := rows.Scan(&request.RequestID, &request.SessionID, &request.RoomID, &request.Algorithm); err != nil {
			return nil, fmt.Errorf("scanning key request row: %w", err)
		}
		requests[request.RequestID] = &request
	}
	return requests, rows.Err()
}

// AddOutgoingKeyRequest records a sent room key request. Re-adding a
// request id the account already holds leaves the stored row untouched.
func (s *Store) AddOutgoingKeyRequest(ctx context.Context, request *OutgoingKeyRequest) error {
	accountID, err := s.requireAccountID(ctx)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outgoing_key_requests
			(account_id, request_id, session_id, room_id, algorithm)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, request_id) DO NOTHING`,
		accountID, request.RequestID, request.SessionID, request.RoomID, request.Algorithm)
	if err != nil {
		return fmt.Errorf("adding key request: %w", err)
	}
	return nil
}

// RemoveOutgoingKeyRequest deletes a request once it is satisfied or
// cancelled. Removing an unknown request id is a no-op.
func (s *Store) RemoveOutgoingKeyRequest(ctx context.Context, requestID string) error {
	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM outgoing_key_requests WHERE account_id = ? AND request_id = ?`,
		accountID, requestID)
	if err != nil {
		return fmt.Errorf("removing key request: %w", err)
	}
	return nil
}
