// ABOUTME: Peer device key persistence with chunked bulk upserts
// ABOUTME: Two-pass save keeps the statement parameter count under the limit

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// LoadDeviceKeys returns every peer device record known to the bound
// account, with its key map populated from the keys table.
func (s *Store) LoadDeviceKeys(ctx context.Context) (DeviceKeyMap, error) {
	deviceKeys := make(DeviceKeyMap)

	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return deviceKeys, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.user_id, d.device_id, d.display_name, d.deleted, k.key_type, k.key
		FROM device_keys d
		LEFT JOIN keys k ON k.device_id = d.id
		WHERE d.account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying device keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var userID id.UserID
		var deviceID id.DeviceID
		var displayName string
		var deleted bool
		var keyType, key sql.NullString
		if err := rows.Scan(&userID, &deviceID, &displayName, &deleted, &keyType, &key); err != nil {
			return nil, fmt.Errorf("scanning device key row: %w", err)
		}

		userDevices, ok := deviceKeys[userID]
		if !ok {
			userDevices = make(map[id.DeviceID]*Device)
			deviceKeys[userID] = userDevices
		}
		device, ok := userDevices[deviceID]
		if !ok {
			device = &Device{
				UserID:      userID,
				DeviceID:    deviceID,
				Keys:        make(map[id.KeyAlgorithm]string),
				DisplayName: displayName,
				Deleted:     deleted,
			}
			userDevices[deviceID] = device
		}
		if keyType.Valid && key.Valid {
			device.Keys[id.KeyAlgorithm(keyType.String)] = key.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device key rows: %w", err)
	}
	return deviceKeys, nil
}

// SaveDeviceKeys stores a batch of peer device records atomically. New
// device rows are bulk-inserted in chunks; a second pass refreshes the
// display name, deleted flag, and keys of every device in the batch, so
// re-saving a known device updates it in place.
func (s *Store) SaveDeviceKeys(ctx context.Context, deviceKeys DeviceKeyMap) error {
	accountID, err := s.requireAccountID(ctx)
	if err != nil {
		return err
	}

	var devices []*Device
	for _, userDevices := range deviceKeys {
		for _, device := range userDevices {
			devices = append(devices, device)
		}
	}
	if len(devices) == 0 {
		return nil
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(devices); start += deviceKeyChunkSize {
			end := start + deviceKeyChunkSize
			if end > len(devices) {
				end = len(devices)
			}
			if err := insertDeviceChunk(ctx, tx, accountID, devices[start:end]); err != nil {
				return err
			}
		}
		for _, device := range devices {
			if err := updateDevice(ctx, tx, accountID, device); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("saved device keys", "devices", len(devices))
	return nil
}

func insertDeviceChunk(ctx context.Context, tx *sql.Tx, accountID int64, devices []*Device) error {
	placeholders := make([]string, 0, len(devices))
	args := make([]any, 0, len(devices)*5)
	for _, device := range devices {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, accountID, device.UserID, device.DeviceID, device.DisplayName, device.Deleted)
	}

	query := fmt.Sprintf(`
		INSERT INTO device_keys (account_id, user_id, device_id, display_name, deleted)
		VALUES %s
		ON CONFLICT (account_id, user_id, device_id) DO NOTHING`,
		strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk inserting device keys: %w", err)
	}
	return nil
}

func updateDevice(ctx context.Context, tx *sql.Tx, accountID int64, device *Device) error {
	var rowID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM device_keys WHERE account_id = ? AND user_id = ? AND device_id = ?`,
		accountID, device.UserID, device.DeviceID,
	).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("resolving device %s/%s: %w", device.UserID, device.DeviceID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE device_keys SET display_name = ?, deleted = ? WHERE id = ?`,
		device.DisplayName, device.Deleted, rowID)
	if err != nil {
		return fmt.Errorf("updating device %s/%s: %w", device.UserID, device.DeviceID, err)
	}

	for keyType, key := range device.Keys {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO keys (device_id, key_type, key)
			VALUES (?, ?, ?)
			ON CONFLICT (device_id, key_type) DO UPDATE SET key = excluded.key`,
			rowID, string(keyType), key)
		if err != nil {
			return fmt.Errorf("saving key %s for %s/%s: %w", keyType, device.UserID, device.DeviceID, err)
		}
	}
	return nil
}

// deviceRowID resolves the device_keys row id for a peer device of the
// bound account. Used by the SQL trust backend.
func (s *Store) deviceRowID(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (int64, error) {
	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrDeviceNotFound
	}

	var rowID int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM device_keys WHERE account_id = ? AND user_id = ? AND device_id = ?`,
		accountID, userID, deviceID,
	).Scan(&rowID)
	if err == sql.ErrNoRows {
		return 0, ErrDeviceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolving device %s/%s: %w", userID, deviceID, err)
	}
	return rowID, nil
}
