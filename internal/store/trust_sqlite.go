// ABOUTME: SQL trust backend storing one classification row per device
// ABOUTME: Requires a device key record; missing devices read as unset

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// sqliteTrust keeps trust state in the device_trust_state table, one row
// per device key record. Replacing the row makes states exclusive for
// free; the foreign key ties the classification's lifetime to the record.
type sqliteTrust struct {
	store *Store
}

func (t *sqliteTrust) State(ctx context.Context, userID id.UserID, deviceID id.DeviceID, _ id.Ed25519) (TrustState, error) {
	rowID, err := t.store.deviceRowID(ctx, userID, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return TrustUnset, nil
	}
	if err != nil {
		return TrustUnset, err
	}

	var state TrustState
	err = t.store.db.QueryRowContext(ctx,
		`SELECT state FROM device_trust_state WHERE device_id = ?`, rowID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return TrustUnset, nil
	}
	if err != nil {
		return TrustUnset, fmt.Errorf("querying trust state: %w", err)
	}
	return state, nil
}

func (t *sqliteTrust) SetState(ctx context.Context, userID id.UserID, deviceID id.DeviceID, _ id.Ed25519, state TrustState) error {
	rowID, err := t.store.deviceRowID(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) && state == TrustUnset {
			return nil
		}
		return err
	}

	if state == TrustUnset {
		_, err = t.store.db.ExecContext(ctx,
			`DELETE FROM device_trust_state WHERE device_id = ?`, rowID)
		if err != nil {
			return fmt.Errorf("clearing trust state: %w", err)
		}
		return nil
	}

	_, err = t.store.db.ExecContext(ctx, `
		INSERT INTO device_trust_state (device_id, state)
		VALUES (?, ?)
		ON CONFLICT (device_id) DO UPDATE SET state = excluded.state`,
		rowID, state)
	if err != nil {
		return fmt.Errorf("setting trust state: %w", err)
	}
	return nil
}
