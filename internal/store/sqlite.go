// ABOUTME: Store construction, schema version detection, and account scoping
// ABOUTME: Opens the SQLite database and drives migrations before first use

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-cryptostore/internal/pickle"
)

// Options tunes store construction. The zero value is valid: an empty
// passphrase and the default {user_id}_{device_id}.db file name.
type Options struct {
	// Passphrase seals secret blobs at rest via the codec. Default empty.
	Passphrase string
	// DatabaseName overrides the physical file name inside the store path.
	DatabaseName string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store persists the cryptographic session state of one (user, device)
// identity. All operations are scoped to that identity; trust queries and
// mutations are delegated to the configured TrustBackend.
type Store struct {
	userID   id.UserID
	deviceID id.DeviceID

	db     *sql.DB
	codec  pickle.Codec
	trust  TrustBackend
	logger *slog.Logger
}

// NewDefaultStore opens a store whose trust state lives in flat key-set
// files next to the database (one file per classification).
func NewDefaultStore(userID id.UserID, deviceID id.DeviceID, storePath string, opts Options) (*Store, error) {
	s, err := open(userID, deviceID, storePath, opts)
	if err != nil {
		return nil, err
	}
	trust, err := newKeysetTrust(storePath, userID, deviceID)
	if err != nil {
		s.db.Close()
		return nil, err
	}
	s.trust = trust
	return s, nil
}

// NewSQLiteStore opens a store whose trust state lives in the
// device_trust_state table alongside the device key records.
func NewSQLiteStore(userID id.UserID, deviceID id.DeviceID, storePath string, opts Options) (*Store, error) {
	s, err := open(userID, deviceID, storePath, opts)
	if err != nil {
		return nil, err
	}
	s.trust = &sqliteTrust{store: s}
	return s, nil
}

// NewMemoryStore opens an ephemeral in-memory store with SQL-backed trust
// state, for tests and throwaway clients.
func NewMemoryStore(userID id.UserID, deviceID id.DeviceID, opts Options) (*Store, error) {
	s, err := openDatabase(userID, deviceID, ":memory:", opts)
	if err != nil {
		return nil, err
	}
	s.trust = &sqliteTrust{store: s}
	return s, nil
}

func open(userID id.UserID, deviceID id.DeviceID, storePath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(storePath, 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	name := opts.DatabaseName
	if name == "" {
		name = fmt.Sprintf("%s_%s.db", userID, deviceID)
	}
	return openDatabase(userID, deviceID, filepath.Join(storePath, name), opts)
}

func openDatabase(userID id.UserID, deviceID id.DeviceID, dbPath string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cryptostore")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// In-memory databases vanish when the last connection closes; pin the
	// pool to one connection so every operation sees the same database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{
		userID:   userID,
		deviceID: deviceID,
		db:       db,
		codec:    pickle.NewPassphraseCodec(opts.Passphrase),
		logger:   logger,
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	logger.Debug("crypto store opened", "path", dbPath, "user_id", userID, "device_id", deviceID)
	return s, nil
}

// Close releases the database handle. Trust key-set files need no closing.
func (s *Store) Close() error {
	return s.db.Close()
}

// UserID returns the identity the store is bound to.
func (s *Store) UserID() id.UserID { return s.userID }

// DeviceID returns the device the store is bound to.
func (s *Store) DeviceID() id.DeviceID { return s.deviceID }

// lookupAccountID resolves the account row for the bound identity.
// Read paths use the ok flag to return empty results for absent accounts.
func (s *Store) lookupAccountID(ctx context.Context) (int64, bool, error) {
	var accountID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE user_id = ? AND device_id = ?`,
		s.userID, s.deviceID,
	).Scan(&accountID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolving account: %w", err)
	}
	return accountID, true, nil
}

// requireAccountID resolves the account row for mutation paths, failing
// with ErrAccountNotFound when the account was never saved.
func (s *Store) requireAccountID(ctx context.Context) (int64, error) {
	accountID, ok, err := s.lookupAccountID(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrAccountNotFound
	}
	return accountID, nil
}

// withTx runs fn inside a transaction, rolling back on every failure path.
// Multi-row writes use this so readers never observe a half-applied batch.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
