// ABOUTME: File-backed membership set of device fingerprint keys
// ABOUTME: Backs the default trust store with one flat file per classification

package keyset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Key identifies a device by owner, device id, and ed25519 fingerprint key.
type Key struct {
	UserID      string
	DeviceID    string
	Fingerprint string
}

func (k Key) line() string {
	return fmt.Sprintf("%s %s matrix-ed25519 %s", k.UserID, k.DeviceID, k.Fingerprint)
}

// KeySet is a persistent set of device keys stored as a line-oriented file.
// Every mutation rewrites the file atomically (temp file + rename). Lines
// that don't parse are skipped on load rather than failing the whole set.
type KeySet struct {
	path string
	keys map[Key]struct{}
}

// Load reads the key set at path, creating an empty set if the file does
// not exist yet.
func Load(path string) (*KeySet, error) {
	ks := &KeySet{
		path: path,
		keys: make(map[Key]struct{}),
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening key set: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		// user_id device_id key_type key
		if len(fields) != 4 || fields[2] != "matrix-ed25519" {
			continue
		}
		ks.keys[Key{UserID: fields[0], DeviceID: fields[1], Fingerprint: fields[3]}] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading key set: %w", err)
	}

	return ks, nil
}

// Contains reports whether the key is a member of the set.
func (ks *KeySet) Contains(key Key) bool {
	_, ok := ks.keys[key]
	return ok
}

// Add inserts the key and persists the set. Returns false if the key was
// already present (the file is left untouched in that case).
func (ks *KeySet) Add(key Key) (bool, error) {
	if ks.Contains(key) {
		return false, nil
	}
	ks.keys[key] = struct{}{}
	if err := ks.flush(); err != nil {
		delete(ks.keys, key)
		return false, err
	}
	return true, nil
}

// Remove deletes the key and persists the set. Returns false if the key was
// not present.
func (ks *KeySet) Remove(key Key) (bool, error) {
	if !ks.Contains(key) {
		return false, nil
	}
	delete(ks.keys, key)
	if err := ks.flush(); err != nil {
		ks.keys[key] = struct{}{}
		return false, err
	}
	return true, nil
}

// Len returns the number of keys in the set.
func (ks *KeySet) Len() int {
	return len(ks.keys)
}

func (ks *KeySet) flush() error {
	if err := os.MkdirAll(filepath.Dir(ks.path), 0700); err != nil {
		return fmt.Errorf("creating key set directory: %w", err)
	}

	lines := make([]string, 0, len(ks.keys))
	for k := range ks.keys {
		lines = append(lines, k.line())
	}
	sort.Strings(lines)

	tmp, err := os.CreateTemp(filepath.Dir(ks.path), ".keyset-*")
	if err != nil {
		return fmt.Errorf("creating temp key set: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("writing key set: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flushing key set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp key set: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("setting key set permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), ks.path); err != nil {
		return fmt.Errorf("replacing key set: %w", err)
	}
	return nil
}
