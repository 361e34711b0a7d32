// ABOUTME: Secret codec for sealing session and account material at rest
// ABOUTME: Derives a key from a passphrase and seals blobs with XChaCha20-Poly1305

package pickle

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// Codec seals secret material into opaque blobs and opens them again.
// The store treats sealed bytes as opaque; it never inspects their content.
type Codec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(blob []byte) ([]byte, error)
}

// ErrCorruptBlob is returned when a blob is too short to carry the header
// or fails authentication.
var ErrCorruptBlob = errors.New("corrupt or unauthenticated pickle blob")

const (
	magic      = "CSTR1"
	saltSize   = 16
	pbkdfIters = 10000
)

// PassphraseCodec derives a symmetric key from a passphrase with PBKDF2 and
// seals with XChaCha20-Poly1305. An empty passphrase is allowed; the blob is
// still sealed, just with a key anyone holding the file could derive.
type PassphraseCodec struct {
	passphrase []byte
}

// NewPassphraseCodec returns a codec bound to the given passphrase.
func NewPassphraseCodec(passphrase string) *PassphraseCodec {
	return &PassphraseCodec{passphrase: []byte(passphrase)}
}

func (c *PassphraseCodec) key(salt []byte) []byte {
	return pbkdf2.Key(c.passphrase, salt, pbkdfIters, chacha20poly1305.KeySize, sha256.New)
}

// Seal encrypts plaintext into a self-describing blob:
// magic || salt || nonce || ciphertext.
func (c *PassphraseCodec) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blob := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, magic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func (c *PassphraseCodec) Open(blob []byte) ([]byte, error) {
	header := len(magic) + saltSize + chacha20poly1305.NonceSizeX
	if len(blob) < header || string(blob[:len(magic)]) != magic {
		return nil, ErrCorruptBlob
	}

	salt := blob[len(magic) : len(magic)+saltSize]
	nonce := blob[len(magic)+saltSize : header]

	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, blob[header:], nil)
	if err != nil {
		return nil, ErrCorruptBlob
	}
	return plaintext, nil
}

var _ Codec = (*PassphraseCodec)(nil)
