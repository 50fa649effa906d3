package servicelocator

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSessionID reports a session id that failed to decrypt or validate.
var ErrSessionID = errors.New("servicelocator: invalid session id")

// sessionKeyInfo domain-separates the session-id key derivation.
var sessionKeyInfo = []byte("beam.servicelocator.session.v1")

// GenerateSessionID samples a 128-bit session id, hex encoded.
func GenerateSessionID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("servicelocator: sampling session id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// sessionCipher expands the caller-supplied 32-bit key into an AEAD.
// The small key space is inherited from the protocol; the AEAD still
// buys integrity and replay variance over the obfuscation it replaces.
func sessionCipher(key uint32) (cipher.AEAD, error) {
	seed := binary.BigEndian.AppendUint32(nil, key)
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, sessionKeyInfo), derived); err != nil {
		return nil, fmt.Errorf("servicelocator: deriving session key: %w", err)
	}
	return chacha20poly1305.NewX(derived)
}

// EncryptSessionID seals a session id under the given key so it can
// cross an untrusted wire without being replayable as plaintext.
func EncryptSessionID(sessionID string, key uint32) (string, error) {
	aead, err := sessionCipher(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("servicelocator: sampling nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(sessionID), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// DecryptSessionID reverses EncryptSessionID.
func DecryptSessionID(encrypted string, key uint32) (string, error) {
	aead, err := sessionCipher(key)
	if err != nil {
		return "", err
	}
	sealed, err := base64.RawStdEncoding.DecodeString(encrypted)
	if err != nil || len(sealed) < aead.NonceSize() {
		return "", ErrSessionID
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSessionID
	}
	return string(plain), nil
}
