// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// envelopeVersion is the first byte of every sealed message. Key rotation
// tooling uses it to distinguish envelope formats; bump it if the layout or
// cipher ever changes.
const envelopeVersion = 0x01

// KeySize is the required data key length in bytes (AES-256).
const KeySize = 32

// hkdfContext binds derived keys to this application so the same master key
// material used elsewhere yields an unrelated data key here.
const hkdfContext = "claudegate-token-encryption"

// DecryptionError reports a failed Open: wrong key, truncated input,
// tampered ciphertext, or an unknown envelope version.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

// ErrInvalidKeySize indicates a data key that is not KeySize bytes.
var ErrInvalidKeySize = errors.New("data key must be 32 bytes")

// Envelope performs authenticated symmetric encryption with a single data
// key. Sealed output layout: version byte, 12-byte GCM nonce, ciphertext
// with tag. String forms are std-base64 for embedding in JSON documents.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope creates an envelope from a 32-byte data key.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns the
// base64-encoded envelope.
func (e *Envelope) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %s", ErrEntropyUnavailable, err.Error())
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+e.aead.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	out = e.aead.Seal(out, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed envelope. Any integrity failure, key mismatch,
// or malformed input yields a *DecryptionError.
func (e *Envelope) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid base64"}
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < 1+nonceSize+e.aead.Overhead() {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}
	if data[0] != envelopeVersion {
		return "", &DecryptionError{Reason: fmt.Sprintf("unknown envelope version 0x%02x", data[0])}
	}

	nonce := data[1 : 1+nonceSize]
	plaintext, err := e.aead.Open(nil, nonce, data[1+nonceSize:], nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// GenerateKey draws a fresh 32-byte data key and returns it base64-encoded,
// suitable for CLAUDE_TOKEN_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("%w: %s", ErrEntropyUnavailable, err.Error())
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey accepts a data key as either std-base64 or 32 raw bytes and
// returns the derived 32-byte key. Master keys longer or shorter than
// KeySize are stretched through HKDF-SHA256 with the application context.
func ParseKey(material string) ([]byte, error) {
	if material == "" {
		return nil, errors.New("empty key material")
	}

	raw := []byte(material)
	if decoded, err := base64.StdEncoding.DecodeString(material); err == nil {
		raw = decoded
	}

	if len(raw) == KeySize {
		return raw, nil
	}
	if len(raw) < 16 {
		return nil, errors.New("key material must be at least 16 bytes")
	}
	return deriveKey(raw, []byte(hkdfContext), KeySize)
}

// deriveKey derives a key using HKDF-SHA256.
func deriveKey(secret, context []byte, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, context)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
