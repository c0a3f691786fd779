// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package crypto provides the cryptographic primitives for the token broker:
// PKCE verifier/challenge generation (RFC 7636, S256 only), CSRF state
// generation, and the versioned AES-GCM envelope used to seal tokens at rest.
//
// All randomness comes from crypto/rand. A failed read from the system
// CSPRNG is returned as ErrEntropyUnavailable and must be treated as fatal
// by callers; it is never retried here.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// ErrEntropyUnavailable indicates the system CSPRNG failed. There is no
// safe way to continue generating credentials without entropy.
var ErrEntropyUnavailable = fmt.Errorf("system entropy source unavailable")

// PKCEMaterial holds a verifier/challenge pair for one authorization flow.
// The verifier is a secret: it lives only for the duration of the flow and
// must never be logged or transmitted except in the final code exchange.
type PKCEMaterial struct {
	// Verifier is 43 characters of URL-safe base64 (32 random bytes,
	// unpadded), within the 43-128 character range RFC 7636 requires.
	Verifier string

	// Challenge is base64url(SHA-256(verifier)) without padding, sent in
	// the authorization request with code_challenge_method=S256.
	Challenge string
}

// GeneratePKCE draws a fresh PKCE verifier/challenge pair.
// S256 is the only supported challenge method.
func GeneratePKCE() (PKCEMaterial, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return PKCEMaterial{}, fmt.Errorf("%w: %s", ErrEntropyUnavailable, err.Error())
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return PKCEMaterial{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState draws a CSRF state parameter: 32 random bytes hex-encoded,
// yielding a 64 character string.
func GenerateState() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("%w: %s", ErrEntropyUnavailable, err.Error())
	}
	return hex.EncodeToString(raw), nil
}
