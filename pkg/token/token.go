// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package token mints and verifies HMAC-signed, identity-bound,
// time-bounded provisioning tokens (spec.md §4.4).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	version byte = 1

	nonceSize = 16 // 128 bits, per spec.md §3: "nonce of at least 128 bits of entropy"
	hmacSize  = sha256.Size
)

// Errors returned by Verify, matching the error_kind taxonomy named for C4
// in spec.md §4.4.
var (
	ErrNoKey     = errors.New("token: no signing key loaded")
	ErrMalformed = errors.New("token: malformed")
	ErrExpired   = errors.New("token: expired")
	ErrUnauthorized = errors.New("token: signature does not verify")
)

// Claims is the result of a successful Verify.
type Claims struct {
	Identity  string
	ExpiresAt time.Time
}

// RemainingValidity is how much time is left before expiry, as of now.
func (c Claims) RemainingValidity(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Service mints and verifies tokens using a single signing key, loaded once
// per process lifetime unless the process also hosts the spec server, in
// which case Reload lets SIGHUP rotate it (spec.md §9's Open Question on
// key rotation). The key is never logged.
type Service struct {
	mu  sync.RWMutex
	key []byte
}

// NewService constructs a Service from a non-empty signing key. An empty key
// is rejected immediately rather than deferred to first Mint, since a
// service with no key can never produce a valid token.
func NewService(key []byte) (*Service, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	// Defensive copy: caller's slice must not alias our signing key.
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Service{key: cp}, nil
}

// Reload replaces the signing key in place for both Mint and Verify.
// Verify checks only the current key, so tokens minted under the previous
// key fail with ErrUnauthorized once Reload returns.
func (s *Service) Reload(key []byte) error {
	if len(key) == 0 {
		return ErrNoKey
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	s.mu.Lock()
	s.key = cp
	s.mu.Unlock()
	return nil
}

// Mint produces a token bound to identity, valid for the given duration from
// now.
func (s *Service) Mint(identity string, validity time.Duration, now time.Time) (string, error) {
	if s.keyLen() == 0 {
		return "", ErrNoKey
	}
	if len(identity) > 0xFFFF {
		return "", fmt.Errorf("token: identity too long (%d bytes)", len(identity))
	}
	nonce, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("token: failed to generate nonce: %w", err)
	}
	expiry := now.Add(validity).Unix()
	payload := encodePayload(identity, expiry, nonce)
	mac := s.sign(payload)
	return base64.RawURLEncoding.EncodeToString(append(payload, mac...)), nil
}

// Verify checks a token's signature and expiry (with zero clock-skew
// tolerance, per spec.md §4.4) and returns its claims.
func (s *Service) Verify(tok string, now time.Time) (Claims, error) {
	if s.keyLen() == 0 {
		return Claims{}, ErrNoKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < hmacSize {
		return Claims{}, fmt.Errorf("%w: token too short", ErrMalformed)
	}
	split := len(raw) - hmacSize
	payload, mac := raw[:split], raw[split:]

	identity, expiry, _, err := decodePayload(payload)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	want := s.sign(payload)
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return Claims{}, ErrUnauthorized
	}

	expiresAt := time.Unix(expiry, 0).UTC()
	if !now.Before(expiresAt) {
		return Claims{}, ErrExpired
	}
	return Claims{Identity: identity, ExpiresAt: expiresAt}, nil
}

func (s *Service) sign(payload []byte) []byte {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (s *Service) keyLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.key)
}

// encodePayload renders the canonical pre-HMAC byte format from spec.md §3:
//
//	version(1 byte) || len(identity)(2 bytes BE) || identity || expiry(8 bytes BE) || nonce(16 bytes)
func encodePayload(identity string, expiry int64, nonce uuid.UUID) []byte {
	buf := make([]byte, 0, 1+2+len(identity)+8+nonceSize)
	buf = append(buf, version)
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(identity)))
	buf = append(buf, idLen[:]...)
	buf = append(buf, identity...)
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(expiry))
	buf = append(buf, exp[:]...)
	nb := nonce[:]
	buf = append(buf, nb...)
	return buf
}

func decodePayload(buf []byte) (identity string, expiry int64, nonce [nonceSize]byte, err error) {
	if len(buf) < 1+2 {
		return "", 0, nonce, errors.New("truncated header")
	}
	if buf[0] != version {
		return "", 0, nonce, fmt.Errorf("unsupported token version %d", buf[0])
	}
	idLen := int(binary.BigEndian.Uint16(buf[1:3]))
	rest := buf[3:]
	if len(rest) < idLen+8+nonceSize {
		return "", 0, nonce, errors.New("truncated body")
	}
	identity = string(rest[:idLen])
	rest = rest[idLen:]
	expiry = int64(binary.BigEndian.Uint64(rest[:8]))
	rest = rest[8:]
	copy(nonce[:], rest[:nonceSize])
	return identity, expiry, nonce, nil
}
