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

package token

import (
	"errors"
	"testing"
	"time"
)

func testService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService([]byte("a-test-signing-key-of-sufficient-length"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestMintVerifyRoundTrip(t *testing.T) {
	s := testService(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	tok, err := s.Mint("edge-vm-01", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := s.Verify(tok, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Identity != "edge-vm-01" {
		t.Errorf("Identity = %q, want edge-vm-01", claims.Identity)
	}
	if claims.RemainingValidity(now.Add(1*time.Minute)) <= 0 {
		t.Errorf("RemainingValidity should be positive, got %v", claims.RemainingValidity(now.Add(time.Minute)))
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := testService(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	tok, err := s.Mint("edge-vm-01", 1*time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Zero clock-skew tolerance: the instant of expiry itself is rejected.
	if _, err := s.Verify(tok, now.Add(1*time.Minute)); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify at expiry: got %v, want ErrExpired", err)
	}
	if _, err := s.Verify(tok, now.Add(2*time.Minute)); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify past expiry: got %v, want ErrExpired", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	s := testService(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	tok, err := s.Mint("edge-vm-01", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tampered := []byte(tok)
	tampered[len(tampered)-1] = flipLastChar(tampered[len(tampered)-1])

	if _, err := s.Verify(string(tampered), now); !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrMalformed) {
		t.Fatalf("Verify tampered: got %v, want ErrUnauthorized or ErrMalformed", err)
	}
}

func flipLastChar(b byte) byte {
	if b == 'A' {
		return 'B'
	}
	return 'A'
}

func TestVerifyRejectsDifferentKey(t *testing.T) {
	s1 := testService(t)
	s2, err := NewService([]byte("a-different-signing-key-entirely!!"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()

	tok, err := s1.Mint("edge-vm-01", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := s2.Verify(tok, now); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Verify with wrong key: got %v, want ErrUnauthorized", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	s := testService(t)
	if _, err := s.Verify("not-a-valid-token", time.Now()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Verify malformed: got %v, want ErrMalformed", err)
	}
}

func TestNewServiceRejectsEmptyKey(t *testing.T) {
	if _, err := NewService(nil); !errors.Is(err, ErrNoKey) {
		t.Fatalf("NewService(nil): got %v, want ErrNoKey", err)
	}
}

func TestMintProducesDistinctNoncesPerCall(t *testing.T) {
	s := testService(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	a, err := s.Mint("edge-vm-01", time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	b, err := s.Mint("edge-vm-01", time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if a == b {
		t.Fatal("two mints with identical identity/expiry produced identical tokens: nonce not varying")
	}
}
