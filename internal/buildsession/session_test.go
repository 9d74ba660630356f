package buildsession

import (
	"errors"
	"testing"
	"time"
)

func TestSignerTokenVerifiesWithMatchingVerifier(t *testing.T) {
	key := []byte("shared-secret")
	signer := NewSigner("build-123", key, time.Minute)
	verifier := NewVerifier("build-123", key)

	tok, err := signer.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if err := verifier.Verify(tok); err != nil {
		t.Fatalf("Verify failed for a token signed for the matching build: %v", err)
	}
}

func TestVerifyRejectsMismatchedBuildID(t *testing.T) {
	key := []byte("shared-secret")
	signer := NewSigner("build-a", key, time.Minute)
	verifier := NewVerifier("build-b", key)

	tok, err := signer.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if err := verifier.Verify(tok); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for a different build session, got %v", err)
	}
}

func TestVerifyRejectsWrongSigningKey(t *testing.T) {
	signer := NewSigner("build-123", []byte("key-one"), time.Minute)
	verifier := NewVerifier("build-123", []byte("key-two"))

	tok, err := signer.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if err := verifier.Verify(tok); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for a token signed with a different key, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key := []byte("shared-secret")
	// NewSigner replaces a non-positive ttl with DefaultTokenTTL, so build the
	// signer directly to issue a token that expired a minute ago.
	signer := &Signer{buildID: "build-123", key: key, ttl: -time.Minute}
	verifier := NewVerifier("build-123", key)

	tok, err := signer.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if err := verifier.Verify(tok); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for an expired token, got %v", err)
	}
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	verifier := NewVerifier("build-123", []byte("shared-secret"))
	if err := verifier.Verify("not-a-jwt"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for a malformed token, got %v", err)
	}
}

func TestNewSignerDefaultsTTLWhenNonPositive(t *testing.T) {
	signer := NewSigner("build-123", []byte("k"), 0)
	if signer.ttl != DefaultTokenTTL {
		t.Fatalf("expected ttl to default to %v, got %v", DefaultTokenTTL, signer.ttl)
	}
}

func TestBuildIDAccessors(t *testing.T) {
	signer := NewSigner("build-xyz", []byte("k"), time.Minute)
	if signer.BuildID() != "build-xyz" {
		t.Fatalf("Signer.BuildID() = %q, want %q", signer.BuildID(), "build-xyz")
	}
	verifier := NewVerifier("build-xyz", []byte("k"))
	if verifier.BuildID() != "build-xyz" {
		t.Fatalf("Verifier.BuildID() = %q, want %q", verifier.BuildID(), "build-xyz")
	}
}
