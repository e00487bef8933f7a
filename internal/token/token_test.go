package token

import (
	"bytes"
	"path/filepath"
	"testing"

	"pwk.dev/kernel/internal/crypto"
)

type fakeSigner struct{ kp *crypto.KeyPair }

func (f fakeSigner) Sign(digest crypto.Digest) []byte { return f.kp.Sign(digest) }

func testKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.DeriveKeyPair(bytes.Repeat([]byte{0x9}, 32), "test")
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	return kp
}

func TestNewAndVerifyRoundtrip(t *testing.T) {
	kp := testKeyPair(t)
	tok := New(fakeSigner{kp}, "tok-1", Scope{EnvelopeID: "abc"}, 10, 20)
	if err := Verify(kp.Public, tok, 15); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsOutOfWindow(t *testing.T) {
	kp := testKeyPair(t)
	tok := New(fakeSigner{kp}, "tok-1", Scope{EnvelopeID: "abc"}, 10, 20)
	if err := Verify(kp.Public, tok, 21); err == nil {
		t.Fatalf("expected error for bucket past validity window")
	}
	if err := Verify(kp.Public, tok, 9); err == nil {
		t.Fatalf("expected error for bucket before validity window")
	}
}

func TestVerifyRejectsTamperedScope(t *testing.T) {
	kp := testKeyPair(t)
	tok := New(fakeSigner{kp}, "tok-1", Scope{EnvelopeID: "abc"}, 10, 20)
	tok.Scope.EnvelopeID = "tampered"
	if err := Verify(kp.Public, tok, 15); err == nil {
		t.Fatalf("expected signature failure after scope tamper")
	}
}

func TestScopeCoversEnvelope(t *testing.T) {
	byID := Scope{EnvelopeID: "abc"}
	if !byID.CoversEnvelope("abc", 0) || byID.CoversEnvelope("xyz", 0) {
		t.Fatalf("envelope-id scope matched incorrectly")
	}
	byRange := Scope{FromBucket: 100, ToBucket: 200}
	if !byRange.CoversEnvelope("anything", 150) || byRange.CoversEnvelope("anything", 300) {
		t.Fatalf("bucket-range scope matched incorrectly")
	}
}

func TestLedgerConsumeOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer l.Close()

	if err := l.Consume("tok-1", "envelope:abc"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := l.Consume("tok-1", "envelope:abc"); err == nil {
		t.Fatalf("expected replay rejection on second consume")
	}
	usedFor, ok, err := l.UsedFor("tok-1")
	if err != nil || !ok || usedFor != "envelope:abc" {
		t.Fatalf("UsedFor: usedFor=%q ok=%v err=%v", usedFor, ok, err)
	}
}
