package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/token"
)

type fakeSigner struct{ kp *crypto.KeyPair }

func (f fakeSigner) Sign(digest crypto.Digest) []byte { return f.kp.Sign(digest) }

func testSetup(t *testing.T, suite crypto.Suite) (*Vault, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.DeriveKeyPair(bytes.Repeat([]byte{0x4}, 32), "test")
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	master, err := NewMasterKey(bytes.Repeat([]byte{0x7}, 32))
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	var kemKP *crypto.KEMKeyPair
	if suite != crypto.SuiteClassical {
		kemKP, err = crypto.KEMGenerate()
		if err != nil {
			t.Fatalf("KEMGenerate: %v", err)
		}
	}
	rulesetHash := crypto.Hash("pwk:ruleset:v1", []byte("baseline"))
	ledger, err := token.OpenLedger(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	v, err := Open(t.TempDir(), suite, master, kemKP, rulesetHash, kp.Public, ledger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v, kp
}

func grantToken(v *Vault, kp *crypto.KeyPair, envelopeID string) token.Token {
	return token.New(fakeSigner{kp}, "tok-1", token.Scope{EnvelopeID: envelopeID}, 0, 1000)
}

func TestWriteReadRoundtripClassical(t *testing.T) {
	v, kp := testSetup(t, crypto.SuiteClassical)
	plaintext := []byte("raw media bytes")
	id, err := v.Write(plaintext, 100)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := v.Read(id, grantToken(v, kp, id), 500)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestWriteReadRoundtripPQ(t *testing.T) {
	v, kp := testSetup(t, crypto.SuitePQ)
	plaintext := []byte("pq-protected media")
	id, err := v.Write(plaintext, 200)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := v.Read(id, grantToken(v, kp, id), 500)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestWriteReadRoundtripHybrid(t *testing.T) {
	v, kp := testSetup(t, crypto.SuiteHybrid)
	plaintext := []byte("hybrid-protected media")
	id, err := v.Write(plaintext, 300)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := v.Read(id, grantToken(v, kp, id), 500)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch")
	}

	// Hybrid: either path alone recovers the DEK. Zeroing classical_wrap
	// forces recoverDEK onto the KEM path for the same envelope.
	raw, err := readRawEnvelope(v, id)
	if err != nil {
		t.Fatalf("readRawEnvelope: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	env.ClassicalWrap = nil
	if err := writeFileAtomic(v.envelopePath(id), env.Encode()); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	dek, err := v.recoverDEK(env)
	if err != nil {
		t.Fatalf("recoverDEK via KEM path: %v", err)
	}
	plain2, err := crypto.AEADOpen(dek, env.Nonce, env.AAD, env.Ciphertext)
	if err != nil || !bytes.Equal(plain2, plaintext) {
		t.Fatalf("KEM-only recovery mismatch: %v", err)
	}
}

func TestReadRejectsTokenReplay(t *testing.T) {
	v, kp := testSetup(t, crypto.SuiteClassical)
	id, err := v.Write([]byte("x"), 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	tok := grantToken(v, kp, id)
	if _, err := v.Read(id, tok, 1); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if _, err := v.Read(id, tok, 1); err == nil {
		t.Fatalf("expected replay rejection on second Read")
	}
}

func TestReadRejectsTokenOutsideScope(t *testing.T) {
	v, kp := testSetup(t, crypto.SuiteClassical)
	id, err := v.Write([]byte("x"), 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	tok := token.New(fakeSigner{kp}, "tok-2", token.Scope{EnvelopeID: "not-this-one"}, 0, 1000)
	if _, err := v.Read(id, tok, 1); err == nil {
		t.Fatalf("expected scope rejection")
	}
}

func TestReadDetectsHeaderAADMismatch(t *testing.T) {
	v, kp := testSetup(t, crypto.SuiteClassical)
	id, err := v.Write([]byte("secret"), 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err := readRawEnvelope(v, id)
	if err != nil {
		t.Fatalf("readRawEnvelope: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Simulate an envelope whose aad omits the ruleset_hash half of the
	// binding: open must fail even with the correct DEK.
	env.AAD = []byte(id)
	if err := writeFileAtomic(v.envelopePath(id), env.Encode()); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := v.Read(id, grantToken(v, kp, id), 500); err == nil {
		t.Fatalf("expected header mismatch error")
	}
}

func TestReadDetectsCiphertextTamper(t *testing.T) {
	v, kp := testSetup(t, crypto.SuiteClassical)
	id, err := v.Write([]byte("secret"), 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err := readRawEnvelope(v, id)
	if err != nil {
		t.Fatalf("readRawEnvelope: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	env.Ciphertext[0] ^= 0xff
	if err := writeFileAtomic(v.envelopePath(id), env.Encode()); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := v.Read(id, grantToken(v, kp, id), 500); err == nil {
		t.Fatalf("expected AEAD open failure on tampered ciphertext")
	}
}

func readRawEnvelope(v *Vault, envelopeID string) ([]byte, error) {
	return os.ReadFile(v.envelopePath(envelopeID))
}
