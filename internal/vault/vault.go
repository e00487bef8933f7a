// Package vault is the Evidence Vault: a content-addressed store of
// AEAD-sealed envelopes for raw media, unlocked only by a valid
// break-glass token (internal/token).
package vault

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
	"pwk.dev/kernel/internal/token"
)

const (
	kdfInfoLabel      = "pwk:vault-dek-kdf:v1"
	dekFingerprintTag = "pwk:dek-fingerprint:v1"
	aeadAlgName       = "chacha20poly1305"
	kemAlgName        = "mlkem768"
)

var bucketEnvelopeMeta = []byte("envelope_meta")

// EnvelopeMeta is the side-index record kept per envelope for time-window
// lookups without opening (let alone decrypting) the envelope itself.
type EnvelopeMeta struct {
	BucketStart uint64
	Mode        crypto.Suite
}

// Vault owns the master wrapping key and, for pq/hybrid modes, the kernel's
// ML-KEM keypair; both are exposed only through Write/Read, never as raw
// key material.
type Vault struct {
	dir         string
	index       *bolt.DB
	master      *MasterKey
	kem         *crypto.KEMKeyPair
	suite       crypto.Suite
	rulesetHash crypto.Digest
	kernelPub   ed25519.PublicKey
	ledger      *token.Ledger
}

// Open opens (creating if absent) a vault rooted at dir. suite selects the
// DEK-wrap mode used for new writes; reads honor whatever mode the envelope
// being opened was actually written with.
func Open(dir string, suite crypto.Suite, master *MasterKey, kem *crypto.KEMKeyPair, rulesetHash crypto.Digest, kernelPub ed25519.PublicKey, ledger *token.Ledger) (*Vault, error) {
	if !suite.Valid() {
		return nil, errs.New(errs.ContractViolation, "vault: invalid suite %q", suite)
	}
	if err := os.MkdirAll(filepath.Join(dir, "envelopes"), 0o700); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "create vault envelope directory")
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "open vault index")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEnvelopeMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.StorageFailure, err, "init vault index buckets")
	}
	return &Vault{dir: dir, index: db, master: master, kem: kem, suite: suite, rulesetHash: rulesetHash, kernelPub: kernelPub, ledger: ledger}, nil
}

func (v *Vault) Close() error { return v.index.Close() }

func (v *Vault) envelopePath(envelopeID string) string {
	return filepath.Join(v.dir, "envelopes", envelopeID+".env")
}

func computeAAD(envelopeID string, rulesetHash crypto.Digest) []byte {
	buf := make([]byte, 0, len(envelopeID)+len(rulesetHash))
	buf = append(buf, []byte(envelopeID)...)
	buf = append(buf, rulesetHash[:]...)
	return buf
}

// Write allocates a DEK, seals plaintext, wraps the DEK per the vault's
// configured suite, and writes the envelope atomically. bucketStart
// records which time bucket the raw media belongs to, so
// a break-glass token scoped to a bucket range can cover it without naming
// its envelope_id in advance.
func (v *Vault) Write(plaintext []byte, bucketStart uint64) (string, error) {
	var dek []byte
	var kemCiphertext, kdfInfo, classicalWrap []byte
	var err error

	switch v.suite {
	case crypto.SuiteClassical:
		dek, err = crypto.RandomBytes(crypto.AEADKeySize)
		if err != nil {
			return "", err
		}
		classicalWrap, err = v.master.Wrap(dek)
		if err != nil {
			return "", err
		}
	case crypto.SuitePQ, crypto.SuiteHybrid:
		if v.kem == nil {
			return "", errs.New(errs.ContractViolation, "vault: suite %q requires a KEM keypair", v.suite)
		}
		ct, shared, encErr := crypto.KEMEncap(v.kem.Public)
		if encErr != nil {
			return "", encErr
		}
		kdfInfo = []byte(kdfInfoLabel)
		dek, err = crypto.HKDF(shared, nil, kdfInfo, crypto.AEADKeySize)
		if err != nil {
			return "", err
		}
		kemCiphertext = ct
		if v.suite == crypto.SuiteHybrid {
			classicalWrap, err = v.master.Wrap(dek)
			if err != nil {
				return "", err
			}
		}
	default:
		return "", errs.New(errs.ContractViolation, "vault: unknown suite %q", v.suite)
	}

	dekFingerprint := crypto.Hash(dekFingerprintTag, dek)
	envelopeID := hex.EncodeToString(crypto.Hash(crypto.DomainEnvelopeID, dekFingerprint[:], v.rulesetHash[:])[:])
	aad := computeAAD(envelopeID, v.rulesetHash)

	nonce, ciphertext, err := crypto.AEADSeal(dek, aad, plaintext)
	if err != nil {
		return "", err
	}

	env := Envelope{
		Version:       EnvelopeVersion,
		AEADAlg:       aeadAlgName,
		Nonce:         nonce,
		AAD:           aad,
		Ciphertext:    ciphertext,
		KDFInfo:       kdfInfo,
		KEMCiphertext: kemCiphertext,
		ClassicalWrap: classicalWrap,
	}
	if len(kemCiphertext) > 0 {
		env.KEMAlg = kemAlgName
	}

	if err := writeFileAtomic(v.envelopePath(envelopeID), env.Encode()); err != nil {
		return "", err
	}

	err = v.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvelopeMeta).Put([]byte(envelopeID), encodeMeta(EnvelopeMeta{BucketStart: bucketStart, Mode: v.suite}))
	})
	if err != nil {
		return "", errs.Wrap(errs.StorageFailure, err, "index envelope %s", envelopeID)
	}
	return envelopeID, nil
}

// Read validates tok against envelopeID's scope and the kernel's signature,
// consumes it (first use only), then opens the envelope. Corrupted
// envelopes are reported via IntegrityFailure (header mismatch) or
// CryptoFailure (AEAD open failure). Neither is ever silently patched.
func (v *Vault) Read(envelopeID string, tok token.Token, currentBucket uint64) ([]byte, error) {
	meta, ok, err := v.meta(envelopeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.StorageFailure, "envelope %s not found", envelopeID)
	}
	if !tok.Scope.CoversEnvelope(envelopeID, meta.BucketStart) {
		return nil, errs.New(errs.AuthorizationFailure, "token %s does not cover envelope %s", tok.TokenID, envelopeID)
	}
	if err := token.Verify(v.kernelPub, tok, currentBucket); err != nil {
		return nil, err
	}
	if err := v.ledger.Consume(tok.TokenID, envelopeID); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(v.envelopePath(envelopeID))
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "read envelope %s", envelopeID)
	}
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	expectedAAD := computeAAD(envelopeID, v.rulesetHash)
	if string(env.AAD) != string(expectedAAD) {
		return nil, errs.New(errs.IntegrityFailure, "envelope %s: header aad does not match envelope_id/ruleset_hash", envelopeID)
	}

	dek, err := v.recoverDEK(env)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.AEADOpen(dek, env.Nonce, env.AAD, env.Ciphertext)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// recoverDEK tries whichever wrap the envelope actually carries, preferring
// the classical path when both are present. In hybrid mode either path
// alone recovers the DEK, and which one is used is an implementation
// choice.
func (v *Vault) recoverDEK(env Envelope) ([]byte, error) {
	if len(env.ClassicalWrap) > 0 {
		return v.master.Unwrap(env.ClassicalWrap)
	}
	if len(env.KEMCiphertext) > 0 {
		if v.kem == nil {
			return nil, errs.New(errs.CryptoFailure, "envelope requires KEM decapsulation but no KEM keypair is configured")
		}
		shared, err := v.kem.KEMDecap(env.KEMCiphertext)
		if err != nil {
			return nil, err
		}
		return crypto.HKDF(shared, nil, env.KDFInfo, crypto.AEADKeySize)
	}
	return nil, errs.New(errs.IntegrityFailure, "envelope carries neither classical_wrap nor kem_ct")
}

func (v *Vault) meta(envelopeID string) (EnvelopeMeta, bool, error) {
	var meta EnvelopeMeta
	var ok bool
	err := v.index.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEnvelopeMeta).Get([]byte(envelopeID))
		if raw == nil {
			return nil
		}
		ok = true
		m, decErr := decodeMeta(raw)
		meta = m
		return decErr
	})
	return meta, ok, err
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "create temp envelope file")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errs.Wrap(errs.StorageFailure, err, "write temp envelope file")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errs.Wrap(errs.StorageFailure, err, "fsync temp envelope file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.StorageFailure, err, "close temp envelope file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "rename envelope file into place")
	}
	return nil
}
