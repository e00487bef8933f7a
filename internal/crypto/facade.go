// Package crypto is the kernel's Cryptographic Primitives Façade. Signing,
// hashing, key derivation, AEAD and KEM operations all go through here;
// other packages import only crypto/ed25519 for the key type,
// crypto/subtle (internal/api's token compare) and math/rand/v2 (export
// jitter).
//
// The façade narrows the exposed surface to one interface: callers get
// sign/verify, hash, hkdf, aead seal/open and kem encap/decap, and nothing
// lower-level.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"pwk.dev/kernel/internal/errs"
)

// Digest is a 32-byte SHA-256 digest, the unit everything in the façade
// signs or is sealed under.
type Digest = [32]byte

// Hash computes SHA-256 of domain-tag‖data, per the domain-separation
// convention.
func Hash(domainTag string, parts ...[]byte) Digest {
	h := sha256.New()
	_, _ = h.Write([]byte(domainTag))
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// KeyPair is a device or trustee Ed25519 signing key.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// DeriveKeyPair derives an Ed25519 keypair from a locally supplied seed via
// HKDF with a fixed info string. The private key never leaves this
// component. Callers only ever get back the struct, not raw bytes.
func DeriveKeyPair(seed []byte, info string) (*KeyPair, error) {
	if len(seed) < 16 {
		return nil, errs.New(errs.CryptoFailure, "device seed too short (%d bytes)", len(seed))
	}
	material := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, seed, nil, []byte(info))
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "hkdf: derive signing seed")
	}
	priv := ed25519.NewKeyFromSeed(material)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Sign signs a 32-byte digest. The digest, not the raw message, is always
// what crosses this boundary. Callers are required to hash with a domain
// tag first.
func (kp *KeyPair) Sign(digest Digest) []byte {
	return ed25519.Sign(kp.private, digest[:])
}

// Verify checks an Ed25519 signature over a digest.
func Verify(pub ed25519.PublicKey, digest Digest, sig []byte) bool {
	return ed25519.Verify(pub, digest[:], sig)
}

// HKDF derives length bytes of key material. salt may be nil.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	kdf := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "hkdf: derive %d bytes", length)
	}
	return out, nil
}

// AEADSeal seals plaintext under key with ChaCha20-Poly1305 (96-bit nonce,
// 128-bit tag). A fresh random nonce is drawn from the CSPRNG for
// every call; the nonce is returned alongside the ciphertext so the caller
// can persist it. Nonce reuse is never the caller's responsibility to avoid
// by hand.
func AEADSeal(key, aad, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CryptoFailure, err, "aead: init")
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errs.Wrap(errs.CryptoFailure, err, "aead: draw nonce")
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// AEADOpen opens a ChaCha20-Poly1305 sealed payload. Corruption of any byte
// of aad, nonce, or ciphertext causes Open to fail.
func AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "aead: init")
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errs.New(errs.CryptoFailure, "aead: bad nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "aead: open")
	}
	return plaintext, nil
}

// RandomBytes draws n CSPRNG bytes, used for DEKs, request nonces, and
// jitter seeds.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "csprng: read %d bytes", n)
	}
	return b, nil
}

// AEADKeySize is the ChaCha20-Poly1305 key length in bytes.
const AEADKeySize = chacha20poly1305.KeySize
