package crypto

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"pwk.dev/kernel/internal/errs"
)

// kemScheme is the one ML-KEM-768 instantiation the façade exposes. Keeping
// the circl kem.Scheme interface private here, rather than re-exporting it,
// is what keeps the façade narrow.
var kemScheme = mlkem768.Scheme()

// KEMKeyPair is a post-quantum encapsulation keypair for vault envelope
// wrapping (pq/hybrid modes).
type KEMKeyPair struct {
	Public  kem.PublicKey
	private kem.PrivateKey
}

// KEMGenerate creates a fresh ML-KEM-768 keypair.
func KEMGenerate() (*KEMKeyPair, error) {
	pub, priv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "kem: generate keypair")
	}
	return &KEMKeyPair{Public: pub, private: priv}, nil
}

// KEMSeedSize is the seed length ML-KEM-768 derivation requires.
var KEMSeedSize = kemScheme.SeedSize()

// KEMDeriveKeyPair deterministically derives a keypair from seed, the same
// way DeriveKeyPair derives the device's Ed25519 identity key. The
// vault's post-quantum keypair survives a daemon restart from the device
// seed alone, with no separate private-key file to protect.
func KEMDeriveKeyPair(seed []byte) (*KEMKeyPair, error) {
	if len(seed) != KEMSeedSize {
		return nil, errs.New(errs.CryptoFailure, "kem: derive seed must be exactly KEMSeedSize bytes")
	}
	pub, priv := kemScheme.DeriveKeyPair(seed)
	return &KEMKeyPair{Public: pub, private: priv}, nil
}

// KEMPublicFromBytes decodes a marshaled ML-KEM-768 public key.
func KEMPublicFromBytes(b []byte) (kem.PublicKey, error) {
	pub, err := kemScheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "kem: unmarshal public key")
	}
	return pub, nil
}

// KEMEncap encapsulates a fresh shared secret under pub, returning the
// ciphertext to store in the envelope and the shared secret to feed into
// HKDF for DEK wrapping: DEK = HKDF(shared_secret, kdf_info).
func KEMEncap(pub kem.PublicKey) (ciphertext, sharedSecret []byte, err error) {
	ct, ss, err := kemScheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CryptoFailure, err, "kem: encapsulate")
	}
	return ct, ss, nil
}

// KEMDecap recovers the shared secret from a ciphertext using this
// keypair's private key.
func (kp *KEMKeyPair) KEMDecap(ciphertext []byte) ([]byte, error) {
	ss, err := kemScheme.Decapsulate(kp.private, ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, err, "kem: decapsulate")
	}
	return ss, nil
}

// MarshalPublic encodes the public key for on-disk/policy storage.
func (kp *KEMKeyPair) MarshalPublic() ([]byte, error) {
	return kp.Public.MarshalBinary()
}

// KEMCiphertextSize and KEMPublicKeySize are exposed for header/envelope
// length validation without re-deriving them from the scheme on every call.
var (
	KEMCiphertextSize = kemScheme.CiphertextSize()
	KEMPublicKeySize  = kemScheme.PublicKeySize()
)
