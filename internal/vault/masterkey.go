package vault

import (
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

const masterKeyInfo = "pwk:vault-master-key:v1"
const classicalWrapAAD = "pwk:vault-dek-wrap:v1"

// MasterKey is the vault's classical DEK-wrapping key, held by the vault
// and exposed solely via wrap/unwrap. No caller outside this file ever
// sees the raw key bytes.
type MasterKey struct {
	key []byte
}

// NewMasterKey derives the wrapping key from a locally supplied seed, the
// same derive-don't-store pattern identity.New uses for the device key.
func NewMasterKey(seed []byte) (*MasterKey, error) {
	key, err := crypto.HKDF(seed, nil, []byte(masterKeyInfo), crypto.AEADKeySize)
	if err != nil {
		return nil, err
	}
	return &MasterKey{key: key}, nil
}

// Wrap seals dek under the master key. The returned bytes are nonce‖wrapped,
// stored verbatim as the envelope's classical_wrap field.
func (m *MasterKey) Wrap(dek []byte) ([]byte, error) {
	nonce, wrapped, err := crypto.AEADSeal(m.key, []byte(classicalWrapAAD), dek)
	if err != nil {
		return nil, err
	}
	return append(nonce, wrapped...), nil
}

// classicalNonceSize is the ChaCha20-Poly1305 nonce length (96 bits),
// duplicated here so this package needn't import
// golang.org/x/crypto/chacha20poly1305 just to read a constant.
const classicalNonceSize = 12

// Unwrap recovers a DEK from a classical_wrap field.
func (m *MasterKey) Unwrap(classicalWrap []byte) ([]byte, error) {
	if len(classicalWrap) < classicalNonceSize {
		return nil, errs.New(errs.CryptoFailure, "classical_wrap too short (%d bytes)", len(classicalWrap))
	}
	return crypto.AEADOpen(m.key, classicalWrap[:classicalNonceSize], []byte(classicalWrapAAD), classicalWrap[classicalNonceSize:])
}
