// Package identity implements the ruleset and kernel identity component:
// the immutable {ruleset_id, kernel_version, device_pubkey} tuple stamped
// into every record.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"

	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

// deviceKeyInfo is the fixed HKDF info string binding a device seed to its
// signing key.
const deviceKeyInfo = "pwk:device-key:v1"

// vaultKEMInfo derives the vault's post-quantum keypair from the same
// device seed, under a distinct info string, so a daemon restart recovers
// both keys from a single seed file without a second one to protect.
const vaultKEMInfo = "pwk:vault-kem-key:v1"

// Kernel holds the tuple that every SealedRecord and vault AAD is bound to.
// The device private key never leaves this struct.
type Kernel struct {
	RulesetID     string
	KernelVersion string
	keys          *crypto.KeyPair
	seed          []byte
}

// New derives the device keypair from seed and pairs it with the ruleset
// identity. seed typically comes from a file with owner-only permissions.
func New(rulesetID, kernelVersion string, seed []byte) (*Kernel, error) {
	if rulesetID == "" {
		return nil, errs.New(errs.ContractViolation, "ruleset_id required")
	}
	if kernelVersion == "" {
		return nil, errs.New(errs.ContractViolation, "kernel_version required")
	}
	kp, err := crypto.DeriveKeyPair(seed, deviceKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Kernel{RulesetID: rulesetID, KernelVersion: kernelVersion, keys: kp, seed: seed}, nil
}

// DeriveVaultKEMKeyPair derives the vault's ML-KEM-768 keypair from the
// same seed this Kernel was constructed with, so pq/hybrid vault mode needs
// no separate KEM private-key file on disk.
func (k *Kernel) DeriveVaultKEMKeyPair() (*crypto.KEMKeyPair, error) {
	kemSeed, err := crypto.HKDF(k.seed, nil, []byte(vaultKEMInfo), crypto.KEMSeedSize)
	if err != nil {
		return nil, err
	}
	return crypto.KEMDeriveKeyPair(kemSeed)
}

// DevicePublicKeyHex returns the device's Ed25519 public key, hex-encoded,
// for inclusion in policy files and verification artifacts.
func (k *Kernel) DevicePublicKeyHex() string {
	return hex.EncodeToString(k.keys.Public)
}

// PublicKey returns the device's Ed25519 public key, for callers (vault,
// quorum, export) that verify break-glass tokens or chain signatures
// in-process rather than reloading it from policy.
func (k *Kernel) PublicKey() ed25519.PublicKey {
	return k.keys.Public
}

// Sign signs a 32-byte digest with the device's private key. This is the
// only operation the private key is ever exposed through.
func (k *Kernel) Sign(digest crypto.Digest) []byte {
	return k.keys.Sign(digest)
}

// Stamp fills ruleset_id and kernel_version on an enforcer-checked event.
// Callers may not set these fields themselves; the enforcer's
// candidateKeys allow-list guarantees an incoming Event never has them
// populated before this call.
func (k *Kernel) Stamp(ev contract.Event) contract.Event {
	ev.RulesetID = k.RulesetID
	ev.KernelVersion = k.KernelVersion
	return ev
}

// RulesetHash binds ruleset_id and kernel_version into a single digest used
// as part of a vault envelope's AAD.
func (k *Kernel) RulesetHash() crypto.Digest {
	return crypto.Hash("pwk:ruleset-hash:v1", []byte(k.RulesetID), []byte(k.KernelVersion))
}
