// Package token implements the break-glass capability token: a short
// signed record granting one-shot access to a vault envelope or export
// range. Quorum mints tokens; vault and export consume them exactly once.
package token

import (
	"crypto/ed25519"
	"encoding/binary"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

// Scope names what a Token authorizes: either a single envelope_id or a
// contiguous bucket range for export.
type Scope struct {
	EnvelopeID string `json:"envelope_id,omitempty"`
	FromBucket uint64 `json:"from_bucket,omitempty"`
	ToBucket   uint64 `json:"to_bucket,omitempty"`
}

func (s Scope) bytes() []byte {
	b := make([]byte, 0, len(s.EnvelopeID)+16)
	b = append(b, []byte(s.EnvelopeID)...)
	var fb, tb [8]byte
	binary.BigEndian.PutUint64(fb[:], s.FromBucket)
	binary.BigEndian.PutUint64(tb[:], s.ToBucket)
	b = append(b, fb[:]...)
	b = append(b, tb[:]...)
	return b
}

// CoversEnvelope reports whether the scope authorizes envelopeID either
// directly or via its bucket falling in [FromBucket, ToBucket].
func (s Scope) CoversEnvelope(envelopeID string, bucketStart uint64) bool {
	if s.EnvelopeID != "" {
		return s.EnvelopeID == envelopeID
	}
	return bucketStart >= s.FromBucket && bucketStart <= s.ToBucket
}

// Token is the break-glass capability: token_id, scope, not_before_bucket,
// not_after_bucket, and a signature by the kernel's device key.
type Token struct {
	TokenID         string `json:"token_id"`
	Scope           Scope  `json:"scope"`
	NotBeforeBucket uint64 `json:"not_before_bucket"`
	NotAfterBucket  uint64 `json:"not_after_bucket"`
	Signature       []byte `json:"signature_by_kernel"`
}

func digest(tokenID string, scope Scope, notBefore, notAfter uint64) crypto.Digest {
	var nb, na [8]byte
	binary.BigEndian.PutUint64(nb[:], notBefore)
	binary.BigEndian.PutUint64(na[:], notAfter)
	return crypto.Hash(crypto.DomainToken, []byte(tokenID), scope.bytes(), nb[:], na[:])
}

// Signer is the minimal kernel-identity capability a minter needs.
type Signer interface {
	Sign(digest crypto.Digest) []byte
}

// New mints and signs a token. Only the break-glass coordinator, holding the
// device key after a satisfied quorum, may call this.
func New(signer Signer, tokenID string, scope Scope, notBefore, notAfter uint64) Token {
	d := digest(tokenID, scope, notBefore, notAfter)
	return Token{
		TokenID:         tokenID,
		Scope:           scope,
		NotBeforeBucket: notBefore,
		NotAfterBucket:  notAfter,
		Signature:       signer.Sign(d),
	}
}

// Verify checks the token's signature and bucket-validity window against
// currentBucket. It does not check consumption; callers must also consult a
// Ledger before honoring the token.
func Verify(pub ed25519.PublicKey, t Token, currentBucket uint64) error {
	d := digest(t.TokenID, t.Scope, t.NotBeforeBucket, t.NotAfterBucket)
	if !crypto.Verify(pub, d, t.Signature) {
		return errs.New(errs.AuthorizationFailure, "token %s: signature invalid", t.TokenID)
	}
	if currentBucket < t.NotBeforeBucket || currentBucket > t.NotAfterBucket {
		return errs.New(errs.AuthorizationFailure, "token %s: outside validity window [%d,%d], got %d",
			t.TokenID, t.NotBeforeBucket, t.NotAfterBucket, currentBucket)
	}
	return nil
}

// replayError is returned by a Ledger when a token_id has already been
// consumed. Vault and export accept a token exactly once; replay is a
// fatal error.
func replayError(tokenID string) error {
	return errs.New(errs.AuthorizationFailure, "token %s: already consumed, replay rejected", tokenID)
}
