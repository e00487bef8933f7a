package ingestcontract

import (
	"pwk.dev/kernel/internal/crypto"
)

// featureHashDomain is the domain tag of every FeatureHash; the fresh random
// salt in ComputeFeatureHash, not this fixed tag, is what makes the same
// feature vector hash differently each time it is computed. A stable hash of
// detector features would let a reader correlate events across time by
// feature fingerprint even without ever seeing a frame.
const featureHashDomain = "pwk:feature-hash:v1"

// FeatureHash is a one-way, per-call-unstable digest over detector
// features. It exists so an ingester has somewhere to put intermediate
// detection state without being tempted to carry it into an Event. The
// contract.Event type has no field that could hold one.
type FeatureHash = crypto.Digest

// ComputeFeatureHash hashes features under a fresh random salt, guaranteeing
// the result cannot be inverted back to features and will not match a hash
// of the same features computed on a later frame.
func ComputeFeatureHash(features []byte) (FeatureHash, error) {
	salt, err := crypto.RandomBytes(32)
	if err != nil {
		return FeatureHash{}, err
	}
	return crypto.Hash(featureHashDomain, salt, features), nil
}
