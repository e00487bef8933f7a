package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
)

// RulesetPolicy is policy.json: the ruleset identity, contract extensions,
// crypto mode, and break-glass quorum parameters for one deployment.
// Unlike DaemonConfig, this is read with encoding/json rather
// than toml: it must stay readable by auditing tooling outside this
// module. A second serialization format here would only add a translation step with
// no benefit, so stdlib json is the right call rather than a gratuitous
// third library.
type RulesetPolicy struct {
	RulesetID          string       `json:"ruleset_id"`
	KernelVersion      string       `json:"kernel_version"`
	ExtensionKinds     []string     `json:"extension_kinds"`
	AllowedBucketSizes []uint32     `json:"allowed_bucket_sizes"`
	CryptoSuite        crypto.Suite `json:"crypto_suite"`
	DevicePubKeyHex    string       `json:"device_pubkey_hex"`
	Quorum             QuorumPolicy `json:"quorum"`
	StallTimeoutS      uint32       `json:"stall_timeout_s"`
	MaxEventsPerBatch  int          `json:"max_events_per_batch"`
	JitterS            uint32       `json:"jitter_s"`
	JitterStepS        uint32       `json:"jitter_step_s"`
}

// QuorumPolicy is the break-glass trustee set T, threshold k, and request
// validity window W.
type QuorumPolicy struct {
	TrusteePubKeysHex []string `json:"trustee_pubkeys_hex"`
	Threshold         int      `json:"threshold"`
	ValidityWindow    uint64   `json:"validity_window_buckets"`
}

// Load reads and validates policy.json at path.
func Load(path string) (RulesetPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RulesetPolicy{}, fmt.Errorf("read %s: %w", path, err)
	}
	var p RulesetPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return RulesetPolicy{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return RulesetPolicy{}, err
	}
	return p, nil
}

// Validate rejects a policy the rest of the kernel could not safely run
// under. This is fail-closed config, the same posture as runtime errors.
func (p RulesetPolicy) Validate() error {
	if p.RulesetID == "" {
		return errors.New("ruleset_id is required")
	}
	if p.KernelVersion == "" {
		return errors.New("kernel_version is required")
	}
	if len(p.AllowedBucketSizes) == 0 {
		return errors.New("allowed_bucket_sizes must be non-empty")
	}
	for _, name := range p.ExtensionKinds {
		if !contract.ValidExtensionKind(name) {
			return fmt.Errorf("invalid extension_kind %q", name)
		}
	}
	if !p.CryptoSuite.Valid() {
		return fmt.Errorf("invalid crypto_suite %q", p.CryptoSuite)
	}
	if p.Quorum.Threshold < 1 || p.Quorum.Threshold > len(p.Quorum.TrusteePubKeysHex) {
		return fmt.Errorf("quorum threshold %d invalid for %d trustees", p.Quorum.Threshold, len(p.Quorum.TrusteePubKeysHex))
	}
	if p.Quorum.ValidityWindow == 0 {
		return errors.New("quorum validity_window_buckets must be > 0")
	}
	if p.MaxEventsPerBatch < 0 {
		return errors.New("max_events_per_batch must be >= 0")
	}
	return nil
}
