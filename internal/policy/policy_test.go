package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"pwk.dev/kernel/internal/crypto"
)

func validRulesetPolicy() RulesetPolicy {
	return RulesetPolicy{
		RulesetID:          "baseline",
		KernelVersion:      "1.0.0",
		AllowedBucketSizes: []uint32{600},
		CryptoSuite:        crypto.SuiteClassical,
		Quorum: QuorumPolicy{
			TrusteePubKeysHex: []string{"aa", "bb", "cc"},
			Threshold:         2,
			ValidityWindow:    100,
		},
	}
}

func writePolicy(t *testing.T, p RulesetPolicy) string {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadAcceptsValidPolicy(t *testing.T) {
	path := writePolicy(t, validRulesetPolicy())
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.RulesetID != "baseline" {
		t.Fatalf("unexpected ruleset_id: %v", p.RulesetID)
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	p := validRulesetPolicy()
	p.Quorum.Threshold = 10
	path := writePolicy(t, p)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection of threshold exceeding trustee count")
	}
}

func TestLoadRejectsInvalidCryptoSuite(t *testing.T) {
	p := validRulesetPolicy()
	p.CryptoSuite = "quantum-vibes"
	path := writePolicy(t, p)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection of invalid crypto_suite")
	}
}

func TestLoadRejectsInvalidExtensionKind(t *testing.T) {
	p := validRulesetPolicy()
	p.ExtensionKinds = []string{"not valid!"}
	path := writePolicy(t, p)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection of invalid extension_kind")
	}
}

func TestDefaultDaemonConfigIsValid(t *testing.T) {
	if err := ValidateDaemonConfig(DefaultDaemonConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateDaemonConfigRejectsNonLoopback(t *testing.T) {
	cfg := DefaultDaemonConfig()
	cfg.BindAddr = "0.0.0.0:7117"
	if err := ValidateDaemonConfig(cfg); err == nil {
		t.Fatalf("expected rejection of non-loopback bind_addr")
	}
}

func TestLoadDaemonConfigRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := "data_dir = \"" + dir + "\"\nbind_addr = \"127.0.0.1:7117\"\nlog_level = \"info\"\nbreakglass_drop_dir = \"" + filepath.Join(dir, "dropbox") + "\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config.toml: %v", err)
	}
	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7117" {
		t.Fatalf("unexpected bind_addr: %v", cfg.BindAddr)
	}
}
