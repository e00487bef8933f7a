package main

import (
	"encoding/json"
	"os"

	"github.com/BurntSushi/toml"

	"pwk.dev/kernel/internal/policy"
)

func writeDaemonConfigTOML(path string, cfg policy.DaemonConfig) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func writeRulesetPolicyJSON(path string, p policy.RulesetPolicy) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return os.WriteFile(path, raw, 0o600)
}
