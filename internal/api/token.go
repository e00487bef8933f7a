package api

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

// LoadOrCreateAPIToken reads <dataDir>/api_token, generating a fresh
// 256-bit bearer token on first run. The file is created 0600; it is the
// only credential the loopback Event API accepts.
func LoadOrCreateAPIToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "api_token")
	raw, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(raw)), nil
	}
	if !os.IsNotExist(err) {
		return "", errs.Wrap(errs.StorageFailure, err, "read api_token")
	}
	tokenBytes, err := crypto.RandomBytes(32)
	if err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", errs.Wrap(errs.StorageFailure, err, "create data dir for api_token")
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", errs.Wrap(errs.StorageFailure, err, "write api_token")
	}
	return token, nil
}
