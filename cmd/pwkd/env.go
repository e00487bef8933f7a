package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"pwk.dev/kernel/internal/alarms"
	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
	"pwk.dev/kernel/internal/export"
	"pwk.dev/kernel/internal/identity"
	"pwk.dev/kernel/internal/policy"
	"pwk.dev/kernel/internal/quorum"
	"pwk.dev/kernel/internal/sealedlog"
	"pwk.dev/kernel/internal/token"
	"pwk.dev/kernel/internal/vault"
)

const deviceSeedFileName = "device.seed"

// kernelEnv wires every on-disk component against one data directory: load
// config, open every store once, hand the assembled set to whichever
// subcommand needs it. CLI subcommands that only touch one or two
// components still open the rest, because every store here is cheap to
// open and close (bbolt, plain directories). There is no daemon-only
// resource among them.
type kernelEnv struct {
	dataDir      string
	daemonConfig policy.DaemonConfig
	ruleset      policy.RulesetPolicy
	kernel       *identity.Kernel
	enforcer     *contract.Enforcer
	log          *sealedlog.Log
	alarmTable   *alarms.Table
	vault        *vault.Vault
	ledger       *token.Ledger
	quorum       *quorum.Coordinator
	exportP      *export.Pipeline
	bucketSizeS  uint32
	logger       zerolog.Logger
}

// openKernelEnv loads config.toml and policy.json from dataDir and opens
// every on-disk component. Callers must call close() when done.
func openKernelEnv(dataDir string) (*kernelEnv, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	daemonCfg, err := policy.LoadDaemonConfig(filepath.Join(dataDir, "config.toml"))
	if err != nil {
		return nil, fmt.Errorf("load config.toml: %w", err)
	}
	ruleset, err := policy.Load(filepath.Join(dataDir, "policy.json"))
	if err != nil {
		return nil, fmt.Errorf("load policy.json: %w", err)
	}

	seed, err := os.ReadFile(filepath.Join(dataDir, deviceSeedFileName))
	if err != nil {
		return nil, fmt.Errorf("read device seed: %w", err)
	}

	k, err := identity.New(ruleset.RulesetID, ruleset.KernelVersion, seed)
	if err != nil {
		return nil, err
	}

	enforcer, err := contract.NewEnforcer(ruleset.ExtensionKinds, ruleset.AllowedBucketSizes)
	if err != nil {
		return nil, err
	}
	candidateSchema, err := contract.NewCandidateSchema()
	if err != nil {
		return nil, err
	}
	enforcer = enforcer.WithSchema(candidateSchema)

	if err := os.MkdirAll(filepath.Join(dataDir, "log"), 0o700); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "create log dir")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "alarms"), 0o700); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "create alarms dir")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "breakglass"), 0o700); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "create breakglass dir")
	}

	log, err := sealedlog.Open(filepath.Join(dataDir, "log", "chain.db"), k, logger, time.Duration(ruleset.StallTimeoutS)*time.Second, k.Stamp)
	if err != nil {
		return nil, err
	}

	alarmTable, err := alarms.Open(filepath.Join(dataDir, "alarms", "chain.db"), k)
	if err != nil {
		return nil, err
	}

	masterKey, err := vault.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	var kemKP *crypto.KEMKeyPair
	if ruleset.CryptoSuite == crypto.SuitePQ || ruleset.CryptoSuite == crypto.SuiteHybrid {
		kemKP, err = k.DeriveVaultKEMKeyPair()
		if err != nil {
			return nil, err
		}
	}

	ledger, err := token.OpenLedger(filepath.Join(dataDir, "token_ledger.db"))
	if err != nil {
		return nil, err
	}

	v, err := vault.Open(filepath.Join(dataDir, "vault"), ruleset.CryptoSuite, masterKey, kemKP, k.RulesetHash(), k.PublicKey(), ledger)
	if err != nil {
		return nil, err
	}

	trustees := make([]quorum.Trustee, 0, len(ruleset.Quorum.TrusteePubKeysHex))
	for i, pkHex := range ruleset.Quorum.TrusteePubKeysHex {
		pub, decErr := hex.DecodeString(pkHex)
		if decErr != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("policy.json quorum.trustee_pubkeys_hex[%d]: invalid ed25519 public key", i)
		}
		trustees = append(trustees, quorum.Trustee{Label: fmt.Sprintf("trustee-%d", i), Public: ed25519.PublicKey(pub)})
	}
	coord, err := quorum.Open(filepath.Join(dataDir, "breakglass", "chain.db"), k, trustees, ruleset.Quorum.Threshold, ruleset.Quorum.ValidityWindow, logger)
	if err != nil {
		return nil, err
	}

	exportP, err := export.Open(filepath.Join(dataDir, "export_receipts.db"), log, k, ledger, k.PublicKey(), ruleset.MaxEventsPerBatch, ruleset.JitterS, ruleset.JitterStepS)
	if err != nil {
		return nil, err
	}

	bucketSizeS := uint32(600)
	if len(ruleset.AllowedBucketSizes) > 0 {
		bucketSizeS = ruleset.AllowedBucketSizes[0]
	}

	return &kernelEnv{
		dataDir:      dataDir,
		daemonConfig: daemonCfg,
		ruleset:      ruleset,
		kernel:       k,
		enforcer:     enforcer,
		log:          log,
		alarmTable:   alarmTable,
		vault:        v,
		ledger:       ledger,
		quorum:       coord,
		exportP:      exportP,
		bucketSizeS:  bucketSizeS,
		logger:       logger,
	}, nil
}

func (e *kernelEnv) close() {
	_ = e.exportP.Close()
	_ = e.quorum.Close()
	_ = e.vault.Close()
	_ = e.ledger.Close()
	_ = e.alarmTable.Close()
	_ = e.log.Close()
}

// currentBucket returns the start_epoch_s of the TimeBucket containing now,
// under this deployment's canonical bucket size.
func (e *kernelEnv) currentBucket() uint64 {
	return contract.Floor(uint64(time.Now().Unix()), e.bucketSizeS).StartEpochS
}
