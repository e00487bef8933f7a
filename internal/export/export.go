// Package export turns an authorized bucket range into a deterministic,
// jittered, receipted bundle of events fit for handoff outside the kernel.
package export

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"

	"pwk.dev/kernel/internal/chainstore"
	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
	"pwk.dev/kernel/internal/sealedlog"
	"pwk.dev/kernel/internal/token"
)

// Receipt is appended to the receipt chain on every successful export,
// recording bundle_hash = H(canonical(bundle)) plus each batch's own hash
// so a later verify can pinpoint which batch a tampered bundle diverged at,
// rather than only reporting that the bundle as a whole no longer matches.
type Receipt struct {
	BundleHash  crypto.Digest   `json:"bundle_hash"`
	BatchHashes []crypto.Digest `json:"batch_hashes"`
	FromBucket  uint64          `json:"from_bucket"`
	ToBucket    uint64          `json:"to_bucket"`
	TokenID     string          `json:"token_id"`
}

// Pipeline reads the sealed log and produces receipted export bundles. It
// shares the token ledger with the vault so a token scoped to cover both an
// envelope and a bucket range can still only be spent once overall.
type Pipeline struct {
	log               *sealedlog.Log
	receipts          *chainstore.Store
	ledger            *token.Ledger
	kernelPub         ed25519.PublicKey
	maxEventsPerBatch int
	jitterS           uint32
	jitterStepS       uint32
}

func Open(receiptPath string, log *sealedlog.Log, signer chainstore.Signer, ledger *token.Ledger, kernelPub ed25519.PublicKey, maxEventsPerBatch int, jitterS, jitterStepS uint32) (*Pipeline, error) {
	store, err := chainstore.Open(receiptPath, crypto.DomainExportReceipt, signer)
	if err != nil {
		return nil, err
	}
	if maxEventsPerBatch <= 0 {
		maxEventsPerBatch = 500
	}
	return &Pipeline{
		log:               log,
		receipts:          store,
		ledger:            ledger,
		kernelPub:         kernelPub,
		maxEventsPerBatch: maxEventsPerBatch,
		jitterS:           jitterS,
		jitterStepS:       jitterStepS,
	}, nil
}

func (p *Pipeline) Close() error { return p.receipts.Close() }

// Export validates tok against [fromBucket, toBucket], consumes it, scans
// the sealed log for matching events, and produces a receipted Bundle.
func (p *Pipeline) Export(fromBucket, toBucket uint64, tok token.Token, currentBucket uint64) (*Bundle, *Receipt, error) {
	if fromBucket > toBucket {
		return nil, nil, errs.New(errs.ContractViolation, "export: from_bucket %d after to_bucket %d", fromBucket, toBucket)
	}
	scope := tok.Scope
	if scope.EnvelopeID != "" || fromBucket < scope.FromBucket || toBucket > scope.ToBucket {
		return nil, nil, errs.New(errs.AuthorizationFailure, "token %s does not cover export range [%d,%d]", tok.TokenID, fromBucket, toBucket)
	}
	if err := token.Verify(p.kernelPub, tok, currentBucket); err != nil {
		return nil, nil, err
	}
	usedFor := fmt.Sprintf("export:%d-%d", fromBucket, toBucket)
	if err := p.ledger.Consume(tok.TokenID, usedFor); err != nil {
		return nil, nil, err
	}

	counts := make(map[contract.TimeBucket]int)
	head, err := p.log.Head()
	if err != nil {
		return nil, nil, err
	}
	err = p.log.Range(0, head.Seq, func(r sealedlog.SealedRecord) error {
		b := r.Event.TimeBucket
		if b.StartEpochS >= fromBucket && b.StartEpochS <= toBucket {
			counts[b]++
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sorted := make([]bucketCount, 0, len(counts))
	for b, n := range counts {
		sorted = append(sorted, bucketCount{bucket: b, count: n})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].bucket.StartEpochS < sorted[j].bucket.StartEpochS })

	batches := batchBuckets(sorted, p.maxEventsPerBatch)

	var seedArr [32]byte
	seed, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	copy(seedArr[:], seed)
	applyJitter(batches, p.jitterS, p.jitterStepS, seedArr)
	if err := stampBatchHashes(batches); err != nil {
		return nil, nil, err
	}

	bundle := &Bundle{
		Batches:           batches,
		MaxEventsPerBatch: p.maxEventsPerBatch,
		JitterS:           p.jitterS,
		JitterStepS:       p.jitterStepS,
		JitterSeed:        seed,
	}

	bundleHash, err := HashBundle(bundle)
	if err != nil {
		return nil, nil, err
	}
	batchHashes := make([]crypto.Digest, len(bundle.Batches))
	for i, b := range bundle.Batches {
		batchHashes[i] = b.BatchHash
	}
	receipt := &Receipt{BundleHash: bundleHash, BatchHashes: batchHashes, FromBucket: fromBucket, ToBucket: toBucket, TokenID: tok.TokenID}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ContractViolation, err, "encode export receipt")
	}
	if _, err := p.receipts.Append(payload); err != nil {
		return nil, nil, err
	}
	return bundle, receipt, nil
}

// HashBundle computes bundle_hash = H(canonical(bundle)).
// json.Marshal is deterministic here because Bundle contains no maps and a
// fixed field order. Stronger canonicalization (as contract.Event needs
// for cross-process, cross-version hash stability) isn't required for a
// value that is hashed and verified within a single export-then-verify
// round trip.
func HashBundle(bundle *Bundle) (crypto.Digest, error) {
	canonical, err := json.Marshal(bundle)
	if err != nil {
		return crypto.Digest{}, errs.Wrap(errs.ContractViolation, err, "canonicalize export bundle")
	}
	return crypto.Hash(crypto.DomainExportReceipt, canonical), nil
}

// BatchMismatch pinpoints where a bundle diverged from its receipt. Index
// is the offending batch's position in bundle.Batches, or -1 when the
// divergence is not localized to any single batch (a missing/extra batch,
// or bundle-level metadata such as the jitter parameters).
type BatchMismatch struct {
	Index int
	Want  crypto.Digest
	Got   crypto.Digest
}

// VerifyBundle recomputes every batch's hash and the whole-bundle hash and
// compares them against receipt, returning the first divergence found. A
// nil result means bundle matches receipt exactly.
func VerifyBundle(bundle *Bundle, receipt *Receipt) (*BatchMismatch, error) {
	if len(bundle.Batches) != len(receipt.BatchHashes) {
		return &BatchMismatch{Index: -1}, nil
	}
	for i, b := range bundle.Batches {
		got, err := hashBatch(b)
		if err != nil {
			return nil, err
		}
		if got != receipt.BatchHashes[i] {
			return &BatchMismatch{Index: i, Want: receipt.BatchHashes[i], Got: got}, nil
		}
	}
	bundleHash, err := HashBundle(bundle)
	if err != nil {
		return nil, err
	}
	if bundleHash != receipt.BundleHash {
		return &BatchMismatch{Index: -1, Want: receipt.BundleHash, Got: bundleHash}, nil
	}
	return nil, nil
}

func (p *Pipeline) ReceiptsHead() (chainstore.Head, error) { return p.receipts.Head() }

// ReceiptAt fetches and decodes a single receipt by its position in the
// receipt chain, for the pwkd export verify subcommand: pinpointing an
// offending batch starts with locating the receipt itself.
func (p *Pipeline) ReceiptAt(seq uint64) (*Receipt, bool, error) {
	r, ok, err := p.receipts.Get(seq)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec Receipt
	if err := json.Unmarshal(r.Payload, &rec); err != nil {
		return nil, false, errs.Wrap(errs.IntegrityFailure, err, "decode export receipt")
	}
	return &rec, true, nil
}

func (p *Pipeline) VerifyReceipts(fromSeq uint64, verifySig func(crypto.Digest, []byte) bool) (*chainstore.Divergence, error) {
	return p.receipts.Verify(fromSeq, verifySig)
}
