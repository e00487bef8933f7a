package export

import (
	"encoding/json"
	"math/rand/v2"

	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

// Batch groups one or more TimeBuckets, ordered by start_epoch_s, whose
// combined event count does not exceed MaxEventsPerBatch except when a
// single bucket alone already does. This caps fan-out and bounds how much
// a bundle's shape leaks about event volume.
type Batch struct {
	Buckets        []contract.TimeBucket `json:"buckets"`
	EventCount     int                   `json:"event_count"`
	EmissionBucket uint64                `json:"emission_bucket"`
	BatchHash      crypto.Digest         `json:"batch_hash"`
}

// batchHashInput mirrors Batch minus BatchHash itself, so hashing a batch
// never folds its own hash field into the digest.
type batchHashInput struct {
	Buckets        []contract.TimeBucket `json:"buckets"`
	EventCount     int                   `json:"event_count"`
	EmissionBucket uint64                `json:"emission_bucket"`
}

// hashBatch computes a per-batch digest so a tampered bundle can be
// localized to the offending batch instead of only failing as a whole.
func hashBatch(b Batch) (crypto.Digest, error) {
	canonical, err := json.Marshal(batchHashInput{Buckets: b.Buckets, EventCount: b.EventCount, EmissionBucket: b.EmissionBucket})
	if err != nil {
		return crypto.Digest{}, errs.Wrap(errs.ContractViolation, err, "canonicalize export batch")
	}
	return crypto.Hash(crypto.DomainExportReceipt, canonical), nil
}

// Bundle is the deterministic export output.
type Bundle struct {
	Batches           []Batch `json:"batches"`
	MaxEventsPerBatch int     `json:"max_events_per_batch"`
	JitterS           uint32  `json:"jitter_s"`
	JitterStepS       uint32  `json:"jitter_step_s"`
	JitterSeed        []byte  `json:"jitter_seed"`
}

// batchBuckets packs sorted buckets (each tagged with its event count) into
// batches bounded by maxEventsPerBatch.
func batchBuckets(buckets []bucketCount, maxEventsPerBatch int) []Batch {
	var out []Batch
	var cur Batch
	curCount := 0
	flush := func() {
		if len(cur.Buckets) > 0 {
			cur.EventCount = curCount
			out = append(out, cur)
		}
		cur = Batch{}
		curCount = 0
	}
	for _, bc := range buckets {
		if curCount > 0 && curCount+bc.count > maxEventsPerBatch {
			flush()
		}
		cur.Buckets = append(cur.Buckets, bc.bucket)
		curCount += bc.count
	}
	flush()
	return out
}

type bucketCount struct {
	bucket contract.TimeBucket
	count  int
}

// applyJitter quantizes each batch's emission bucket to jitterStepS and
// offsets it by a value drawn from a ChaCha8 stream seeded with seed, in
// [-jitterS, +jitterS]. The seed alone is recorded in the bundle; a
// verifier holding the same seed replays this exact function to re-derive
// the same emission buckets.
func applyJitter(batches []Batch, jitterS, jitterStepS uint32, seed [32]byte) {
	if jitterStepS == 0 {
		jitterStepS = 1
	}
	r := rand.New(rand.NewChaCha8(seed))
	span := int64(2*jitterS) + 1
	for i := range batches {
		if len(batches[i].Buckets) == 0 {
			continue
		}
		base := batches[i].Buckets[0].StartEpochS
		quantized := (base / uint64(jitterStepS)) * uint64(jitterStepS)
		offset := int64(0)
		if span > 1 {
			offset = r.Int64N(span) - int64(jitterS)
		}
		emission := int64(quantized) + offset
		if emission < 0 {
			emission = 0
		}
		batches[i].EmissionBucket = uint64(emission)
	}
}

// stampBatchHashes fills in BatchHash for every batch, once their final
// shape (buckets, count, jittered emission bucket) is settled.
func stampBatchHashes(batches []Batch) error {
	for i := range batches {
		h, err := hashBatch(batches[i])
		if err != nil {
			return err
		}
		batches[i].BatchHash = h
	}
	return nil
}
