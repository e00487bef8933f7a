// Package sealedlog is the append-only, hash-chained store of accepted
// events, backed by chainstore and a single writer goroutine.
package sealedlog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pwk.dev/kernel/internal/chainstore"
	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

// appendQueueSize bounds the writer's inbox: append requests queue to the
// writer goroutine over a bounded channel.
const appendQueueSize = 256

type appendRequest struct {
	payload  []byte
	resultCh chan appendResult
}

type appendResult struct {
	record chainstore.Record
	err    error
}

// Log is the sealed log. All writes go through a single owned goroutine;
// reads hit chainstore directly and never block on the writer.
type Log struct {
	store    *chainstore.Store
	logger   zerolog.Logger
	queue    chan appendRequest
	stallFor time.Duration
	stamp    func(contract.Event) contract.Event

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	failed   atomic.Bool
	failedAt atomic.Value // string reason
}

// Open opens (creating if absent) a sealed log at path. stamp fills
// ruleset_id/kernel_version on kernel-originated records (GapArtifacts)
// the same way it does on ingested candidates. There is no exception for
// kernel-emitted records.
func Open(path string, signer chainstore.Signer, logger zerolog.Logger, stallFor time.Duration, stamp func(contract.Event) contract.Event) (*Log, error) {
	store, err := chainstore.Open(path, crypto.DomainRecord, signer)
	if err != nil {
		return nil, err
	}
	if stallFor <= 0 {
		stallFor = 600 * time.Second
	}
	return &Log{store: store, logger: logger, queue: make(chan appendRequest, appendQueueSize), stallFor: stallFor, stamp: stamp}, nil
}

// Start spawns the single writer goroutine. Callers must call Stop before
// process exit to drain and close cleanly.
func (l *Log) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the writer to exit and waits for it to drain.
func (l *Log) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Close closes the underlying store. Callers must Stop() first.
func (l *Log) Close() error { return l.store.Close() }

func (l *Log) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.queue:
			rec, err := l.store.Append(req.payload)
			if err != nil {
				l.markFailed(err.Error())
			}
			req.resultCh <- appendResult{record: rec, err: err}
		}
	}
}

func (l *Log) markFailed(reason string) {
	if l.failed.CompareAndSwap(false, true) {
		l.failedAt.Store(reason)
		l.logger.Error().Str("reason", reason).Msg("sealed log failed closed")
	}
}

// Failed reports whether the log has fail-closed and, if so, the reason.
func (l *Log) Failed() (bool, string) {
	if !l.failed.Load() {
		return false, ""
	}
	reason, _ := l.failedAt.Load().(string)
	return true, reason
}

// Submit appends an already-enforcer-checked, already-stamped Event. Backpressure: if the writer's queue is full, Submit blocks
// (ingestion stalls rather than drops silently); if the block exceeds
// stallFor, a GapArtifact is emitted once the queue drains.
func (l *Log) Submit(ctx context.Context, ev contract.Event) (uint64, error) {
	if failed, reason := l.Failed(); failed {
		return 0, errs.New(errs.StorageFailure, "sealed log is fail-closed: %s", reason)
	}
	payload, err := ev.Canonical()
	if err != nil {
		return 0, errs.Wrap(errs.ContractViolation, err, "canonicalize event")
	}

	req := appendRequest{payload: payload, resultCh: make(chan appendResult, 1)}
	stallStart := time.Now()
	stalled := false

	timer := time.NewTimer(l.stallFor)
	defer timer.Stop()
	select {
	case l.queue <- req:
	case <-timer.C:
		stalled = true
		select {
		case l.queue <- req:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	res := <-req.resultCh
	if res.err != nil {
		return 0, res.err
	}
	if stalled {
		l.logger.Warn().Dur("stalled_for", time.Since(stallStart)).Msg("append queue drained after backpressure stall")
		if _, err := l.EmitGapArtifact("backpressure", ev.TimeBucket); err != nil {
			l.logger.Error().Err(err).Msg("failed to append backpressure gap artifact")
		}
	}
	return res.record.Seq, nil
}

// EmitGapArtifact records that events are being lost for bucket, for the
// given reason. It skips Submit's stall timer and gap accounting, but it
// still sends on the same bounded queue to the single writer goroutine,
// preserving ordering; while that queue is full, the send blocks.
func (l *Log) EmitGapArtifact(reason string, bucket contract.TimeBucket) (uint64, error) {
	ev := l.stamp(gapArtifactEvent(reason, bucket))
	payload, err := ev.Canonical()
	if err != nil {
		return 0, errs.Wrap(errs.ContractViolation, err, "canonicalize gap artifact")
	}
	req := appendRequest{payload: payload, resultCh: make(chan appendResult, 1)}
	l.queue <- req
	res := <-req.resultCh
	if res.err != nil {
		l.markFailed(res.err.Error())
	}
	return res.record.Seq, res.err
}

var gapReasonSlug = regexp.MustCompile(`[^a-z0-9-]+`)

// gapArtifactEvent encodes a GapArtifact as a normal Event: the contract's
// exact-six-field shape has no free-text "reason" field, so the reason is
// carried in zone_id as "zone:gap-<slug>", where every run of characters
// other than a-z, 0-9 and "-" becomes a single "-".
func gapArtifactEvent(reason string, bucket contract.TimeBucket) contract.Event {
	slug := strings.ToLower(gapReasonSlug.ReplaceAllString(reason, "-"))
	if len(slug) > 58 {
		slug = slug[:58]
	}
	return contract.Event{
		EventType:  contract.GapArtifact,
		TimeBucket: bucket,
		ZoneID:     contract.ZoneID(fmt.Sprintf("zone:gap-%s", slug)),
		Confidence: 1.0,
	}
}

// Head, Get, Range, Verify delegate to chainstore and decode payloads back
// into Events.

type SealedRecord struct {
	Seq        uint64
	Event      contract.Event
	PrevHash   crypto.Digest
	RecordHash crypto.Digest
	Signature  []byte
}

func decodeSealedRecord(r chainstore.Record) (SealedRecord, error) {
	var ev contract.Event
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return SealedRecord{}, errs.Wrap(errs.IntegrityFailure, err, "decode sealed record payload")
	}
	return SealedRecord{Seq: r.Seq, Event: ev, PrevHash: r.PrevHash, RecordHash: r.RecordHash, Signature: r.Signature}, nil
}

func (l *Log) Head() (chainstore.Head, error) { return l.store.Head() }

// Empty reports whether any event has ever been sealed.
func (l *Log) Empty() (bool, error) { return l.store.Empty() }

func (l *Log) Get(seq uint64) (SealedRecord, bool, error) {
	r, ok, err := l.store.Get(seq)
	if err != nil || !ok {
		return SealedRecord{}, ok, err
	}
	sr, err := decodeSealedRecord(r)
	return sr, true, err
}

func (l *Log) Range(from, to uint64, fn func(SealedRecord) error) error {
	return l.store.Range(from, to, func(r chainstore.Record) error {
		sr, err := decodeSealedRecord(r)
		if err != nil {
			return err
		}
		return fn(sr)
	})
}

func (l *Log) Verify(fromSeq uint64, verifySig func(crypto.Digest, []byte) bool) (*chainstore.Divergence, error) {
	return l.store.Verify(fromSeq, verifySig)
}
