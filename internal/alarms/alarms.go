// Package alarms is the Conformance Alarm Table: a parallel chained log
// recording rejected candidates so that attempted contamination
// of the contract is itself tamper-evident. It reuses chainstore with its
// own domain tag and payload shape. A rejection's raw content is hashed,
// never stored verbatim, so feeding identity-bearing content into alarms
// cannot exfiltrate it.
package alarms

import (
	"encoding/json"

	"pwk.dev/kernel/internal/chainstore"
	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

// AlarmRecord is the payload chained into the alarm table.
type AlarmRecord struct {
	Reason               contract.RejectionKind `json:"reason"`
	Detail               string                 `json:"detail,omitempty"`
	OffendingPayloadHash crypto.Digest          `json:"offending_payload_hash"`
	SourceTag            string                 `json:"source_tag"`
}

// Table is the alarm chain.
type Table struct {
	store *chainstore.Store
}

// Open opens (creating if absent) an alarm table at path, chained with its
// own domain tag so it can never be confused with the main Sealed Log.
// Cross-log ordering between the two is not guaranteed and must not be
// relied upon. Distinct domain tags make the two chains structurally
// unrelated.
func Open(path string, signer chainstore.Signer) (*Table, error) {
	store, err := chainstore.Open(path, crypto.DomainAlarmRecord, signer)
	if err != nil {
		return nil, err
	}
	return &Table{store: store}, nil
}

func (t *Table) Close() error { return t.store.Close() }

// Record hashes the offending candidate (never storing it verbatim) and
// appends an AlarmRecord describing the rejection.
func (t *Table) Record(rejection *contract.Rejection, offendingPayload []byte, sourceTag string) (uint64, error) {
	rec := AlarmRecord{
		Reason:               rejection.Kind,
		Detail:               rejection.Detail,
		OffendingPayloadHash: crypto.Hash("pwk:alarm-offending-payload:v1", offendingPayload),
		SourceTag:            sourceTag,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, errs.Wrap(errs.ContractViolation, err, "encode alarm record")
	}
	chained, err := t.store.Append(payload)
	if err != nil {
		return 0, err
	}
	return chained.Seq, nil
}

func (t *Table) Get(seq uint64) (AlarmRecord, bool, error) {
	r, ok, err := t.store.Get(seq)
	if err != nil || !ok {
		return AlarmRecord{}, ok, err
	}
	var rec AlarmRecord
	if err := json.Unmarshal(r.Payload, &rec); err != nil {
		return AlarmRecord{}, false, errs.Wrap(errs.IntegrityFailure, err, "decode alarm record")
	}
	return rec, true, nil
}

func (t *Table) Head() (chainstore.Head, error) { return t.store.Head() }

func (t *Table) Verify(fromSeq uint64, verifySig func(crypto.Digest, []byte) bool) (*chainstore.Divergence, error) {
	return t.store.Verify(fromSeq, verifySig)
}

func (t *Table) Len() (uint64, bool, error) {
	empty, err := t.store.Empty()
	if err != nil {
		return 0, false, err
	}
	if empty {
		return 0, true, nil
	}
	head, err := t.store.Head()
	if err != nil {
		return 0, false, err
	}
	return head.Seq + 1, false, nil
}
