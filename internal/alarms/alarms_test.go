package alarms

import (
	"bytes"
	"path/filepath"
	"testing"

	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/crypto"
)

type fakeSigner struct{ kp *crypto.KeyPair }

func (f fakeSigner) Sign(digest crypto.Digest) []byte { return f.kp.Sign(digest) }

func newTestTable(t *testing.T) *Table {
	t.Helper()
	kp, err := crypto.DeriveKeyPair(bytes.Repeat([]byte{0x8}, 32), "test")
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	path := filepath.Join(t.TempDir(), "alarms.db")
	tbl, err := Open(path, fakeSigner{kp: kp})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestRecordAndGet(t *testing.T) {
	tbl := newTestTable(t)
	rej := &contract.Rejection{Kind: contract.ExtraFields, Detail: `unexpected field "device_id"`}
	seq, err := tbl.Record(rej, []byte(`{"device_id":"x"}`), "http-events-api")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, ok, err := tbl.Get(seq)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Reason != contract.ExtraFields {
		t.Fatalf("unexpected reason: %v", got.Reason)
	}
	if got.SourceTag != "http-events-api" {
		t.Fatalf("unexpected source tag: %v", got.SourceTag)
	}
}

func TestRecordNeverStoresPayloadVerbatim(t *testing.T) {
	tbl := newTestTable(t)
	secret := []byte(`{"identity":"jane.doe@example.com"}`)
	rej := &contract.Rejection{Kind: contract.ExtraFields}
	seq, err := tbl.Record(rej, secret, "test")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, _, err := tbl.Get(seq)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := crypto.Hash("pwk:alarm-offending-payload:v1", secret)
	if got.OffendingPayloadHash != want {
		t.Fatalf("offending payload hash mismatch")
	}
}

func TestLenTracksAppends(t *testing.T) {
	tbl := newTestTable(t)
	if _, empty, err := tbl.Len(); err != nil || !empty {
		t.Fatalf("expected empty table, empty=%v err=%v", empty, err)
	}
	rej := &contract.Rejection{Kind: contract.InvalidZoneID}
	for i := 0; i < 3; i++ {
		if _, err := tbl.Record(rej, []byte("x"), "test"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	n, empty, err := tbl.Len()
	if err != nil || empty || n != 3 {
		t.Fatalf("unexpected len: n=%d empty=%v err=%v", n, empty, err)
	}
}
