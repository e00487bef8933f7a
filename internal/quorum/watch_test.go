package quorum

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherIngestsApprovalDrop(t *testing.T) {
	c, kps := newTestCoordinator(t, 1)
	req, err := c.Request("vault:abc", 5)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	dropRoot := t.TempDir()
	w, err := NewWatcher(c, dropRoot, func() uint64 { return 6 })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	if err := w.WatchApprovalDir(req.RequestID); err != nil {
		t.Fatalf("WatchApprovalDir: %v", err)
	}

	stop := make(chan struct{})
	errs := make(chan error, 1)
	go w.Run(stop, func(err error) { errs <- err })
	defer close(stop)

	drop := approvalDrop{
		TrusteePubHex: hex.EncodeToString(kps[0].Public),
		SignatureHex:  hex.EncodeToString(kps[0].Sign(requestDigest(req.RequestID))),
	}
	raw, _ := json.Marshal(drop)
	path := filepath.Join(dropRoot, req.RequestID, "approvals", "trustee-0.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		snap, ok := c.Snapshot(req.RequestID)
		if ok && snap.State == StateAuthorized {
			return
		}
		select {
		case err := <-errs:
			t.Fatalf("watcher reported error: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for approval drop to be ingested")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
