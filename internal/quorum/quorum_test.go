package quorum

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"testing"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/obs"
)

type fakeSigner struct{ kp *crypto.KeyPair }

func (f fakeSigner) Sign(digest crypto.Digest) []byte { return f.kp.Sign(digest) }

func newTestCoordinator(t *testing.T, threshold int) (*Coordinator, []*crypto.KeyPair) {
	t.Helper()
	kernelKP, err := crypto.DeriveKeyPair(bytes.Repeat([]byte{0x1}, 32), "kernel")
	if err != nil {
		t.Fatalf("DeriveKeyPair kernel: %v", err)
	}
	var trustees []Trustee
	var kps []*crypto.KeyPair
	for i := byte(1); i <= 3; i++ {
		kp, err := crypto.DeriveKeyPair(bytes.Repeat([]byte{i + 10}, 32), "trustee")
		if err != nil {
			t.Fatalf("DeriveKeyPair trustee: %v", err)
		}
		trustees = append(trustees, Trustee{Label: "t", Public: kp.Public})
		kps = append(kps, kp)
	}
	path := filepath.Join(t.TempDir(), "bg.db")
	c, err := Open(path, fakeSigner{kernelKP}, trustees, threshold, 100, obs.New(nil, "error", "quorum-test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, kps
}

func approveWith(t *testing.T, c *Coordinator, requestID string, kp *crypto.KeyPair, bucket uint64) *Request {
	t.Helper()
	sig := kp.Sign(requestDigest(requestID))
	req, err := c.Approve(requestID, kp.Public, sig, bucket)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return req
}

func TestQuorumReachesAuthorizedAtThreshold(t *testing.T) {
	c, kps := newTestCoordinator(t, 2)
	req, err := c.Request("vault:deadbeef", 10)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.State != StateAwaitingApprovals {
		t.Fatalf("expected AwaitingApprovals, got %s", req.State)
	}

	approveWith(t, c, req.RequestID, kps[0], 11)
	got := approveWith(t, c, req.RequestID, kps[1], 12)
	if got.State != StateAuthorized {
		t.Fatalf("expected Authorized after 2 of 3 approvals, got %s", got.State)
	}
	if got.Token == nil {
		t.Fatalf("expected a minted token")
	}
	if got.Token.Scope.EnvelopeID != "deadbeef" {
		t.Fatalf("unexpected token scope: %+v", got.Token.Scope)
	}
}

func TestLateApprovalAfterAuthorizedIsRecordedNotRejected(t *testing.T) {
	c, kps := newTestCoordinator(t, 2)
	req, err := c.Request("vault:deadbeef", 10)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	approveWith(t, c, req.RequestID, kps[0], 11)
	authorized := approveWith(t, c, req.RequestID, kps[1], 12)
	if authorized.State != StateAuthorized {
		t.Fatalf("expected Authorized after 2 of 3 approvals, got %s", authorized.State)
	}
	wantToken := authorized.Token

	late := approveWith(t, c, req.RequestID, kps[2], 13)
	if late.State != StateAuthorized {
		t.Fatalf("expected state to remain Authorized after late approval, got %s", late.State)
	}
	if late.Token == nil || late.Token.TokenID != wantToken.TokenID {
		t.Fatalf("expected late approval to leave the minted token unaffected, got %+v", late.Token)
	}
	if _, ok := late.Approvals[hex.EncodeToString(kps[2].Public)]; !ok {
		t.Fatalf("expected late approval to still be recorded")
	}

	history, err := c.History(req.RequestID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history[len(history)-1].Kind != Approved {
		t.Fatalf("expected last transition to be the late Approved, got %+v", history[len(history)-1])
	}
}

func TestApproveRejectsNonTrustee(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	req, _ := c.Request("vault:abc", 0)
	outsider, err := crypto.DeriveKeyPair(bytes.Repeat([]byte{0x99}, 32), "outsider")
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	sig := outsider.Sign(requestDigest(req.RequestID))
	if _, err := c.Approve(req.RequestID, outsider.Public, sig, 1); err == nil {
		t.Fatalf("expected rejection of non-trustee approval")
	}
}

func TestApproveRejectsExpiredRequest(t *testing.T) {
	c, kps := newTestCoordinator(t, 2)
	req, _ := c.Request("vault:abc", 0)
	if _, err := c.Approve(req.RequestID, kps[0].Public, kps[0].Sign(requestDigest(req.RequestID)), 1000); err == nil {
		t.Fatalf("expected expiry rejection")
	}
	snap, _ := c.Snapshot(req.RequestID)
	if snap.State != StateExpired {
		t.Fatalf("expected request to transition to Expired, got %s", snap.State)
	}
}

func TestDenyTransitionsAwaitingToDenied(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	req, _ := c.Request("vault:abc", 0)
	if err := c.Deny(req.RequestID, "trustee objected"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	snap, _ := c.Snapshot(req.RequestID)
	if snap.State != StateDenied {
		t.Fatalf("expected Denied, got %s", snap.State)
	}
}

func TestNotifyConsumedRecordsTransition(t *testing.T) {
	c, kps := newTestCoordinator(t, 1)
	req, _ := c.Request("vault:abc", 0)
	got := approveWith(t, c, req.RequestID, kps[0], 1)
	if err := c.NotifyConsumed(got.Token.TokenID, "envelope:abc"); err != nil {
		t.Fatalf("NotifyConsumed: %v", err)
	}
	snap, _ := c.Snapshot(req.RequestID)
	if snap.State != StateConsumed {
		t.Fatalf("expected Consumed, got %s", snap.State)
	}
	history, err := c.History(req.RequestID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) == 0 || history[len(history)-1].Kind != Consumed {
		t.Fatalf("expected last transition to be Consumed, got %+v", history)
	}
}
