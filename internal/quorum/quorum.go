// Package quorum implements the break-glass quorum protocol: a
// finite-state multi-party authorization that turns k-of-n trustee
// approvals into a one-shot capability token, with every transition
// receipted in a chained log.
package quorum

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pwk.dev/kernel/internal/chainstore"
	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
	"pwk.dev/kernel/internal/token"
)

// State is a request's position in the FSM:
//
//	Created → AwaitingApprovals →(k of n)→ Authorized →(first use)→ Consumed
//	               │                          │
//	               └──── Denied/Expired ──────┘
type State string

const (
	StateAwaitingApprovals State = "awaiting_approvals"
	StateAuthorized        State = "authorized"
	StateConsumed          State = "consumed"
	StateDenied            State = "denied"
	StateExpired           State = "expired"
)

// Trustee is a member of the approval set T.
type Trustee struct {
	Label  string
	Public ed25519.PublicKey
}

// Request tracks one break-glass request's live state. Coordinator is the
// sole owner; callers only ever see copies.
type Request struct {
	RequestID     string
	Subject       string
	Nonce         []byte
	CreatedBucket uint64
	ExpiresBucket uint64
	State         State
	Approvals     map[string]struct{} // trustee pubkey (hex) -> approved
	Token         *token.Token
}

// Coordinator runs the FSM for all in-flight requests against a single
// chained receipt log. Trustee set T, threshold k, and validity window W
// are fixed at construction.
type Coordinator struct {
	trustees  map[string]ed25519.PublicKey
	threshold int
	window    uint64

	chain  *chainstore.Store
	signer token.Signer
	logger zerolog.Logger

	mu       sync.Mutex
	requests map[string]*Request
	byToken  map[string]string // token_id -> request_id, for Consumed bookkeeping
}

// Open opens (creating if absent) the break-glass receipt chain at path.
func Open(path string, signer token.Signer, trustees []Trustee, threshold int, validityWindowBuckets uint64, logger zerolog.Logger) (*Coordinator, error) {
	if threshold < 1 || threshold > len(trustees) {
		return nil, errs.New(errs.ContractViolation, "quorum: threshold %d invalid for %d trustees", threshold, len(trustees))
	}
	store, err := chainstore.Open(path, crypto.DomainBGRecord, signer)
	if err != nil {
		return nil, err
	}
	tmap := make(map[string]ed25519.PublicKey, len(trustees))
	for _, t := range trustees {
		tmap[hex.EncodeToString(t.Public)] = t.Public
	}
	c := &Coordinator{
		trustees:  tmap,
		threshold: threshold,
		window:    validityWindowBuckets,
		chain:     store,
		signer:    signer,
		logger:    logger,
		requests:  make(map[string]*Request),
		byToken:   make(map[string]string),
	}
	if err := c.rebuildFromChain(); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuildFromChain replays the receipt chain so a freshly opened Coordinator
// (a new CLI process, or the daemon after a restart) recovers exactly the
// in-flight request state a long-lived process would have held in memory.
// The chain, not the map, is the source of truth.
func (c *Coordinator) rebuildFromChain() error {
	head, err := c.chain.Head()
	if err != nil {
		return err
	}
	empty, err := c.chain.Empty()
	if err != nil {
		return err
	}
	if empty {
		return nil
	}
	return c.chain.Range(0, head.Seq, func(r chainstore.Record) error {
		t, err := decodeTransition(r)
		if err != nil {
			return err
		}
		switch t.Kind {
		case Requested:
			c.requests[t.RequestID] = &Request{
				RequestID:     t.RequestID,
				Subject:       t.Subject,
				Nonce:         t.Nonce,
				CreatedBucket: t.CreatedBucket,
				ExpiresBucket: t.CreatedBucket + c.window,
				State:         StateAwaitingApprovals,
				Approvals:     make(map[string]struct{}),
			}
		case Approved:
			if req := c.requests[t.RequestID]; req != nil {
				req.Approvals[hex.EncodeToString(t.TrusteePub)] = struct{}{}
			}
		case Authorized:
			if req := c.requests[t.RequestID]; req != nil {
				req.State = StateAuthorized
				req.Token = t.Token
				if t.Token != nil {
					c.byToken[t.Token.TokenID] = t.RequestID
				}
			}
		case Consumed:
			if req := c.requests[t.RequestID]; req != nil {
				req.State = StateConsumed
			}
		case Denied:
			if req := c.requests[t.RequestID]; req != nil {
				req.State = StateDenied
			}
		case Expired:
			if req := c.requests[t.RequestID]; req != nil {
				req.State = StateExpired
			}
		}
		return nil
	})
}

func (c *Coordinator) Close() error { return c.chain.Close() }

// Request opens a new break-glass request for subject ("vault:<envelope_id>"
// or "export:<from_bucket>-<to_bucket>") at the current bucket. It
// transitions Created → AwaitingApprovals in a single call: nothing
// observable happens while a request is merely Created.
func (c *Coordinator) Request(subject string, currentBucket uint64) (*Request, error) {
	nonce, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	req := &Request{
		RequestID:     requestID,
		Subject:       subject,
		Nonce:         nonce,
		CreatedBucket: currentBucket,
		ExpiresBucket: currentBucket + c.window,
		State:         StateAwaitingApprovals,
		Approvals:     make(map[string]struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := appendTransition(c.chain, Transition{
		Kind:          Requested,
		RequestID:     requestID,
		Subject:       subject,
		Nonce:         nonce,
		CreatedBucket: currentBucket,
	}); err != nil {
		return nil, err
	}
	c.requests[requestID] = req
	return req, nil
}

func requestDigest(requestID string) crypto.Digest {
	return crypto.Hash(crypto.DomainBGApproval, []byte(requestID))
}

// Approve records a trustee's approval, a signature over
// H("pwk:bg-req" ‖ request_id). Once the threshold is met and the
// request is still within its validity window, it authorizes.
func (c *Coordinator) Approve(requestID string, trusteePub ed25519.PublicKey, signature []byte, currentBucket uint64) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[requestID]
	if !ok {
		return nil, errs.New(errs.QuorumFailure, "unknown break-glass request %s", requestID)
	}
	if _, known := c.trustees[hex.EncodeToString(trusteePub)]; !known {
		return nil, errs.New(errs.QuorumFailure, "approval from non-trustee key rejected")
	}
	if !crypto.Verify(trusteePub, requestDigest(requestID), signature) {
		return nil, errs.New(errs.QuorumFailure, "approval signature invalid for request %s", requestID)
	}

	// A trustee who signs after the threshold is already met still has
	// their approval recorded, untouched token included. Absence of
	// evidence is itself evidence, so a late approval is not silently
	// dropped just because it no longer changes the outcome.
	if req.State == StateAuthorized {
		key := hex.EncodeToString(trusteePub)
		if _, dup := req.Approvals[key]; dup {
			return req, nil
		}
		req.Approvals[key] = struct{}{}
		if _, err := appendTransition(c.chain, Transition{Kind: Approved, RequestID: requestID, TrusteePub: trusteePub}); err != nil {
			return nil, err
		}
		return req, nil
	}

	if req.State != StateAwaitingApprovals {
		return nil, errs.New(errs.QuorumFailure, "request %s is not awaiting approvals (state=%s)", requestID, req.State)
	}
	if currentBucket > req.ExpiresBucket {
		if err := c.expireLocked(req); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.QuorumFailure, "request %s expired before approval", requestID)
	}

	key := hex.EncodeToString(trusteePub)
	if _, dup := req.Approvals[key]; dup {
		return req, nil // idempotent re-delivery, not a protocol violation
	}
	req.Approvals[key] = struct{}{}
	if _, err := appendTransition(c.chain, Transition{Kind: Approved, RequestID: requestID, TrusteePub: trusteePub}); err != nil {
		return nil, err
	}

	if len(req.Approvals) >= c.threshold {
		if err := c.authorizeLocked(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (c *Coordinator) authorizeLocked(req *Request) error {
	refs := make([]string, 0, len(req.Approvals))
	for k := range req.Approvals {
		refs = append(refs, k)
	}
	tok := token.New(c.signer, uuid.NewString(), scopeFor(req.Subject), req.CreatedBucket, req.ExpiresBucket)
	reqHash := requestDigest(req.RequestID)

	if _, err := appendTransition(c.chain, Transition{
		Kind:         Authorized,
		RequestID:    req.RequestID,
		RequestHash:  reqHash[:],
		ApprovalRefs: refs,
		Token:        &tok,
	}); err != nil {
		return err
	}
	req.State = StateAuthorized
	req.Token = &tok
	c.byToken[tok.TokenID] = req.RequestID
	return nil
}

// Deny transitions an awaiting request straight to Denied. Denials and
// expirations also produce records; absence of evidence is itself
// evidence.
func (c *Coordinator) Deny(requestID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return errs.New(errs.QuorumFailure, "unknown break-glass request %s", requestID)
	}
	if req.State != StateAwaitingApprovals {
		return errs.New(errs.QuorumFailure, "request %s cannot be denied from state %s", requestID, req.State)
	}
	if _, err := appendTransition(c.chain, Transition{Kind: Denied, RequestID: requestID, Reason: reason}); err != nil {
		return err
	}
	req.State = StateDenied
	return nil
}

// CheckExpiry expires requestID if it is still awaiting approvals past its
// validity window. Callers poll this on a bucket-aligned timer.
func (c *Coordinator) CheckExpiry(requestID string, currentBucket uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return errs.New(errs.QuorumFailure, "unknown break-glass request %s", requestID)
	}
	if req.State != StateAwaitingApprovals || currentBucket <= req.ExpiresBucket {
		return nil
	}
	return c.expireLocked(req)
}

func (c *Coordinator) expireLocked(req *Request) error {
	if _, err := appendTransition(c.chain, Transition{Kind: Expired, RequestID: req.RequestID}); err != nil {
		return err
	}
	req.State = StateExpired
	return nil
}

// NotifyConsumed records a BreakGlassConsumed transition. The pwkd
// "vault read" and "export run" commands call this after the first
// successful use of a token; their shared token.Ledger refuses any second
// use, so the call happens at most once per token.
func (c *Coordinator) NotifyConsumed(tokenID, usedFor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	requestID, ok := c.byToken[tokenID]
	if !ok {
		return errs.New(errs.QuorumFailure, "consumed notice for unknown token %s", tokenID)
	}
	if _, err := appendTransition(c.chain, Transition{Kind: Consumed, RequestID: requestID, TokenID: tokenID, UsedFor: usedFor}); err != nil {
		return err
	}
	if req := c.requests[requestID]; req != nil {
		req.State = StateConsumed
	}
	return nil
}

// Snapshot returns a copy of a request's current state for status reporting.
func (c *Coordinator) Snapshot(requestID string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return Request{}, false
	}
	cp := *req
	cp.Approvals = make(map[string]struct{}, len(req.Approvals))
	for k := range req.Approvals {
		cp.Approvals[k] = struct{}{}
	}
	return cp, true
}

// PendingRequestIDs returns the request ids still awaiting approvals, for a
// Watcher to re-register its per-request filesystem watches after a daemon
// restart.
func (c *Coordinator) PendingRequestIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, req := range c.requests {
		if req.State == StateAwaitingApprovals {
			out = append(out, id)
		}
	}
	return out
}

// History replays the receipt chain and returns every transition recorded
// for requestID, in seq order.
func (c *Coordinator) History(requestID string) ([]Transition, error) {
	head, err := c.chain.Head()
	if err != nil {
		return nil, err
	}
	var out []Transition
	err = c.chain.Range(0, head.Seq, func(r chainstore.Record) error {
		t, err := decodeTransition(r)
		if err != nil {
			return err
		}
		if t.RequestID == requestID {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// Verify delegates to the underlying receipt chain's tamper check.
func (c *Coordinator) Verify(fromSeq uint64, verifySig func(crypto.Digest, []byte) bool) (*chainstore.Divergence, error) {
	return c.chain.Verify(fromSeq, verifySig)
}

func scopeFor(subject string) token.Scope {
	if rest, ok := strings.CutPrefix(subject, "vault:"); ok {
		return token.Scope{EnvelopeID: rest}
	}
	if rest, ok := strings.CutPrefix(subject, "export:"); ok {
		var from, to uint64
		if n, err := fmt.Sscanf(rest, "%d-%d", &from, &to); err == nil && n == 2 {
			return token.Scope{FromBucket: from, ToBucket: to}
		}
	}
	return token.Scope{}
}
