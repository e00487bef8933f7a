package quorum

import (
	"encoding/json"

	"pwk.dev/kernel/internal/chainstore"
	"pwk.dev/kernel/internal/errs"
	"pwk.dev/kernel/internal/token"
)

// TransitionKind tags the four core break-glass transition shapes, plus
// Denied/Expired which share BreakGlassApproved-adjacent bookkeeping.
type TransitionKind string

const (
	Requested  TransitionKind = "BreakGlassRequested"
	Approved   TransitionKind = "BreakGlassApproved"
	Authorized TransitionKind = "BreakGlassAuthorized"
	Consumed   TransitionKind = "BreakGlassConsumed"
	Denied     TransitionKind = "BreakGlassDenied"
	Expired    TransitionKind = "BreakGlassExpired"
)

// Transition is the payload chained into the break-glass record log. Only
// the fields relevant to Kind are populated: a single tagged record type
// covers every transition kind rather than splitting into separate chains
// per kind.
type Transition struct {
	Kind TransitionKind `json:"kind"`

	RequestID     string `json:"request_id"`
	Subject       string `json:"subject,omitempty"`
	Nonce         []byte `json:"nonce,omitempty"`
	CreatedBucket uint64 `json:"created_bucket,omitempty"`

	TrusteePub []byte `json:"trustee_pub,omitempty"`

	RequestHash  []byte   `json:"request_hash,omitempty"`
	ApprovalRefs []string `json:"approval_refs,omitempty"`
	Token        *token.Token `json:"token,omitempty"`

	TokenID string `json:"token_id,omitempty"`
	UsedFor string `json:"used_for,omitempty"`

	Reason string `json:"reason,omitempty"`
}

func appendTransition(store *chainstore.Store, t Transition) (uint64, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return 0, errs.Wrap(errs.ContractViolation, err, "encode break-glass transition")
	}
	rec, err := store.Append(payload)
	if err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

func decodeTransition(r chainstore.Record) (Transition, error) {
	var t Transition
	if err := json.Unmarshal(r.Payload, &t); err != nil {
		return Transition{}, errs.Wrap(errs.IntegrityFailure, err, "decode break-glass transition")
	}
	return t, nil
}
