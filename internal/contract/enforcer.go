package contract

import (
	"encoding/json"
	"fmt"
	"math"
)

// Candidate is the raw, caller-supplied shape an event submission arrives
// in: a map, not a struct, because rule 1 of the enforcer ("exact field
// set, any unknown key rejected") has to be checked against whatever
// bytes actually arrived, not against what a Go struct happened to decode.
type Candidate map[string]any

var candidateKeys = map[string]struct{}{
	"event_type":  {},
	"time_bucket": {},
	"zone_id":     {},
	"confidence":  {},
}

var timeBucketKeys = map[string]struct{}{
	"start_epoch_s": {},
	"size_s":        {},
}

// Enforcer holds the policy inputs its checks need: the closed EventKind
// vocabulary for the active ruleset and the allowed bucket sizes.
type Enforcer struct {
	eventKinds    map[EventKind]struct{}
	bucketSizes   map[uint32]struct{}
	schemaChecker *schemaValidator // nil if no JSON Schema is configured
}

// NewEnforcer builds an Enforcer for a ruleset's extension kinds (on top of
// the always-present BaseEventKinds) and allowed bucket sizes.
func NewEnforcer(extraKinds []string, allowedBucketSizes []uint32) (*Enforcer, error) {
	kinds := make(map[EventKind]struct{}, len(BaseEventKinds)+len(extraKinds))
	for k := range BaseEventKinds {
		kinds[k] = struct{}{}
	}
	for _, k := range extraKinds {
		if !ValidExtensionKind(k) {
			return nil, fmt.Errorf("contract: invalid extension event kind %q", k)
		}
		kinds[EventKind(k)] = struct{}{}
	}
	sizes := make(map[uint32]struct{}, len(allowedBucketSizes))
	for _, s := range allowedBucketSizes {
		sizes[s] = struct{}{}
	}
	if len(sizes) == 0 {
		sizes[600] = struct{}{}
	}
	return &Enforcer{eventKinds: kinds, bucketSizes: sizes}, nil
}

// WithSchema attaches a JSON Schema allow-list cross-check: a candidate
// must pass both the hand-written rules below and the schema before it is
// accepted.
func (e *Enforcer) WithSchema(v *schemaValidator) *Enforcer {
	e.schemaChecker = v
	return e
}

// Check validates a candidate against every rule below, in order, so the
// first violation determines the reported RejectionKind. It returns the
// unstamped Event on success (ruleset_id/kernel_version are filled in later
// by identity.Kernel.Stamp).
func (e *Enforcer) Check(candidate Candidate) (Event, *Rejection) {
	for key := range candidate {
		if _, ok := candidateKeys[key]; !ok {
			return Event{}, reject(ExtraFields, fmt.Sprintf("unexpected field %q", key))
		}
	}
	for key := range candidateKeys {
		if _, ok := candidate[key]; !ok {
			return Event{}, reject(MissingField, fmt.Sprintf("missing field %q", key))
		}
	}

	eventTypeRaw, ok := candidate["event_type"].(string)
	if !ok {
		return Event{}, reject(UnknownEventType, "event_type must be a string")
	}
	if _, ok := e.eventKinds[EventKind(eventTypeRaw)]; !ok {
		return Event{}, reject(UnknownEventType, fmt.Sprintf("%q is not in the ruleset vocabulary", eventTypeRaw))
	}

	tbRaw, ok := candidate["time_bucket"].(map[string]any)
	if !ok {
		return Event{}, reject(InvalidTimeBucket, "time_bucket must be an object")
	}
	for key := range tbRaw {
		if _, ok := timeBucketKeys[key]; !ok {
			return Event{}, reject(ExtraFields, fmt.Sprintf("unexpected time_bucket field %q", key))
		}
	}
	startRaw, ok := numberFromAny(tbRaw["start_epoch_s"])
	if !ok || startRaw < 0 {
		return Event{}, reject(InvalidTimeBucket, "start_epoch_s must be a non-negative integer")
	}
	sizeRaw, ok := numberFromAny(tbRaw["size_s"])
	if !ok || sizeRaw <= 0 || sizeRaw > math.MaxUint32 {
		return Event{}, reject(InvalidTimeBucket, "size_s must be a positive 32-bit integer")
	}
	tb := TimeBucket{StartEpochS: uint64(startRaw), SizeS: uint32(sizeRaw)}
	if !tb.Canonical(e.bucketSizes) {
		return Event{}, reject(InvalidTimeBucket, "start_epoch_s is not aligned to an allowed size_s")
	}

	zoneRaw, ok := candidate["zone_id"].(string)
	if !ok || !ZoneID(zoneRaw).Valid() {
		return Event{}, reject(InvalidZoneID, fmt.Sprintf("zone_id %q does not match zone:[a-z0-9_-]{1,64}", zoneRaw))
	}

	confRaw, ok := numberFromAny(candidate["confidence"])
	if !ok || math.IsNaN(confRaw) || math.IsInf(confRaw, 0) || confRaw < 0 || confRaw > 1 {
		return Event{}, reject(InvalidConfidence, "confidence must be a finite number in [0,1]")
	}

	ev := Event{
		EventType:  EventKind(eventTypeRaw),
		TimeBucket: tb,
		ZoneID:     ZoneID(zoneRaw),
		Confidence: float32(confRaw),
	}

	if e.schemaChecker != nil {
		raw, err := ev.candidateJSON()
		if err != nil {
			return Event{}, reject(InvalidConfidence, "could not re-encode candidate for schema check")
		}
		if err := e.schemaChecker.Validate(raw); err != nil {
			return Event{}, reject(ExtraFields, fmt.Sprintf("schema cross-check failed: %v", err))
		}
	}

	return ev, nil
}

// numberFromAny accepts both float64 (the typical encoding/json decode
// result) and json.Number, so callers who decode with UseNumber() for
// precision still work.
func numberFromAny(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// candidateJSON re-encodes the four (pre-stamp) candidate fields for the
// schema cross-check with encoding/json; these bytes are not the canonical
// encoding that the stamped record is hashed over.
func (e Event) candidateJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"event_type":  e.EventType,
		"time_bucket": e.TimeBucket,
		"zone_id":     e.ZoneID,
		"confidence":  e.Confidence,
	})
}
