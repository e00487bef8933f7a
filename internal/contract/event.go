// Package contract is the contract enforcer and event model: the
// allow-list schema every candidate event must pass before it reaches the
// sealed log.
package contract

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// EventKind is the closed vocabulary of semantic events. The base set is
// always valid; a ruleset may extend it but never remove a base kind.
type EventKind string

const (
	BoundaryCrossingObjectSmall EventKind = "BoundaryCrossingObjectSmall"
	BoundaryCrossingObjectLarge EventKind = "BoundaryCrossingObjectLarge"
	MotionSustained             EventKind = "MotionSustained"
	BootAttestation             EventKind = "BootAttestation"
	GapArtifact                 EventKind = "GapArtifact"
	ConformanceAlarm            EventKind = "ConformanceAlarm"
)

// BaseEventKinds is the vocabulary that every ruleset must honor regardless
// of its own extensions.
var BaseEventKinds = map[EventKind]struct{}{
	BoundaryCrossingObjectSmall: {},
	BoundaryCrossingObjectLarge: {},
	MotionSustained:             {},
	BootAttestation:             {},
	GapArtifact:                 {},
	ConformanceAlarm:            {},
}

var extensionKindPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]{0,63}$`)

// ValidExtensionKind reports whether name is a syntactically legal
// ruleset-added EventKind. Extending the vocabulary always requires a new
// ruleset.
func ValidExtensionKind(name string) bool {
	return extensionKindPattern.MatchString(name)
}

// zoneIDPattern matches the ZoneId grammar: zone:[a-z0-9_-]{1,64}.
var zoneIDPattern = regexp.MustCompile(`^zone:[a-z0-9_-]{1,64}$`)

// TimeBucket is the coarse interval every event is pinned to. Canonical
// size is 600s; no sub-bucket precision is ever stored.
type TimeBucket struct {
	StartEpochS uint64 `json:"start_epoch_s"`
	SizeS       uint32 `json:"size_s"`
}

// Canonical reports whether the bucket is aligned: start_epoch_s is a
// multiple of size_s, and size_s is one of allowedSizes.
func (b TimeBucket) Canonical(allowedSizes map[uint32]struct{}) bool {
	if b.SizeS == 0 {
		return false
	}
	if _, ok := allowedSizes[b.SizeS]; !ok {
		return false
	}
	return b.StartEpochS%uint64(b.SizeS) == 0
}

// Floor computes the TimeBucket containing epochSeconds, per the
// ingestion contract's capture-time bucketing rule.
func Floor(epochSeconds uint64, sizeS uint32) TimeBucket {
	start := (epochSeconds / uint64(sizeS)) * uint64(sizeS)
	return TimeBucket{StartEpochS: start, SizeS: sizeS}
}

// ZoneID is an opaque local label; it never carries geographic coordinates.
type ZoneID string

func (z ZoneID) Valid() bool {
	return zoneIDPattern.MatchString(string(z))
}

// Event is the sole shape accepted into the sealed log. Any field beyond
// these six is a contract violation.
type Event struct {
	EventType     EventKind  `json:"event_type"`
	TimeBucket    TimeBucket `json:"time_bucket"`
	ZoneID        ZoneID     `json:"zone_id"`
	Confidence    float32    `json:"confidence"`
	KernelVersion string     `json:"kernel_version"`
	RulesetID     string     `json:"ruleset_id"`
}

// Canonical produces the wire-exact canonical JSON encoding: fixed key
// order, shortest round-trip float representation, no trailing
// whitespace. This is hand-rolled rather than encoding/json because Go's
// stdlib marshaler does not guarantee the exact key order or the shortest
// round-trip float form this needs, and canonical bytes are hashed. Any
// library whose output isn't byte-stable across versions would silently
// break every previously sealed record's hash. See DESIGN.md.
func (e Event) Canonical() ([]byte, error) {
	if math.IsNaN(float64(e.Confidence)) || math.IsInf(float64(e.Confidence), 0) {
		return nil, fmt.Errorf("contract: confidence is NaN/Inf")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"event_type":`)
	writeJSONString(&buf, string(e.EventType))
	buf.WriteString(`,"time_bucket":{"start_epoch_s":`)
	buf.WriteString(strconv.FormatUint(e.TimeBucket.StartEpochS, 10))
	buf.WriteString(`,"size_s":`)
	buf.WriteString(strconv.FormatUint(uint64(e.TimeBucket.SizeS), 10))
	buf.WriteString(`},"zone_id":`)
	writeJSONString(&buf, string(e.ZoneID))
	buf.WriteString(`,"confidence":`)
	buf.WriteString(formatShortestFloat(e.Confidence))
	buf.WriteString(`,"kernel_version":`)
	writeJSONString(&buf, e.KernelVersion)
	buf.WriteString(`,"ruleset_id":`)
	writeJSONString(&buf, e.RulesetID)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// formatShortestFloat renders f using the shortest decimal that
// round-trips, always including a fractional part so "1" is written "1.0"
// (valid JSON number, unambiguous with an integer field elsewhere).
func formatShortestFloat(f float32) string {
	s := strconv.FormatFloat(float64(f), 'g', -1, 32)
	if !bytes.ContainsAny([]byte(s), ".eE") {
		s += ".0"
	}
	return s
}

func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
