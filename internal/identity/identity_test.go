package identity

import (
	"bytes"
	"testing"

	"pwk.dev/kernel/internal/contract"
)

func TestNewAndStamp(t *testing.T) {
	seed := bytes.Repeat([]byte{0x09}, 32)
	k, err := New("baseline", "1.0.0", seed)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev := contract.Event{
		EventType:  contract.BoundaryCrossingObjectLarge,
		TimeBucket: contract.TimeBucket{StartEpochS: 1706140800, SizeS: 600},
		ZoneID:     "zone:front_door",
		Confidence: 0.85,
	}
	stamped := k.Stamp(ev)
	if stamped.RulesetID != "baseline" || stamped.KernelVersion != "1.0.0" {
		t.Fatalf("stamp did not fill identity fields: %+v", stamped)
	}
}

func TestNewRejectsEmptyRulesetID(t *testing.T) {
	seed := bytes.Repeat([]byte{0x09}, 32)
	if _, err := New("", "1.0.0", seed); err == nil {
		t.Fatalf("expected error for empty ruleset_id")
	}
}

func TestRulesetHashStable(t *testing.T) {
	seed := bytes.Repeat([]byte{0x09}, 32)
	k1, _ := New("baseline", "1.0.0", seed)
	k2, _ := New("baseline", "1.0.0", seed)
	if k1.RulesetHash() != k2.RulesetHash() {
		t.Fatalf("ruleset hash is not stable across instances")
	}
	k3, _ := New("other", "1.0.0", seed)
	if k1.RulesetHash() == k3.RulesetHash() {
		t.Fatalf("different ruleset_id produced the same hash")
	}
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	seed := bytes.Repeat([]byte{0x09}, 32)
	k, _ := New("baseline", "1.0.0", seed)
	digest := [32]byte{1, 2, 3}
	sig := k.Sign(digest)
	if len(sig) == 0 {
		t.Fatalf("expected non-empty signature")
	}
}
