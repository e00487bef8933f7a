package contract

import "testing"

func newTestEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(nil, []uint32{600})
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	sch, err := NewCandidateSchema()
	if err != nil {
		t.Fatalf("NewCandidateSchema: %v", err)
	}
	return e.WithSchema(sch)
}

func validCandidate() Candidate {
	return Candidate{
		"event_type": string(BoundaryCrossingObjectLarge),
		"time_bucket": map[string]any{
			"start_epoch_s": float64(1706140800),
			"size_s":        float64(600),
		},
		"zone_id":    "zone:front_door",
		"confidence": float64(0.85),
	}
}

func TestCheckAcceptsValidCandidate(t *testing.T) {
	e := newTestEnforcer(t)
	ev, rej := e.Check(validCandidate())
	if rej != nil {
		t.Fatalf("expected accept, got rejection %v", rej)
	}
	if ev.EventType != BoundaryCrossingObjectLarge {
		t.Fatalf("unexpected event type: %v", ev.EventType)
	}
}

func TestCheckRejectsExtraField(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	c["device_id"] = "x"
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != ExtraFields {
		t.Fatalf("expected ExtraFields rejection, got %v", rej)
	}
}

func TestCheckRejectsExtraFieldInTimeBucket(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	tb := c["time_bucket"].(map[string]any)
	tb["sub_second"] = 5
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != ExtraFields {
		t.Fatalf("expected ExtraFields rejection, got %v", rej)
	}
}

func TestCheckRejectsUnknownEventType(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	c["event_type"] = "NotARealKind"
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != UnknownEventType {
		t.Fatalf("expected UnknownEventType rejection, got %v", rej)
	}
}

func TestCheckRejectsNonCanonicalBucketSize(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	tb := c["time_bucket"].(map[string]any)
	tb["size_s"] = float64(123)
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != InvalidTimeBucket {
		t.Fatalf("expected InvalidTimeBucket rejection, got %v", rej)
	}
}

func TestCheckRejectsMisalignedStart(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	tb := c["time_bucket"].(map[string]any)
	tb["start_epoch_s"] = float64(1706140801)
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != InvalidTimeBucket {
		t.Fatalf("expected InvalidTimeBucket rejection, got %v", rej)
	}
}

func TestCheckRejectsEmptyZoneTail(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	c["zone_id"] = "zone:"
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != InvalidZoneID {
		t.Fatalf("expected InvalidZoneID rejection, got %v", rej)
	}
}

func TestCheckRejectsNaNConfidence(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	c["confidence"] = nanFloat()
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != InvalidConfidence {
		t.Fatalf("expected InvalidConfidence rejection, got %v", rej)
	}
}

func TestCheckRejectsOutOfRangeConfidence(t *testing.T) {
	e := newTestEnforcer(t)
	c := validCandidate()
	c["confidence"] = float64(1.5)
	_, rej := e.Check(c)
	if rej == nil || rej.Kind != InvalidConfidence {
		t.Fatalf("expected InvalidConfidence rejection, got %v", rej)
	}
}

func TestEventCanonicalRoundTripsBytes(t *testing.T) {
	ev := Event{
		EventType:     BoundaryCrossingObjectLarge,
		TimeBucket:    TimeBucket{StartEpochS: 1706140800, SizeS: 600},
		ZoneID:        "zone:front_door",
		Confidence:    0.85,
		KernelVersion: "1.0.0",
		RulesetID:     "baseline",
	}
	b1, err := ev.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	b2, err := ev.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("Canonical is not deterministic")
	}
	want := `{"event_type":"BoundaryCrossingObjectLarge","time_bucket":{"start_epoch_s":1706140800,"size_s":600},"zone_id":"zone:front_door","confidence":0.85,"kernel_version":"1.0.0","ruleset_id":"baseline"}`
	if string(b1) != want {
		t.Fatalf("canonical mismatch:\ngot:  %s\nwant: %s", b1, want)
	}
}

func nanFloat() float64 {
	var zero float64
	return zero / zero
}
