package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pwk.dev/kernel/internal/alarms"
	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/identity"
	"pwk.dev/kernel/internal/sealedlog"
)

const testBearerToken = "test-token-0123456789abcdef"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	k, err := identity.New("baseline", "1.0.0", []byte("server-test-seed-0123456789abcdef"))
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}

	enforcer, err := contract.NewEnforcer(nil, []uint32{600})
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}

	log, err := sealedlog.Open(filepath.Join(dir, "log.db"), k, zerolog.Nop(), time.Second, k.Stamp)
	if err != nil {
		t.Fatalf("sealedlog.Open: %v", err)
	}
	log.Start(context.Background())
	t.Cleanup(func() { log.Stop(); _ = log.Close() })

	alarmTable, err := alarms.Open(filepath.Join(dir, "alarms.db"), k)
	if err != nil {
		t.Fatalf("alarms.Open: %v", err)
	}
	t.Cleanup(func() { _ = alarmTable.Close() })

	return NewServer(enforcer, k, log, alarmTable, zerolog.Nop(), testBearerToken)
}

func validCandidateBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"event_type": "MotionSustained",
		"time_bucket": map[string]any{
			"start_epoch_s": 1200,
			"size_s":        600,
		},
		"zone_id":    "zone:front-door",
		"confidence": 0.9,
	})
	return body
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestEventsRejectsMissingBearerToken(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/events", "application/json", bytes.NewReader(validCandidateBody()))
	if err != nil {
		t.Fatalf("POST /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestEventsRejectsQueryStringToken(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/events?token="+testBearerToken, "application/json", bytes.NewReader(validCandidateBody()))
	if err != nil {
		t.Fatalf("POST /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("query-string token must never authenticate, got %d", resp.StatusCode)
	}
}

func authedPost(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestEventsAcceptsValidCandidate(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := authedPost(t, ts.URL+"/events", validCandidateBody())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var got map[string]uint64
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["seq"] != 1 {
		t.Fatalf("expected first submission to land at seq 1, got %v", got["seq"])
	}
}

func TestEventsRejectsExtraFieldAndRecordsAlarm(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	raw, _ := json.Marshal(map[string]any{
		"event_type": "MotionSustained",
		"time_bucket": map[string]any{
			"start_epoch_s": 1200,
			"size_s":        600,
		},
		"zone_id":      "zone:front-door",
		"confidence":   0.9,
		"raw_frame_id": "not-allowed",
	})

	resp := authedPost(t, ts.URL+"/events", raw)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	rec, found, err := srv.alarms.Get(0)
	if err != nil {
		t.Fatalf("alarms.Get: %v", err)
	}
	if !found {
		t.Fatalf("expected a conformance alarm to be recorded")
	}
	if rec.Reason != contract.ExtraFields {
		t.Fatalf("expected ExtraFields, got %v", rec.Reason)
	}
}

func TestLatestReturnsCurrentHead(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := authedPost(t, ts.URL+"/events", validCandidateBody())
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/events/latest", nil)
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	latestResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events/latest: %v", err)
	}
	defer latestResp.Body.Close()
	if latestResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", latestResp.StatusCode)
	}

	var got map[string]any
	if err := json.NewDecoder(latestResp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["seq"].(float64) != 0 {
		t.Fatalf("expected head seq 0, got %v", got["seq"])
	}
	ev, ok := got["event"].(map[string]any)
	if !ok {
		t.Fatalf("expected an event object in the response, got %v", got["event"])
	}
	if ev["event_type"] != "MotionSustained" {
		t.Fatalf("expected the latest event itself, got %v", ev)
	}
}
