package api

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"pwk.dev/kernel/internal/contract"
)

// a candidate is four small fields; nothing legitimate exceeds this.
const maxCandidateBodyBytes = 1 << 16

const sourceTagHTTPEventsAPI = "http-events-api"

// handleEvents accepts a candidate event, runs it through the enforcer, and
// either appends it to the sealed log or records its rejection as a
// ConformanceAlarm in the alarm table. Rejections never reach the main
// log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var candidate contract.Candidate
	if err := json.Unmarshal(raw, &candidate); err != nil {
		if _, aerr := s.alarms.Record(&contract.Rejection{Kind: contract.MissingField, Detail: "malformed json"}, raw, sourceTagHTTPEventsAPI); aerr != nil {
			s.logger.Error().Err(aerr).Msg("failed to record alarm for malformed candidate")
		}
		http.Error(w, "malformed json", http.StatusBadRequest)
		return
	}

	ev, rejection := s.enforcer.Check(candidate)
	if rejection != nil {
		if _, aerr := s.alarms.Record(rejection, raw, sourceTagHTTPEventsAPI); aerr != nil {
			s.logger.Error().Err(aerr).Msg("failed to record conformance alarm")
		}
		http.Error(w, rejection.Error(), http.StatusUnprocessableEntity)
		return
	}

	stamped := s.kernel.Stamp(ev)
	seq, err := s.log.Submit(r.Context(), stamped)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]uint64{"seq": seq})
}

// handleLatest returns the most recently sealed event, not just the chain's
// head pointer. A caller wants the event itself, and can get seq/hash from
// it without a second round trip.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	head, err := s.log.Head()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if head.Seq == 0 {
		empty, err := s.log.Empty()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if empty {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	rec, ok, err := s.log.Get(head.Seq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "head record missing", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"seq":   rec.Seq,
		"hash":  hex.EncodeToString(rec.RecordHash[:]),
		"event": rec.Event,
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxCandidateBodyBytes))
}
