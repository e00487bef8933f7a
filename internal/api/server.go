// Package api is the loopback-only Event API: the one HTTP surface the
// kernel itself exposes, used by ingestion frontends to submit
// already-detected candidates and by local tooling to read back the chain
// tip.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"pwk.dev/kernel/internal/alarms"
	"pwk.dev/kernel/internal/contract"
	"pwk.dev/kernel/internal/identity"
	"pwk.dev/kernel/internal/sealedlog"
)

// Server wires the enforcer, sealed log, and alarm table behind
// token-authenticated HTTP handlers.
type Server struct {
	enforcer *contract.Enforcer
	kernel   *identity.Kernel
	log      *sealedlog.Log
	alarms   *alarms.Table
	logger   zerolog.Logger
	token    string
}

func NewServer(enforcer *contract.Enforcer, kernel *identity.Kernel, log *sealedlog.Log, alarmTable *alarms.Table, logger zerolog.Logger, token string) *Server {
	return &Server{enforcer: enforcer, kernel: kernel, log: log, alarms: alarmTable, logger: logger, token: token}
}

// Handler builds the full mux, wrapped in request logging and bearer-token
// auth. Only the Authorization header is ever consulted; a query-string
// token is rejected rather than accepted as a fallback.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/latest", s.handleLatest)

	withAuth := s.authMiddleware(mux)
	return hlog.NewHandler(s.logger)(withAuth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		presented := strings.TrimPrefix(auth, prefix)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if failed, reason := s.log.Failed(); failed {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"fail-closed","reason":"` + reason + `"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
