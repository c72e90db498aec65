package ism

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vin/shared"
)

const maxRequestBytes = 2 << 20

// Server exposes an ISM instance over HTTP: attest, verify, health.
type Server struct {
	ism *ISM
	log *shared.Logger
}

// NewServer wraps an ISM instance for HTTP serving.
func NewServer(m *ISM, log *shared.Logger) *Server {
	if log == nil {
		log = shared.NewNopLogger()
	}
	return &Server{ism: m, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/attest", s.handleAttest)
	mux.HandleFunc("/v1/verify", s.handleVerify)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := s.ism.MarshalJSONSafe()
	if err != nil {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeReject(w, ErrInputRejected)
		return
	}
	var raw RawInput
	if err := json.Unmarshal(body, &raw); err != nil {
		s.writeReject(w, ErrInputRejected)
		return
	}

	att, err := s.ism.Attest(&raw)
	if err != nil {
		s.writeReject(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"valid": false})
		return
	}
	var att Attestation
	if err := json.Unmarshal(body, &att); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"valid": false})
		return
	}

	if err := Verify(&att, time.Now(), DefaultMaxClockDrift); err != nil {
		s.log.Security("attestation verification failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

// writeReject maps internal rejections to the four external reasons.
func (s *Server) writeReject(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	msg := ErrInputRejected.Error()
	switch {
	case errors.Is(err, ErrInputTooLarge):
		msg = ErrInputTooLarge.Error()
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrClockError):
		msg = ErrClockError.Error()
		status = http.StatusInternalServerError
	case errors.Is(err, ErrDuplicate):
		msg = ErrDuplicate.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
