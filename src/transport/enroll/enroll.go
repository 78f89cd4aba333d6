// Package enroll implements the plaintext enrollment channel of C13: a
// single RPC that validates a shared registration token and defers to
// C4 for CSR signing. Grounded on the teacher's src/api/server.go HTTP
// server lifecycle shape, narrowed to a single unauthenticated endpoint.
package enroll

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/ca"
)

// Request is the enrollment RPC's request body.
type Request struct {
	ClientID          string `json:"client_id"`
	CSR               string `json:"csr"` // PEM, base64-free (PEM is already text)
	RegistrationToken string `json:"registration_token"`
}

// Response is the enrollment RPC's response body.
type Response struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	RequestID         string `json:"request_id"`
	SignedCertificate string `json:"signed_certificate,omitempty"`
	CACertificate     string `json:"ca_certificate,omitempty"`
}

// Server is the enrollment HTTP handler. It never touches the client
// registry (spec.md §4.13: "No side effects on C5").
type Server struct {
	ca    *ca.CA
	token string
	log   zerolog.Logger
}

// New constructs an enrollment Server validating against the configured
// one-shot registration token.
func New(caSvc *ca.CA, registrationToken string, log zerolog.Logger) *Server {
	return &Server{ca: caSvc, token: registrationToken, log: log}
}

// Handler returns the net/http handler for POST /register.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRegister)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := uuid.NewString()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "malformed request body", RequestID: reqID})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.RegistrationToken), []byte(s.token)) != 1 {
		s.log.Warn().Str("request_id", reqID).Str("client_id", req.ClientID).Msg("enrollment rejected: invalid registration token")
		s.writeJSON(w, http.StatusUnauthorized, Response{Success: false, Message: "invalid registration token", RequestID: reqID})
		return
	}

	clientCertPEM, caCertPEM, err := s.ca.SignCSR([]byte(req.CSR), req.ClientID)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", reqID).Str("client_id", req.ClientID).Msg("enrollment CSR signing failed")
		s.writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: err.Error(), RequestID: reqID})
		return
	}

	s.log.Info().Str("request_id", reqID).Str("client_id", req.ClientID).Msg("client enrolled")
	s.writeJSON(w, http.StatusOK, Response{
		Success:           true,
		Message:           "enrolled",
		RequestID:         reqID,
		SignedCertificate: string(clientCertPEM),
		CACertificate:     string(caCertPEM),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
