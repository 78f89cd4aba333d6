// Package control implements C13's mTLS control channel: RegisterClient,
// Heartbeat, FetchModel, SubmitUpdate, and SubmitShare, all authenticated
// by reading the Common Name off the peer certificate. Grounded on the
// teacher's src/api/server.go + src/api/middleware.go request-handling
// shape, adapted to authenticate via mTLS peer identity instead of API
// keys/JWT.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/ca"
	"github.com/flcs/coordinator/src/crypto/ssscodec"
	"github.com/flcs/coordinator/src/orchestrator"
	"github.com/flcs/coordinator/src/ppm"
	"github.com/flcs/coordinator/src/registry"
)

var validate = validator.New()

// ModelEncoder produces the wire encoding of the current global model.
type ModelEncoder interface {
	EncodeCurrentModel() ([]byte, error)
}

// Server is the mTLS control channel.
type Server struct {
	reg   *registry.Registry
	orch  *orchestrator.Orchestrator
	model ModelEncoder
	log   zerolog.Logger
}

// New constructs a control channel Server.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, model ModelEncoder, log zerolog.Logger) *Server {
	return &Server{reg: reg, orch: orch, model: model, log: log}
}

// Router returns the mux.Router for the control channel. Callers must
// serve it behind a *tls.Config from ca.CA.ServerCredentials().
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)
	r.HandleFunc("/control/register_client", s.handleRegisterClient).Methods(http.MethodPost)
	r.HandleFunc("/control/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/control/fetch_model", s.handleFetchModel).Methods(http.MethodGet)
	r.HandleFunc("/control/submit_update", s.handleSubmitUpdate).Methods(http.MethodPost)
	r.HandleFunc("/control/submit_share", s.handleSubmitShare).Methods(http.MethodPost)
	return r
}

type ctxKey int

const ctxKeyCommonName ctxKey = iota

// authMiddleware reads the Common Name from the verified peer
// certificate and checks it against the request's declared client_id,
// failing with AuthMismatch on any difference (spec.md §4.13).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			s.writeError(w, http.StatusUnauthorized, "mTLS required")
			return
		}
		cn, err := ca.PeerCommonName(*r.TLS)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		declared := r.URL.Query().Get("client_id")
		if declared == "" {
			declared = r.Header.Get("X-Client-Id")
		}
		if declared != "" && declared != cn {
			s.log.Warn().Str("cn", cn).Str("declared", declared).Msg("control channel auth mismatch")
			s.writeError(w, http.StatusForbidden, "AuthMismatch")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyCommonName, cn)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func commonNameFrom(r *http.Request) string {
	if cn, ok := r.Context().Value(ctxKeyCommonName).(string); ok {
		return cn
	}
	return ""
}

type registerClientRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	IPAddress    string `json:"ip_address" validate:"required,ip"`
	TransportTag string `json:"transport_tag" validate:"required"`
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	cn := commonNameFrom(r)
	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	req.ClientID = cn
	if err := validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.reg.Upsert(cn, req.IPAddress, req.TransportTag); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "registered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	cn := commonNameFrom(r)
	if err := s.reg.Heartbeat(cn); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	newRound := s.reg.ConsumePendingNotice(cn)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"server_ts":          time.Now().UTC(),
		"new_round_available": newRound,
	})
}

func (s *Server) handleFetchModel(w http.ResponseWriter, r *http.Request) {
	cn := commonNameFrom(r)
	if !s.orch.IsSelected(cn) {
		s.writeError(w, http.StatusForbidden, "not selected for current round")
		return
	}
	blob, err := s.model.EncodeCurrentModel()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

type submitUpdateRequest struct {
	Method  string `json:"privacy_method" validate:"required,oneof=Normal HE"`
	Payload string `json:"payload" validate:"required"` // base64
}

func (s *Server) handleSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	cn := commonNameFrom(r)
	requestID := uuid.NewString()
	var req submitUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.log.Debug().Str("request_id", requestID).Str("client_id", cn).Err(err).Msg("submit_update failed validation")
		s.writeError(w, http.StatusBadRequest, "privacy_method must be Normal or HE")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload is not valid base64")
		return
	}

	var mode ppm.PrivacyMode
	switch req.Method {
	case "Normal":
		mode = ppm.ModeNormal
	case "HE":
		mode = ppm.ModeHE
	default:
		s.writeError(w, http.StatusBadRequest, "privacy_method must be Normal or HE")
		return
	}

	if err := s.orch.ReceiveUpdate(cn, mode, payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "accepted"})
}

type submitShareRequest struct {
	ShareIndex  int    `json:"share_index" validate:"gte=0"`
	TotalShares int    `json:"total_shares" validate:"gt=0"`
	ShareData   string `json:"share_data" validate:"required"` // JSON-encoded ssscodec.Bundle
}

func (s *Server) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	cn := commonNameFrom(r)
	var req submitShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ShareIndex >= req.TotalShares {
		s.writeError(w, http.StatusBadRequest, "share_index out of [0, total_shares) range")
		return
	}

	var bundle ssscodec.Bundle
	if err := json.Unmarshal([]byte(req.ShareData), &bundle); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed share_data")
		return
	}

	if err := s.orch.ReceiveShare(cn, bundle); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "accepted"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"success": false, "message": message})
}
