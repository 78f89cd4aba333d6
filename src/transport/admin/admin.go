// Package admin implements C13's admin REST surface: read endpoints for
// status/progress/health/logs/metrics, JWT-gated mutating endpoints, and
// the reporting exports of SPEC_FULL.md §12.1. Grounded on the teacher's
// src/api/router.go (gorilla/mux subrouters + middleware chain) and
// src/api/auth_service.go (JWT v5 + bcrypt admin auth).
package admin

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/jung-kurt/gofpdf"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/flcs/coordinator/src/adrm/engine"
	"github.com/flcs/coordinator/src/adrm/response"
	"github.com/flcs/coordinator/src/globalmodel"
	"github.com/flcs/coordinator/src/logging"
	"github.com/flcs/coordinator/src/orchestrator"
	"github.com/flcs/coordinator/src/ppm"
	"github.com/flcs/coordinator/src/registry"
)

// Config configures the admin server.
type Config struct {
	AdminPasswordHash string // bcrypt hash, from config.admin.password_hash or FLCS_ADMIN_PASSWORD_HASH
	JWTSecret         []byte
	RateLimitPerSec   float64// default 10
	RateLimitBurst    int     // default 20
}

// Server is C13's admin REST surface.
type Server struct {
	cfg  Config
	reg  *registry.Registry
	resp *response.System
	eng  *engine.Engine
	orch *orchestrator.Orchestrator
	global *globalmodel.Registry
	ring *logging.Ring
	log  zerolog.Logger

	limiter *rate.Limiter
}

// New constructs an admin Server.
func New(cfg Config, reg *registry.Registry, resp *response.System, eng *engine.Engine, orch *orchestrator.Orchestrator, global *globalmodel.Registry, ring *logging.Ring, log zerolog.Logger) *Server {
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		resp:    resp,
		eng:     eng,
		orch:    orch,
		global:  global,
		ring:    ring,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
	}
}

// Router returns the mux.Router for the admin surface, bound to a local
// management port by the caller.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.rateLimitMiddleware)

	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/overview", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/orchestrator_progress", s.handleOrchestratorProgress).Methods(http.MethodGet)
	r.HandleFunc("/api/model", s.handleModel).Methods(http.MethodGet)
	r.HandleFunc("/api/model/bytes", s.handleModelBytes).Methods(http.MethodGet)
	r.HandleFunc("/api/submit_update", s.handleTestSubmitUpdate).Methods(http.MethodPost)
	r.HandleFunc("/api/client_health", s.handleClientHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/module_status/{module}", s.handleModuleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/report/metrics.xlsx", s.handleMetricsReport).Methods(http.MethodGet)
	r.HandleFunc("/api/report/round/{n}.pdf", s.handleRoundReport).Methods(http.MethodGet)

	r.HandleFunc("/api/admin/login", s.handleLogin).Methods(http.MethodPost)

	mutating := r.PathPrefix("/api/admin").Subrouter()
	mutating.Use(s.jwtMiddleware)
	mutating.HandleFunc("/adrm/unblock/{client_id}", s.handleUnblock).Methods(http.MethodPost)
	mutating.HandleFunc("/adrm/history/{client_id}", s.handleResetHistory).Methods(http.MethodDelete)
	mutating.HandleFunc("/adrm/config", s.handleUpdateADRMConfig).Methods(http.MethodPut)

	return r
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(8 * time.Hour).Unix(),
	})
	signed, err := token.SignedString(s.cfg.JWTSecret)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"token": signed})
}

func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return s.cfg.JWTSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, round := s.orch.State()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":             state,
		"round":             round,
		"eligible_clients":  s.reg.EligibleCount(),
	})
}

func (s *Server) handleOrchestratorProgress(w http.ResponseWriter, r *http.Request) {
	state, round := s.orch.State()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"state": state, "round": round})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	version, params := s.global.State()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    version,
		"parameters": params.Names(),
	})
}

func (s *Server) handleModelBytes(w http.ResponseWriter, r *http.Request) {
	blob, err := s.orch.EncodeCurrentModel()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

type testSubmitUpdateRequest struct {
	ClientID      string `json:"client_id"`
	PrivacyMethod string `json:"privacy_method"` // "Normal" or "HE"
	Payload       string `json:"payload"`        // base64
}

// handleTestSubmitUpdate is the spec's admin-surface escape hatch for
// driving a round without a real mTLS client (spec.md §6, "(testing)").
// It bypasses peer-certificate authentication entirely, trusting the
// caller's declared client_id, so it must never be exposed off loopback.
func (s *Server) handleTestSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	var req testSubmitUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload is not valid base64")
		return
	}

	var mode ppm.PrivacyMode
	switch req.PrivacyMethod {
	case "Normal":
		mode = ppm.ModeNormal
	case "HE":
		mode = ppm.ModeHE
	default:
		s.writeError(w, http.StatusBadRequest, "privacy_method must be Normal or HE")
		return
	}

	if err := s.orch.ReceiveUpdate(req.ClientID, mode, payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "accepted"})
}

func (s *Server) handleClientHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reg.All())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, s.ring.Tail(limit))
}

func (s *Server) handleModuleStatus(w http.ResponseWriter, r *http.Request) {
	module := mux.Vars(r)["module"]
	switch module {
	case "adrm":
		queue := s.resp.QuarantineQueue()
		resp := map[string]interface{}{"quarantine_depth": len(queue)}
		if len(queue) > 0 {
			resp["oldest_entry_age_seconds"] = time.Since(queue[0].Timestamp).Seconds()
		}
		s.writeJSON(w, http.StatusOK, resp)
	case "mm", "sam", "ppm", "scpm", "orchestrator":
		state, round := s.orch.State()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"module": module, "state": state, "round": round})
	default:
		s.writeError(w, http.StatusNotFound, "unknown module")
	}
}

func (s *Server) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	metrics := s.global.Metrics()
	f := excelize.NewFile()
	sheet := "Metrics"
	f.SetSheetName(f.GetSheetName(0), sheet)
	_ = f.SetCellValue(sheet, "A1", "round")
	_ = f.SetCellValue(sheet, "B1", "timestamp")
	_ = f.SetCellValue(sheet, "C1", "accuracy")
	_ = f.SetCellValue(sheet, "D1", "loss")
	_ = f.SetCellValue(sheet, "E1", "aggregation_method")
	for i, m := range metrics {
		row := i + 2
		_ = f.SetCellValue(sheet, cellRef("A", row), m.Round)
		_ = f.SetCellValue(sheet, cellRef("B", row), m.Timestamp.Format(time.RFC3339))
		_ = f.SetCellValue(sheet, cellRef("C", row), m.Accuracy)
		_ = f.SetCellValue(sheet, cellRef("D", row), m.Loss)
		_ = f.SetCellValue(sheet, cellRef("E", row), m.Method)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=metrics.xlsx")
	if err := f.Write(w); err != nil {
		s.log.Error().Err(err).Msg("write metrics report")
	}
}

func cellRef(col string, row int) string { return col + strconv.Itoa(row) }

func (s *Server) handleRoundReport(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["n"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid round number")
		return
	}
	var found *globalmodel.MetricRecord
	for _, m := range s.global.Metrics() {
		if m.Round == n {
			mm := m
			found = &mm
			break
		}
	}
	if found == nil {
		s.writeError(w, http.StatusNotFound, "round not found")
		return
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Round Summary")
	pdf.Ln(14)
	pdf.SetFont("Arial", "", 12)
	pdf.Cell(40, 8, "Round: "+strconv.FormatUint(found.Round, 10))
	pdf.Ln(8)
	pdf.Cell(40, 8, "Method: "+found.Method)
	pdf.Ln(8)
	pdf.Cell(40, 8, "Accuracy: "+strconv.FormatFloat(found.Accuracy, 'f', 4, 64))
	pdf.Ln(8)
	pdf.Cell(40, 8, "Loss: "+strconv.FormatFloat(found.Loss, 'f', 4, 64))

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=round.pdf")
	if err := pdf.Output(w); err != nil {
		s.log.Error().Err(err).Msg("write round report")
	}
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	if err := s.resp.Unblock(clientID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	if err := s.reg.Deregister(clientID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "client history reset"})
}

// adrmConfigSchema bounds PUT /api/admin/adrm/config to the tunables
// spec.md §4.6/§4.8 actually exposes, rejecting anything else before it
// ever reaches a log line.
const adrmConfigSchema = `{
	"type": "object",
	"properties": {
		"block_duration_minutes": {"type": "number", "minimum": 1},
		"reputation_penalty_for_block": {"type": "number", "minimum": 0, "maximum": 100},
		"low_severity_penalty": {"type": "number", "minimum": 0, "maximum": 100},
		"challenger_batch_size": {"type": "integer", "minimum": 1},
		"cross_client_threshold": {"type": "number", "minimum": 0}
	},
	"additionalProperties": false
}`

// adrmConfigUpdate mirrors adrmConfigSchema's properties, each optional so
// a partial body only touches the tunables it names.
type adrmConfigUpdate struct {
	BlockDurationMinutes      *int     `json:"block_duration_minutes"`
	ReputationPenaltyForBlock *int     `json:"reputation_penalty_for_block"`
	LowSeverityPenalty        *int     `json:"low_severity_penalty"`
	ChallengerBatchSize       *int     `json:"challenger_batch_size"`
	CrossClientThreshold      *float64 `json:"cross_client_threshold"`
}

func (s *Server) handleUpdateADRMConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(adrmConfigSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil || !result.Valid() {
		s.writeError(w, http.StatusBadRequest, "config does not match adrm config schema")
		return
	}

	var update adrmConfigUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.resp.UpdateConfig(update.BlockDurationMinutes, update.ReputationPenaltyForBlock, update.LowSeverityPenalty)
	s.eng.UpdateConfig(update.ChallengerBatchSize, update.CrossClientThreshold)

	s.log.Info().Interface("config", update).Msg("adrm config updated")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"success": false, "message": message})
}
