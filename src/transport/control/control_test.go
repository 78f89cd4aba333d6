package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flcs/coordinator/src/adrm/engine"
	"github.com/flcs/coordinator/src/adrm/modelmgr"
	"github.com/flcs/coordinator/src/adrm/response"
	"github.com/flcs/coordinator/src/globalmodel"
	"github.com/flcs/coordinator/src/orchestrator"
	"github.com/flcs/coordinator/src/parammap"
	"github.com/flcs/coordinator/src/ppm"
	"github.com/flcs/coordinator/src/registry"
	"github.com/flcs/coordinator/src/sam"
	"github.com/flcs/coordinator/src/tensorcodec"
)

func withCN(r *http.Request, cn string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyCommonName, cn))
}

func newTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(os.Stderr)

	resp, err := response.New(response.Config{SnapshotDir: dir}, log, nil)
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{SnapshotDir: dir}, log, resp)
	require.NoError(t, err)
	resp2, err := response.New(response.Config{SnapshotDir: dir}, log, reg)
	require.NoError(t, err)

	models, err := modelmgr.New(modelmgr.Config{
		ModelsDir:          filepath.Join(dir, "adrm_models"),
		PerformanceLogPath: filepath.Join(dir, "adrm_performance_log.json"),
	}, log)
	require.NoError(t, err)
	eng := engine.New(engine.Config{ChallengerBatchSize: 1000}, models, resp2, log)
	auditor := ppm.New(false, log)
	agg := sam.New(sam.Config{})
	global, err := globalmodel.New(globalmodel.Config{
		SavedModelsDir:     filepath.Join(dir, "saved_models"),
		MetricsHistoryPath: filepath.Join(dir, "database", "logs", "model_metrics_history.json"),
	}, log)
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.Config{ClientsPerRound: 1, MinClientsForRound: 1}, orchestrator.Deps{
		Registry:    reg,
		Response:    resp2,
		Engine:      eng,
		Auditor:     auditor,
		Aggregator:  agg,
		GlobalModel: global,
		EvaluateFn:  func(parammap.ParameterMap) (float64, float64, error) { return 0.5, 0.5, nil },
	}, log)

	srv := New(reg, orch, orch, log)
	return srv, orch
}

func TestHeartbeatRequiresKnownClient(t *testing.T) {
	srv, _ := newTestServer(t)
	req := withCN(httptest.NewRequest(http.MethodPost, "/control/heartbeat", nil), "unknown")
	w := httptest.NewRecorder()
	srv.handleHeartbeat(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterThenHeartbeatSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(registerClientRequest{ClientID: "c1", IPAddress: "10.0.0.1", TransportTag: "tag"})
	req := withCN(httptest.NewRequest(http.MethodPost, "/control/register_client", bytes.NewReader(body)), "c1")
	w := httptest.NewRecorder()
	srv.handleRegisterClient(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req2 := withCN(httptest.NewRequest(http.MethodPost, "/control/heartbeat", nil), "c1")
	w2 := httptest.NewRecorder()
	srv.handleHeartbeat(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestFetchModelDeniedWhenNotSelected(t *testing.T) {
	srv, _ := newTestServer(t)
	req := withCN(httptest.NewRequest(http.MethodGet, "/control/fetch_model", nil), "c1")
	w := httptest.NewRecorder()
	srv.handleFetchModel(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitUpdateRequiresValidMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	blob, err := tensorcodec.Encode(parammap.ParameterMap{})
	require.NoError(t, err)
	body, _ := json.Marshal(submitUpdateRequest{Method: "bogus", Payload: base64.StdEncoding.EncodeToString(blob)})
	req := withCN(httptest.NewRequest(http.MethodPost, "/control/submit_update", bytes.NewReader(body)), "c1")
	w := httptest.NewRecorder()
	srv.handleSubmitUpdate(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitShareRejectsNegativeIndex(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(submitShareRequest{ShareIndex: -1, TotalShares: 3, ShareData: "{}"})
	req := withCN(httptest.NewRequest(http.MethodPost, "/control/submit_share", bytes.NewReader(body)), "c1")
	w := httptest.NewRecorder()
	srv.handleSubmitShare(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitShareRejectsIndexAtOrAboveTotal(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(submitShareRequest{ShareIndex: 3, TotalShares: 3, ShareData: "{}"})
	req := withCN(httptest.NewRequest(http.MethodPost, "/control/submit_share", bytes.NewReader(body)), "c1")
	w := httptest.NewRecorder()
	srv.handleSubmitShare(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
