package globalmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flcs/coordinator/src/parammap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(os.Stderr)
	r, err := New(Config{
		SavedModelsDir:     filepath.Join(dir, "saved_models"),
		MetricsHistoryPath: filepath.Join(dir, "database", "logs", "model_metrics_history.json"),
		ConvergenceWindow:  3,
	}, log)
	require.NoError(t, err)
	return r
}

func sampleParams() parammap.ParameterMap {
	return parammap.ParameterMap{
		"w": {DType: parammap.DTypeFloat64, Shape: []int{2}, Data: parammap.EncodeFloat64Slice(parammap.DTypeFloat64, []float64{1, 2})},
	}
}

func TestApplyBumpsVersion(t *testing.T) {
	r := newTestRegistry(t)
	v0, _ := r.State()
	require.Equal(t, uint64(0), v0)

	r.Apply(sampleParams())
	v1, params := r.State()
	require.Equal(t, uint64(1), v1)
	require.True(t, parammap.Conformant(params, sampleParams()))
}

func TestEvaluateWritesSnapshotOnImprovement(t *testing.T) {
	r := newTestRegistry(t)
	r.Apply(sampleParams())

	_, err := r.Evaluate(func(parammap.ParameterMap) (float64, float64, error) { return 0.8, 0.2, nil })
	require.NoError(t, err)

	entries, err := os.ReadDir(r.cfg.SavedModelsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = r.Evaluate(func(parammap.ParameterMap) (float64, float64, error) { return 0.5, 0.3, nil })
	require.NoError(t, err)
	entries, err = os.ReadDir(r.cfg.SavedModelsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHasConvergedAfterStagnantRounds(t *testing.T) {
	r := newTestRegistry(t)
	r.Apply(sampleParams())

	// The first evaluation improves on the initial best accuracy of 0, so
	// three further stagnant evaluations are needed to reach the window of 3.
	for i := 0; i < 4; i++ {
		_, err := r.Evaluate(func(parammap.ParameterMap) (float64, float64, error) { return 0.1, 0.9, nil })
		require.NoError(t, err)
	}
	require.True(t, r.HasConverged())
}

func TestAddMetricsPersists(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddMetrics(1, map[string]float64{"accuracy": 0.5, "loss": 0.4}, "fedavg"))
	require.NoError(t, r.AddMetrics(2, map[string]float64{"accuracy": 0.6, "loss": 0.3}, "fedadam"))

	require.Len(t, r.Metrics(), 2)

	r2, err := New(Config{
		SavedModelsDir:     r.cfg.SavedModelsDir,
		MetricsHistoryPath: r.cfg.MetricsHistoryPath,
	}, zerolog.New(os.Stderr))
	require.NoError(t, err)
	require.Len(t, r2.Metrics(), 2)
}
