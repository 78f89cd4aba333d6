package modelmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(os.Stderr)
	mgr, err := New(Config{
		ModelsDir:          filepath.Join(dir, "adrm_models"),
		PerformanceLogPath: filepath.Join(dir, "adrm_performance_log.json"),
	}, log)
	require.NoError(t, err)
	return mgr
}

func TestFreshManagerHasUntrainedNoOpModels(t *testing.T) {
	mgr := newTestManager(t)
	require.False(t, mgr.Champion().Fitted)
	require.False(t, mgr.Challenger().Fitted)
	require.False(t, mgr.Champion().Predict(FeatureRow{100, 100, 100, 100, 100}))
}

func TestTrainChallengerFitsAndPersists(t *testing.T) {
	mgr := newTestManager(t)
	rows := []FeatureRow{
		{0, 1, -1, 1, 1}, {0.1, 1, -1, 1, 1}, {-0.1, 1, -1, 1, 1},
	}
	require.NoError(t, mgr.TrainChallenger(rows))
	require.True(t, mgr.Challenger().Fitted)

	require.False(t, mgr.Challenger().Predict(FeatureRow{0, 1, -1, 1, 1}))
	require.True(t, mgr.Challenger().Predict(FeatureRow{500, 500, 500, 500, 500}))
}

func TestPromoteIfBetterArchivesAndSwaps(t *testing.T) {
	mgr := newTestManager(t)
	mgr.challenger.Train([]FeatureRow{{0, 1, -1, 1, 1}, {0.1, 1, -1, 1, 1}})

	promoted, err := mgr.PromoteIfBetter(0.5, 0.9)
	require.NoError(t, err)
	require.True(t, promoted)
	require.True(t, mgr.Champion().Fitted)
	require.False(t, mgr.Challenger().Fitted)

	entries, err := os.ReadDir(mgr.cfg.ModelsDir)
	require.NoError(t, err)
	var sawArchive bool
	for _, e := range entries {
		if filepath.Base(e.Name()) != "champion" && filepath.Base(e.Name()) != "challenger" {
			sawArchive = true
		}
	}
	require.True(t, sawArchive)
}

func TestPromoteIfBetterSkipsWhenNotMeaningfullyBetter(t *testing.T) {
	mgr := newTestManager(t)
	promoted, err := mgr.PromoteIfBetter(0.8, 0.85)
	require.NoError(t, err)
	require.False(t, promoted)
}

func TestRecordPerformanceAppendsLog(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.RecordPerformance(0.5, 0.6))
	require.NoError(t, mgr.RecordPerformance(0.6, 0.7))

	entries, err := mgr.readLog()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
