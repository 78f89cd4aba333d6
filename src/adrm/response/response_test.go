package response

import (
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	penalties map[string]int
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{penalties: make(map[string]int)} }

func (f *fakeRegistry) Penalize(clientID string, penalty int, reason string) error {
	f.penalties[clientID] += penalty
	return nil
}

func newTestSystem(t *testing.T, reg Penalizer) *System {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(os.Stderr)
	s, err := New(Config{SnapshotDir: dir, BlockDurationMinutes: 60}, log, reg)
	require.NoError(t, err)
	return s
}

func TestTriggerLowOnlyPenalizesNoBlock(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestSystem(t, reg)

	require.NoError(t, s.Trigger("c1", SeverityLow, "minor_drift", ""))
	require.Equal(t, 25, reg.penalties["c1"])
	require.False(t, s.IsBlocked("c1"))
}

func TestTriggerHighBlocksAndQuarantines(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestSystem(t, reg)

	require.NoError(t, s.Trigger("c2", SeverityHigh, "stage1_anomaly", "norm 100x baseline"))
	require.True(t, s.IsBlocked("c2"))
	require.Equal(t, 40, reg.penalties["c2"])

	q := s.QuarantineQueue()
	require.Len(t, q, 1)
	require.Equal(t, "c2", q[0].ClientID)
}

func TestTriggerMediumBlocksHalfDuration(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestSystem(t, reg)

	require.NoError(t, s.Trigger("c3", SeverityMedium, "stage2_outlier", ""))
	blocks := s.Blocks()
	require.Len(t, blocks, 1)
	require.WithinDuration(t, blocks[0].BlockTS.Add(30*time.Minute), blocks[0].ExpirationTS, time.Second)
}

func TestIsBlockedRemovesExpiredRecords(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestSystem(t, reg)

	s.mu.Lock()
	s.st.Blocks["c4"] = BlockRecord{
		ClientID:     "c4",
		BlockTS:      time.Now().Add(-time.Hour),
		ExpirationTS: time.Now().Add(-time.Minute),
		Severity:     SeverityHigh,
	}
	s.mu.Unlock()

	require.False(t, s.IsBlocked("c4"))
	require.Empty(t, s.Blocks())
}

func TestUnblockRemovesRecord(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestSystem(t, reg)
	require.NoError(t, s.Trigger("c5", SeverityHigh, "manual_test", ""))
	require.True(t, s.IsBlocked("c5"))

	require.NoError(t, s.Unblock("c5"))
	require.False(t, s.IsBlocked("c5"))
}

func TestUpdateConfigAppliesNonNilFieldsOnly(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestSystem(t, reg)

	low := 10
	s.UpdateConfig(nil, nil, &low)
	require.Equal(t, 60, s.cfg.BlockDurationMinutes)
	require.Equal(t, 40, s.cfg.ReputationPenaltyForBlock)
	require.Equal(t, 10, s.cfg.LowSeverityPenalty)

	dur, penalty := 15, 5
	s.UpdateConfig(&dur, &penalty, nil)
	require.Equal(t, 15, s.cfg.BlockDurationMinutes)
	require.Equal(t, 5, s.cfg.ReputationPenaltyForBlock)
	require.Equal(t, 10, s.cfg.LowSeverityPenalty)
}

func TestRedisMirrorPublishesOnBlock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	reg := newFakeRegistry()
	dir := t.TempDir()
	log := zerolog.New(os.Stderr)
	s, err := New(Config{SnapshotDir: dir, BlockDurationMinutes: 60, RedisAddr: mr.Addr()}, log, reg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Trigger("c6", SeverityHigh, "stage1_anomaly", ""))
	require.True(t, s.IsBlocked("c6"))
}
