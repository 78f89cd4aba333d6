package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.FederatedLearning.ClientsPerRound = 10
	cfg.FederatedLearning.MinClientsForRound = 5
	cfg.FederatedLearning.RoundTimeoutSeconds = 120
	cfg.HeartbeatTimeoutSeconds = 90
	cfg.StatusCheckIntervalSeconds = 5
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsZeroClientsPerRound(t *testing.T) {
	cfg := validConfig()
	cfg.FederatedLearning.ClientsPerRound = 0
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsZeroMinClients(t *testing.T) {
	cfg := validConfig()
	cfg.FederatedLearning.MinClientsForRound = 0
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsMinExceedingClientsPerRound(t *testing.T) {
	cfg := validConfig()
	cfg.FederatedLearning.MinClientsForRound = 20
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsNonPositiveRoundTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.FederatedLearning.RoundTimeoutSeconds = 0
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsHeartbeatTimeoutBelowStatusCheckInterval(t *testing.T) {
	cfg := validConfig()
	cfg.HeartbeatTimeoutSeconds = 5
	cfg.StatusCheckIntervalSeconds = 5
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsSSSThresholdExceedingTotalShares(t *testing.T) {
	cfg := validConfig()
	cfg.Privacy.SSS.TotalShares = 3
	cfg.Privacy.SSS.Threshold = 5
	require.Error(t, Validate(cfg))
}
