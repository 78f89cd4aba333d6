package ppm

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestVerifyAuditModes(t *testing.T) {
	log := zerolog.New(os.Stderr)

	withHE := New(true, log)
	require.True(t, withHE.VerifyAudit(ModeSSS))
	require.True(t, withHE.VerifyAudit(ModeNormal))
	require.True(t, withHE.VerifyAudit(ModeHE))

	withoutHE := New(false, log)
	require.True(t, withoutHE.VerifyAudit(ModeSSS))
	require.True(t, withoutHE.VerifyAudit(ModeNormal))
	require.False(t, withoutHE.VerifyAudit(ModeHE))
}

func TestRecommendHomomorphicMirrorsConfig(t *testing.T) {
	log := zerolog.New(os.Stderr)
	require.True(t, New(true, log).RecommendHomomorphic())
	require.False(t, New(false, log).RecommendHomomorphic())
}
