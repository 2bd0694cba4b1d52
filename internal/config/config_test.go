package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validateConfig(cfg))
	assert.Equal(t, 10, cfg.Task.MaxIterations)
	assert.Equal(t, 0.7, cfg.Analyzer.CompletionThreshold)
	assert.Equal(t, 0.85, cfg.Analyzer.StrongCompletionThreshold)
	assert.Equal(t, 0.75, cfg.Coordinator.QualityGateThreshold)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("task:\n  max_iterations: 5\n"), 0o644))

	t.Setenv("AUTOPILOT_MAX_ITERATIONS", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Task.MaxIterations)
}

func TestTaskConfigValidateRejectsOutOfRangeMaxIterations(t *testing.T) {
	cfg := TaskConfig{MaxIterations: 0, PerCallTimeoutMs: 1000, OverallTimeoutMs: 1000, MaxConsecutiveErrors: 1}
	assert.Error(t, cfg.Validate())
}

func TestAnalyzerConfigValidateRequiresOrderedThresholds(t *testing.T) {
	cfg := AnalyzerConfig{CompletionThreshold: 0.9, StrongCompletionThreshold: 0.5}
	assert.Error(t, cfg.Validate())
}

func TestPoolConfigValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := PoolConfig{MinConnections: 1, MaxConnections: 10, LoadBalancingStrategy: "bogus", QueueCapacity: 10}
	assert.Error(t, cfg.Validate())
}
