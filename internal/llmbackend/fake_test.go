package llmbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autocode/driver/internal/errs"
)

func TestFakeBackendScriptFIFO(t *testing.T) {
	f := NewFakeBackend().ScriptText("first").ScriptText("second")

	resp, err := f.Execute(context.Background(), "p1", ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)

	resp, err = f.Execute(context.Background(), "p2", ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Text)

	assert.Len(t, f.Calls(), 2)
}

func TestFakeBackendScriptError(t *testing.T) {
	f := NewFakeBackend().ScriptError(errs.Network)

	_, err := f.Execute(context.Background(), "p", ExecuteOptions{})
	require.Error(t, err)
	de, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Network, de.Kind)
}

func TestFakeBackendExhaustedScriptReturnsEmptySuccess(t *testing.T) {
	f := NewFakeBackend()
	resp, err := f.Execute(context.Background(), "p", ExecuteOptions{})
	require.NoError(t, err)
	assert.Empty(t, resp.Text)
}

func TestFakeBackendProbeReadinessDefaultHealthy(t *testing.T) {
	f := NewFakeBackend()
	status, err := f.ProbeReadiness(context.Background())
	require.NoError(t, err)
	assert.True(t, status.CanProceed)
}
