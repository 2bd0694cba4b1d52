package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
)

type fakeProber struct {
	calls  int
	status domain.ReadinessStatus
	err    error
}

func (f *fakeProber) ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error) {
	f.calls++
	return f.status, f.err
}

func TestCheckCachesWithinTTL(t *testing.T) {
	backend := &fakeProber{status: domain.ReadinessStatus{Installed: true, AuthReady: true}}
	p := New(backend, config.ReadinessConfig{CacheTTL: time.Minute}, nil, nil)

	status, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ReadinessHealthy, status.Level)
	assert.True(t, status.CanProceed)

	_, err = p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls, "second Check within TTL must not re-probe the backend")
}

func TestRefreshBypassesCache(t *testing.T) {
	backend := &fakeProber{status: domain.ReadinessStatus{Installed: true, AuthReady: true}}
	p := New(backend, config.ReadinessConfig{CacheTTL: time.Minute}, nil, nil)

	_, err := p.Refresh(context.Background())
	require.NoError(t, err)
	_, err = p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}

func TestUnavailableOnAuthNotReady(t *testing.T) {
	backend := &fakeProber{status: domain.ReadinessStatus{Installed: true, AuthReady: false}}
	p := New(backend, config.ReadinessConfig{CacheTTL: time.Minute}, nil, nil)

	status, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ReadinessUnavailable, status.Level)
	assert.False(t, status.CanProceed)
	assert.Equal(t, "AuthRequired", status.ErrorKind)
}

func TestPartialWhenDegraded(t *testing.T) {
	backend := &fakeProber{status: domain.ReadinessStatus{Installed: true, AuthReady: true, Degraded: true}}
	p := New(backend, config.ReadinessConfig{CacheTTL: time.Minute}, nil, nil)

	status, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ReadinessPartial, status.Level)
	assert.True(t, status.CanProceed)
}

func TestBackendErrorMarksUnavailable(t *testing.T) {
	backend := &fakeProber{err: errors.New("boom")}
	p := New(backend, config.ReadinessConfig{CacheTTL: time.Minute}, nil, nil)

	status, err := p.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ReadinessUnavailable, status.Level)
	assert.False(t, status.CanProceed)
}

func TestStartBackgroundRefreshTicks(t *testing.T) {
	backend := &fakeProber{status: domain.ReadinessStatus{Installed: true, AuthReady: true}}
	p := New(backend, config.ReadinessConfig{CacheTTL: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.StartBackgroundRefresh(ctx, time.Second))
	defer cancel()

	require.Eventually(t, func() bool {
		return backend.calls >= 1
	}, 3*time.Second, 50*time.Millisecond)

	p.Stop()
}
