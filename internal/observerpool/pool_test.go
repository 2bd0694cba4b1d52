package observerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/hookbus"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxConnections:         2,
		AcquireTimeout:         100 * time.Millisecond,
		HealthCheckInterval:    20 * time.Millisecond,
		IdleTimeout:            50 * time.Millisecond,
		ConnectionTTL:          time.Hour,
		QueueCapacity:          4,
		EnableBackfill:         true,
		BackfillCount:          10,
		UnhealthyDropThreshold: 3,
		LoadBalancingStrategy:  "roundRobin",
	}
}

func newTestPool(t *testing.T, cfg config.PoolConfig) (*Pool, *hookbus.Bus) {
	t.Helper()
	bus := hookbus.New(nil, nil)
	pool := New(cfg, bus, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	pool.Start(ctx)
	return pool, bus
}

func TestAdmitAcceptsWithinCapacity(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())

	session, result := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, result.Accepted)
	require.NotNil(t, session)
	assert.Equal(t, domain.ObserverReady, session.State())
	assert.Equal(t, 1, pool.Size())
}

func TestAdmitRejectsOverCapacity(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 20 * time.Millisecond
	pool, _ := newTestPool(t, cfg)

	_, first := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, first.Accepted)

	_, second := pool.Admit(context.Background(), AdmissionRequest{})
	require.False(t, second.Accepted)
	assert.Equal(t, domain.RejectOverCapacity, second.Reason)
}

func TestAdmitRejectsDeniedOrigin(t *testing.T) {
	cfg := testPoolConfig()
	cfg.OriginAllowlist = []string{"https://allowed.example"}
	pool, _ := newTestPool(t, cfg)

	_, result := pool.Admit(context.Background(), AdmissionRequest{Origin: "https://evil.example"})
	require.False(t, result.Accepted)
	assert.Equal(t, domain.RejectOriginDenied, result.Reason)
}

func TestAdmitRejectsProtocolMismatch(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())

	_, result := pool.Admit(context.Background(), AdmissionRequest{ProtocolVersion: ProtocolVersion + 1})
	require.False(t, result.Accepted)
	assert.Equal(t, domain.RejectProtocolMismatch, result.Reason)
}

func TestAdmitRejectsFailedAuth(t *testing.T) {
	bus := hookbus.New(nil, nil)
	validator := AuthValidator(func(token string) bool { return token == "good" })
	pool := New(testPoolConfig(), bus, validator, nil, nil, nil)
	t.Cleanup(pool.Stop)
	pool.Start(context.Background())

	_, result := pool.Admit(context.Background(), AdmissionRequest{AuthToken: "bad"})
	require.False(t, result.Accepted)
	assert.Equal(t, domain.RejectAuthFailed, result.Reason)

	_, ok := pool.Admit(context.Background(), AdmissionRequest{AuthToken: "good"})
	assert.True(t, ok.Accepted)
}

func TestDropReleasesCapacitySlot(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	pool, _ := newTestPool(t, cfg)

	session, first := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, first.Accepted)

	pool.Drop(session.ConnectionID, "test teardown")
	assert.Equal(t, 0, pool.Size())

	_, second := pool.Admit(context.Background(), AdmissionRequest{})
	assert.True(t, second.Accepted)
}

func TestFanOutDeliversMatchingEventsOnly(t *testing.T) {
	pool, bus := newTestPool(t, testPoolConfig())

	session, result := pool.Admit(context.Background(), AdmissionRequest{
		Subscription: domain.SubscriptionFilter{SessionIDs: []string{"wanted"}},
	})
	require.True(t, result.Accepted)

	bus.Publish(domain.HookEvent{Type: domain.EventIterationComplete, SessionID: "other", OccurredAt: time.Now()})
	bus.Publish(domain.HookEvent{Type: domain.EventIterationComplete, SessionID: "wanted", OccurredAt: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := session.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, "wanted", event.SessionID)
}

func TestBackfillReplaysRecentMatchingEvents(t *testing.T) {
	pool, bus := newTestPool(t, testPoolConfig())

	bus.Publish(domain.HookEvent{Type: domain.EventSessionCreated, SessionID: "s1", OccurredAt: time.Now()})
	bus.Publish(domain.HookEvent{Type: domain.EventIterationComplete, SessionID: "s1", OccurredAt: time.Now()})
	require.Eventually(t, func() bool { return pool.ring.oldestSeq() > 0 }, time.Second, 5*time.Millisecond)

	session, result := pool.Admit(context.Background(), AdmissionRequest{
		Subscription:  domain.SubscriptionFilter{SessionIDs: []string{"s1"}},
		BackfillCount: 10,
	})
	require.True(t, result.Accepted)

	assert.Eventually(t, func() bool { return session.QueueDepth() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatMissMarksUnhealthyThenRecycling(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())
	session, result := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, result.Accepted)

	for i := 0; i < heartbeatMissThreshold; i++ {
		pool.MarkHeartbeat(session.ConnectionID, false)
	}
	assert.Equal(t, domain.ObserverUnhealthy, session.State())

	pool.MarkHeartbeat(session.ConnectionID, false)
	assert.Equal(t, domain.ObserverRecovering, session.State())

	pool.MarkHeartbeat(session.ConnectionID, false)
	assert.Eventually(t, func() bool {
		_, ok := pool.Get(session.ConnectionID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatOKRecoversFromUnhealthy(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())
	session, result := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, result.Accepted)

	for i := 0; i < heartbeatMissThreshold; i++ {
		pool.MarkHeartbeat(session.ConnectionID, false)
	}
	require.Equal(t, domain.ObserverUnhealthy, session.State())

	pool.MarkHeartbeat(session.ConnectionID, true)
	assert.Equal(t, domain.ObserverReady, session.State())
}

func TestIdleSweepRecyclesInactiveSessions(t *testing.T) {
	cfg := testPoolConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	pool, _ := newTestPool(t, cfg)

	session, result := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, result.Accepted)
	pool.transition(session, domain.ObserverActive)

	assert.Eventually(t, func() bool {
		_, ok := pool.Get(session.ConnectionID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectReplaysFromSeq(t *testing.T) {
	pool, bus := newTestPool(t, testPoolConfig())

	session, result := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, result.Accepted)

	bus.Publish(domain.HookEvent{Type: domain.EventIterationComplete, SessionID: "s1", OccurredAt: time.Now()})
	require.Eventually(t, func() bool { return pool.ring.oldestSeq() > 0 }, time.Second, 5*time.Millisecond)

	replayed, ok := pool.Reconnect(session, 0)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, replayed, 1)
}

func TestReconnectSignalsResyncBeyondRetainedWindow(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())
	session, result := pool.Admit(context.Background(), AdmissionRequest{})
	require.True(t, result.Accepted)

	_, ok := pool.Reconnect(session, 999999)
	assert.False(t, ok)
}
