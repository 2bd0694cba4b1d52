package observerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/hookbus"
	"github.com/autocode/driver/internal/observability"
)

// heartbeatMissThreshold is how many consecutive missed heartbeats
// mark a Session UNHEALTHY.
const heartbeatMissThreshold = 3

// bucket is one of a small fixed set of monitor workers a Session is
// assigned to on admission; loadBalancingStrategy picks which bucket
// services a new Session's health-check/recycle ticking, so load
// spreads across goroutines instead of one monitor loop scanning
// every admitted Session each tick.
type bucket struct {
	mu       sync.Mutex
	sessions map[string]*Session
	weight   int
}

func (b *bucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Pool is the ObserverSessionPool.
type Pool struct {
	cfg       config.PoolConfig
	bus       *hookbus.Bus
	validator AuthValidator
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	sem chan struct{} // admission capacity semaphore, size MaxConnections

	mu       sync.RWMutex
	sessions map[string]*Session
	buckets  []*bucket
	rrIndex  atomic.Uint64

	ring *ring
	sub  *hookbus.Subscription

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Pool. validator may be nil to accept every auth
// token (auth disabled).
func New(cfg config.PoolConfig, bus *hookbus.Bus, validator AuthValidator, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Pool {
	numBuckets := cfg.MaxConnections
	if numBuckets > 8 {
		numBuckets = 8
	}
	if numBuckets < 1 {
		numBuckets = 1
	}
	buckets := make([]*bucket, numBuckets)
	for i := range buckets {
		buckets[i] = &bucket{sessions: make(map[string]*Session), weight: i + 1}
	}

	ringCapacity := cfg.BackfillCount * 4
	return &Pool{
		cfg:       cfg,
		bus:       bus,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		sem:       make(chan struct{}, maxInt(cfg.MaxConnections, 1)),
		sessions:  make(map[string]*Session),
		buckets:   buckets,
		ring:      newRing(ringCapacity),
		stopCh:    make(chan struct{}),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start subscribes to the HookBus and launches the fan-out, health,
// and recycle loops. Call Stop to tear everything down.
func (p *Pool) Start(ctx context.Context) {
	p.sub = p.bus.Subscribe(domain.SubscriptionFilter{})
	go p.fanOutLoop(ctx)
	go p.recycleLoop(ctx)
	for _, b := range p.buckets {
		go p.healthLoop(ctx, b)
	}
}

// Stop unsubscribes from the bus and transitions every admitted
// Session to CLOSED.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.sub != nil {
			p.sub.Unsubscribe()
		}
		p.mu.RLock()
		ids := make([]string, 0, len(p.sessions))
		for id := range p.sessions {
			ids = append(ids, id)
		}
		p.mu.RUnlock()
		for _, id := range ids {
			p.Drop(id, "pool stopped")
		}
	})
}

// Size returns the current number of admitted sessions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Get returns the admitted Session for connectionID, if any.
func (p *Pool) Get(connectionID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[connectionID]
	return s, ok
}

// Admit runs the handshake and, on success, registers a new Session. Rejections
// never allocate Session state.
func (p *Pool) Admit(ctx context.Context, req AdmissionRequest) (*Session, AdmissionResult) {
	admitStart := time.Now()
	if observability.IsDiagnosticsEnabled() {
		observability.EmitAdmissionReceived(&observability.AdmissionReceivedEvent{Origin: req.Origin})
	}
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.TraceObserverAdmission(ctx, req.Origin)
		defer span.End()
	}
	if req.ProtocolVersion != 0 && req.ProtocolVersion != ProtocolVersion {
		return p.reject(domain.RejectProtocolMismatch)
	}
	if !p.originAllowed(req.Origin) {
		return p.reject(domain.RejectOriginDenied)
	}
	if p.validator != nil && !p.validator(req.AuthToken) {
		return p.reject(domain.RejectAuthFailed)
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	select {
	case p.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return p.reject(domain.RejectOverCapacity)
	}

	session := newSession(uuid.NewString(), req.Subscription, p.cfg.QueueCapacity)
	session.state.set(domain.ObserverReady)

	p.mu.Lock()
	p.sessions[session.ConnectionID] = session
	p.mu.Unlock()

	idx := p.pickBucket()
	p.buckets[idx].mu.Lock()
	p.buckets[idx].sessions[session.ConnectionID] = session
	p.buckets[idx].mu.Unlock()

	if p.cfg.EnableBackfill && req.BackfillCount > 0 {
		for _, entry := range p.ring.backfill(req.Subscription, req.BackfillCount) {
			session.deliver(entry.event)
		}
	}

	if p.metrics != nil {
		p.metrics.ObserverAdmitted()
	}
	if p.bus != nil {
		p.bus.Publish(domain.HookEvent{
			Type:       domain.EventObserverAdmitted,
			OccurredAt: time.Now(),
		}.WithPayload("connectionId", session.ConnectionID))
	}
	if p.logger != nil {
		p.logger.Debug(ctx, "observer admitted", "connection_id", session.ConnectionID)
	}

	if observability.IsDiagnosticsEnabled() {
		observability.EmitAdmissionProcessed(&observability.AdmissionProcessedEvent{
			ConnectionID: session.ConnectionID,
			Admitted:     true,
			DurationMs:   time.Since(admitStart).Milliseconds(),
		})
	}
	return session, AdmissionResult{Accepted: true, ConnectionID: session.ConnectionID, ServerVersion: ProtocolVersion}
}

func (p *Pool) reject(reason domain.RejectReason) (*Session, AdmissionResult) {
	if p.metrics != nil {
		p.metrics.ObserverRejected(string(reason))
	}
	if observability.IsDiagnosticsEnabled() {
		observability.EmitAdmissionError(&observability.AdmissionErrorEvent{Reason: string(reason)})
	}
	return nil, AdmissionResult{Accepted: false, Reason: reason}
}

func (p *Pool) originAllowed(origin string) bool {
	if len(p.cfg.OriginAllowlist) == 0 {
		return true
	}
	for _, allowed := range p.cfg.OriginAllowlist {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// pickBucket selects a monitor bucket for a new Session per the
// configured loadBalancingStrategy.
func (p *Pool) pickBucket() int {
	switch p.cfg.LoadBalancingStrategy {
	case "leastLoaded":
		best := 0
		bestSize := p.buckets[0].size()
		for i := 1; i < len(p.buckets); i++ {
			if s := p.buckets[i].size(); s < bestSize {
				best, bestSize = i, s
			}
		}
		return best
	case "weighted":
		totalWeight := 0
		for _, b := range p.buckets {
			totalWeight += b.weight
		}
		target := int(p.rrIndex.Add(1)) % totalWeight
		cum := 0
		for i, b := range p.buckets {
			cum += b.weight
			if target < cum {
				return i
			}
		}
		return len(p.buckets) - 1
	default: // roundRobin
		return int(p.rrIndex.Add(1)) % len(p.buckets)
	}
}

// Drop removes connectionID from the pool, transitioning it to CLOSED
// and releasing its admission slot.
func (p *Pool) Drop(connectionID string, reason string) {
	p.mu.Lock()
	session, ok := p.sessions[connectionID]
	if ok {
		delete(p.sessions, connectionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	for _, b := range p.buckets {
		b.mu.Lock()
		delete(b.sessions, connectionID)
		b.mu.Unlock()
	}

	prev := session.state.set(domain.ObserverClosed)
	session.closed.Store(true)
	if p.metrics != nil {
		p.metrics.ObserverStateChanged(string(prev), string(domain.ObserverClosed))
	}
	select {
	case <-p.sem:
	default:
	}
	if p.bus != nil {
		p.bus.Publish(domain.HookEvent{
			Type:       domain.EventObserverDropped,
			OccurredAt: time.Now(),
		}.WithPayload("connectionId", connectionID).WithPayload("reason", reason))
	}
}

// transition moves session to the given state and records the metric.
func (p *Pool) transition(session *Session, to domain.ObserverState) {
	prev := session.state.set(to)
	if prev == to {
		return
	}
	if p.metrics != nil {
		p.metrics.ObserverStateChanged(string(prev), string(to))
	}
}

// fanOutLoop drains the pool's own HookBus subscription (already
// non-blocking from the publisher's perspective, per HookBus's own
// contract) and fans each event out to every admitted, matching
// Session, applying the per-session backpressure policy.
func (p *Pool) fanOutLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case event, ok := <-p.sub.Events:
			if !ok {
				return
			}
			p.ring.append(event)
			p.dispatch(event)
		}
	}
}

func (p *Pool) dispatch(event domain.HookEvent) {
	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	// Fan out concurrently; a panicking delivery must not take down
	// the dispatch loop.
	var wg sync.WaitGroup
	for _, s := range sessions {
		if s.closed.Load() || !s.Filter.Matches(event) {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			defer func() { _ = recover() }()
			s.deliver(event)
			if cur := s.State(); cur == domain.ObserverReady || cur == domain.ObserverIdle {
				p.transition(s, domain.ObserverActive)
			}
			if p.metrics != nil {
				p.metrics.SetObserverQueueDepth(s.ConnectionID, s.QueueDepth())
			}
			if s.Drops() >= int64(p.unhealthyDropThreshold()) && s.State() != domain.ObserverUnhealthy {
				p.markUnhealthyThenRecycle(s, "queue drop threshold exceeded")
			}
		}(s)
	}
	wg.Wait()
}

func (p *Pool) unhealthyDropThreshold() int {
	if p.cfg.UnhealthyDropThreshold > 0 {
		return p.cfg.UnhealthyDropThreshold
	}
	return 20
}

func (p *Pool) markUnhealthyThenRecycle(s *Session, reason string) {
	if p.metrics != nil {
		p.metrics.ObserverEventDropped(reason)
	}
	p.transition(s, domain.ObserverUnhealthy)
	p.transition(s, domain.ObserverRecycling)
	p.Drop(s.ConnectionID, reason)
}

// MarkHeartbeat records the outcome of one heartbeat round trip for
// connectionID, driving the ACTIVE/UNHEALTHY/RECOVERING/RECYCLING
// transitions.
func (p *Pool) MarkHeartbeat(connectionID string, ok bool) {
	session, found := p.Get(connectionID)
	if !found {
		return
	}
	cur := session.State()
	if ok {
		session.RecordHeartbeatOK()
		if cur == domain.ObserverUnhealthy || cur == domain.ObserverRecovering {
			p.transition(session, domain.ObserverReady)
		}
		return
	}

	switch cur {
	case domain.ObserverRecovering:
		p.markUnhealthyThenRecycle(session, "heartbeat recovery failed")
	case domain.ObserverUnhealthy:
		p.transition(session, domain.ObserverRecovering)
		session.RecordHeartbeatMiss()
	default:
		if session.RecordHeartbeatMiss() >= heartbeatMissThreshold {
			p.transition(session, domain.ObserverUnhealthy)
		}
	}
}

// healthLoop periodically checks bucket's assigned sessions for TTL
// expiry; one goroutine per bucket, the unit loadBalancingStrategy
// actually spreads work across.
func (p *Pool) healthLoop(ctx context.Context, b *bucket) {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			ids := make([]string, 0, len(b.sessions))
			for id := range b.sessions {
				ids = append(ids, id)
			}
			b.mu.Unlock()
			for _, id := range ids {
				p.checkTTL(id)
			}
		}
	}
}

func (p *Pool) checkTTL(connectionID string) {
	session, ok := p.Get(connectionID)
	if !ok {
		return
	}
	if p.cfg.ConnectionTTL > 0 && time.Since(session.AcquiredAt) > p.cfg.ConnectionTTL {
		p.transition(session, domain.ObserverRecycling)
		p.Drop(connectionID, "connection TTL expired")
	}
}

// recycleLoop periodically moves idle sessions ACTIVE->IDLE and
// recycles sessions idle for longer than idleTimeout.
func (p *Pool) recycleLoop(ctx context.Context) {
	interval := p.cfg.IdleTimeout
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	idleTimeout := p.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = time.Minute
	}
	for _, s := range sessions {
		idleFor := time.Since(s.LastActivityAt())
		if idleFor < idleTimeout {
			continue
		}
		switch s.State() {
		case domain.ObserverActive:
			p.transition(s, domain.ObserverIdle)
		case domain.ObserverIdle:
			p.transition(s, domain.ObserverRecycling)
			p.Drop(s.ConnectionID, "idle timeout")
		}
	}
}

// Reconnect replays events published after fromSeq to a freshly
// re-admitted Session for a reconnecting observer. ok is false when
// fromSeq predates the retained ring or is past its newest event, and
// the caller must resynchronize from the journal instead.
func (p *Pool) Reconnect(session *Session, fromSeq int64) (replayed int, ok bool) {
	entries, within := p.ring.since(fromSeq, session.Filter)
	if !within {
		return 0, false
	}
	for _, e := range entries {
		session.deliver(e.event)
	}
	return len(entries), true
}

// ErrSessionNotFound is returned by operations addressed at an
// unknown connectionID.
var ErrSessionNotFound = fmt.Errorf("observer session not found")
