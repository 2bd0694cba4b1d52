// Package readiness implements the backend readiness probe: a cached,
// process-wide classification of the LLMBackend's availability that
// gates whether the autopilot loop or dual-agent coordinator may
// start a Session at all. The cached status is a single initialised
// value with a thread-safe read, an explicit refresh operation, and
// an optional cron-driven background refresh.
package readiness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/observability"
)

// Prober is the subset of LLMBackend the probe depends on, so
// internal/readiness never needs to import internal/llmbackend.
type Prober interface {
	ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error)
}

// Probe caches the most recent ReadinessStatus behind a TTL so
// repeated Check calls across many Task starts don't hammer the
// backend.
type Probe struct {
	backend Prober
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	cached   domain.ReadinessStatus
	cachedAt time.Time

	cronRunner *cron.Cron
}

// New constructs a Probe over backend using cfg's cache TTL.
func New(backend Prober, cfg config.ReadinessConfig, logger *observability.Logger, metrics *observability.Metrics) *Probe {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Probe{backend: backend, ttl: ttl, logger: logger, metrics: metrics}
}

// Check returns the cached ReadinessStatus if it is still within TTL,
// otherwise it synchronously refreshes.
func (p *Probe) Check(ctx context.Context) (domain.ReadinessStatus, error) {
	p.mu.RLock()
	fresh := !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.ttl
	status := p.cached
	p.mu.RUnlock()
	if fresh {
		return status, nil
	}
	return p.Refresh(ctx)
}

// Refresh bypasses the cache, classifies the backend's raw probe
// result into healthy/partial/unavailable, stores it, and returns it.
func (p *Probe) Refresh(ctx context.Context) (domain.ReadinessStatus, error) {
	status, err := p.backend.ProbeReadiness(ctx)
	if err != nil {
		status = domain.ReadinessStatus{
			Level:      domain.ReadinessUnavailable,
			CanProceed: false,
			Issues:     []string{err.Error()},
			ErrorKind:  string(errs.KindOf(err)),
			CheckedAt:  time.Now(),
		}
	} else {
		status = classify(status)
	}

	p.mu.Lock()
	p.cached = status
	p.cachedAt = time.Now()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordReadinessCheck(string(status.Level))
	}
	if p.logger != nil {
		p.logger.Debug(ctx, "readiness refreshed", "level", status.Level, "can_proceed", status.CanProceed)
	}
	return status, err
}

// classify fills in Level/CanProceed from the raw Installed/AuthReady/
// Degraded signals when the backend's own ProbeReadiness left Level
// unset, so a minimal LLMBackend implementation only needs to set the
// three booleans.
func classify(status domain.ReadinessStatus) domain.ReadinessStatus {
	status.CheckedAt = time.Now()
	if status.Level != "" {
		return status
	}
	switch {
	case !status.Installed:
		status.Level = domain.ReadinessUnavailable
		status.CanProceed = false
		if status.ErrorKind == "" {
			status.ErrorKind = string(errs.BackendNotInstalled)
		}
	case !status.AuthReady:
		status.Level = domain.ReadinessUnavailable
		status.CanProceed = false
		if status.ErrorKind == "" {
			status.ErrorKind = string(errs.AuthRequired)
		}
	case status.Degraded:
		status.Level = domain.ReadinessPartial
		status.CanProceed = true
	default:
		status.Level = domain.ReadinessHealthy
		status.CanProceed = true
	}
	return status
}

// StartBackgroundRefresh schedules Refresh to run every interval
// using a robfig/cron "@every" job, so the probe stays warm without
// every Task start paying the refresh cost. Call Stop (or cancel ctx)
// to stop it.
func (p *Probe) StartBackgroundRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = p.ttl
	}
	runner := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := runner.AddFunc(spec, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		_, _ = p.Refresh(refreshCtx)
	}); err != nil {
		return fmt.Errorf("readiness: schedule background refresh: %w", err)
	}

	p.mu.Lock()
	p.cronRunner = runner
	p.mu.Unlock()

	runner.Start()
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the background refresh schedule, if one was started.
func (p *Probe) Stop() {
	p.mu.Lock()
	runner := p.cronRunner
	p.cronRunner = nil
	p.mu.Unlock()
	if runner != nil {
		runner.Stop()
	}
}
