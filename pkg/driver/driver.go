// Package driver is the public entry point wiring config, journal,
// LLM backend, completion analyzer, hook bus, readiness probe and the
// autopilot loop/dual-agent coordinator pair into one runnable unit.
package driver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/autocode/driver/internal/analyzer"
	"github.com/autocode/driver/internal/autopilot"
	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/coordinator"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/hookbus"
	"github.com/autocode/driver/internal/journal"
	"github.com/autocode/driver/internal/llmbackend"
	"github.com/autocode/driver/internal/observability"
	"github.com/autocode/driver/internal/observerpool"
	"github.com/autocode/driver/internal/readiness"
)

// Driver bundles the wired core: whichever of Loop (single-agent) or
// Coordinator (dual-agent) a Task's Mode selects at Run time, plus the
// shared HookBus, Journal, ReadinessProbe, and ObserverSessionPool
// every Session runs against.
type Driver struct {
	Config  *config.Config
	Bus     *hookbus.Bus
	Journal *journal.Journal
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	Backend     llmbackend.LLMBackend
	Readiness   *readiness.Probe
	Loop        *autopilot.Loop
	Coordinator *coordinator.Coordinator
	Observers   *observerpool.Pool

	events         *observability.MemoryEventStore
	eventsSub      *hookbus.Subscription
	stopDiagnostics func()
	shutdownTracer func(context.Context) error
}

// Prometheus metrics register against the default registry exactly
// once per process; every Driver shares the one Metrics value so
// repeated New calls (tests, embedded use) cannot double-register.
var (
	metricsOnce sync.Once
	metricsInst *observability.Metrics
)

func sharedMetrics() *observability.Metrics {
	metricsOnce.Do(func() { metricsInst = observability.NewMetrics() })
	return metricsInst
}

// New wires a Driver from cfg. maxConcurrentBackendCalls bounds
// in-flight LLMBackend.Execute calls across every Session the returned
// Driver runs; 0 means unbounded.
func New(cfg *config.Config, maxConcurrentBackendCalls int) (*Driver, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := sharedMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName: "autocode-driver",
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})

	backend, err := buildBackend(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("build backend: %w", err)
	}

	bus := hookbus.New(logger, metrics)

	j, err := journal.New(cfg.Journal.Directory, cfg.Journal.FirstPromptExcerptChars, bus, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	probe := readiness.New(backend, cfg.Readiness, logger, metrics)

	an := analyzer.New(analyzer.Config{
		CompletionThreshold:       cfg.Analyzer.CompletionThreshold,
		StrongCompletionThreshold: cfg.Analyzer.StrongCompletionThreshold,
		SubstantiveLengthFloor:    cfg.Analyzer.SubstantiveLengthFloor,
		SlowIterationMs:           cfg.Analyzer.SlowIterationMs,
	})

	loop := autopilot.New(backend, an, j, bus, logger, metrics, tracer, cfg.Task, maxConcurrentBackendCalls)
	loop.Readiness = probe

	coord := coordinator.New(loop, cfg.Coordinator, cfg.Task)

	pool := observerpool.New(cfg.Pool, bus, nil, logger, metrics, tracer)

	observability.SetDiagnosticsEnabled(cfg.Logging.EnableDiagnostics)

	return &Driver{
		Config:         cfg,
		Bus:            bus,
		Journal:        j,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		Backend:        backend,
		Readiness:      probe,
		Loop:           loop,
		Coordinator:    coord,
		Observers:      pool,
		events:         observability.NewMemoryEventStore(0),
		shutdownTracer: shutdownTracer,
	}, nil
}

func buildBackend(cfg config.BackendConfig) (llmbackend.LLMBackend, error) {
	switch cfg.Provider {
	case "anthropic":
		return llmbackend.NewAnthropicBackend(llmbackend.AnthropicConfig{
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			DefaultModel: cfg.AnthropicModel,
			MaxRetries:   cfg.MaxRetries,
		})
	case "openai":
		return llmbackend.NewOpenAIBackend(llmbackend.OpenAIConfig{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			DefaultModel: cfg.OpenAIModel,
			MaxRetries:   cfg.MaxRetries,
		})
	case "gemini":
		return llmbackend.NewGeminiBackend(llmbackend.GeminiConfig{
			APIKey:       os.Getenv("GOOGLE_API_KEY"),
			DefaultModel: cfg.GeminiModel,
			MaxRetries:   cfg.MaxRetries,
		})
	case "fake":
		return llmbackend.NewFakeBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
}

// Start begins background processing: the ReadinessProbe's scheduled
// refresh and the ObserverSessionPool's fan-out/health/recycle loops.
// Run RunAutopilot only after Start.
func (d *Driver) Start(ctx context.Context) error {
	if d.Config.Readiness.CacheTTL > 0 {
		if err := d.Readiness.StartBackgroundRefresh(ctx, d.Config.Readiness.CacheTTL); err != nil {
			return fmt.Errorf("start readiness refresh: %w", err)
		}
	}
	d.Observers.Start(ctx)

	d.eventsSub = d.Bus.Subscribe(domain.SubscriptionFilter{})
	go func() {
		for e := range d.eventsSub.Events {
			d.recordHookEvent(e)
		}
	}()

	if d.Config.Logging.EnableDiagnostics {
		d.stopDiagnostics = observability.OnDiagnosticEvent(func(ev observability.DiagnosticEventPayload) {
			d.Logger.Debug(ctx, "diagnostic event", "type", string(ev.EventType()), "seq", ev.Sequence())
		})
	}
	return nil
}

// recordHookEvent folds one HookBus event into the in-memory debug
// timeline store that Timeline replays (the journal stays the source
// of truth; this is a convenience layer, same as the bus itself).
func (d *Driver) recordHookEvent(e domain.HookEvent) {
	event := &observability.Event{
		Type:      timelineEventType(e.Type),
		Timestamp: e.OccurredAt,
		SessionID: e.SessionID,
		Name:      string(e.Type),
		Data:      e.Payload,
	}
	if e.IterationN != nil {
		event.IterationID = strconv.Itoa(*e.IterationN)
	}
	if role, ok := e.Payload["role"].(string); ok {
		event.Role = role
	}
	_ = d.events.Record(event)
}

func timelineEventType(t domain.EventType) observability.EventType {
	switch t {
	case domain.EventSessionCreated:
		return observability.EventTypeSessionStart
	case domain.EventSessionCompleted:
		return observability.EventTypeSessionEnd
	case domain.EventIterationStarted:
		return observability.EventTypeIterationStart
	case domain.EventIterationComplete:
		return observability.EventTypeIterationEnd
	case domain.EventHandoff:
		return observability.EventTypeHandoff
	case domain.EventAnalyzerVerdict:
		return observability.EventTypeVerdict
	case domain.EventBackendError, domain.EventBackendAuthNeeded:
		return observability.EventTypeBackendError
	case domain.EventObserverAdmitted:
		return observability.EventTypeObserverConnect
	case domain.EventObserverDropped:
		return observability.EventTypeObserverDrop
	default:
		return observability.EventTypeCustom
	}
}

// Timeline renders the recorded debug timeline for sessionID.
func (d *Driver) Timeline(sessionID string) (string, error) {
	events, err := d.events.GetBySessionID(sessionID)
	if err != nil {
		return "", err
	}
	return observability.FormatTimeline(observability.BuildTimeline(events)), nil
}

// Stop tears down background loops and flushes the tracer.
func (d *Driver) Stop(ctx context.Context) {
	d.Readiness.Stop()
	d.Observers.Stop()
	if d.eventsSub != nil {
		d.eventsSub.Unsubscribe()
	}
	if d.stopDiagnostics != nil {
		d.stopDiagnostics()
	}
	if d.shutdownTracer != nil {
		_ = d.shutdownTracer(ctx)
	}
}

// RunAutopilot runs task to completion using either AutopilotLoop
// (task.Mode == domain.ModeSingle) or DualAgentCoordinator
// (task.Mode == domain.ModeDual).
func (d *Driver) RunAutopilot(ctx context.Context, task domain.Task) (domain.Result, error) {
	if task.Mode == domain.ModeDual {
		return d.Coordinator.Run(ctx, task)
	}
	return d.Loop.Run(ctx, task)
}

// ObserverTransport exposes the wired ObserverSessionPool as an
// http.Handler-compatible websocket endpoint.
func (d *Driver) ObserverTransport() *observerpool.Transport {
	return observerpool.NewTransport(d.Observers, d.Logger, nil)
}
