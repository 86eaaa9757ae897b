package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quillhq/quill/internal/compact"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/health"
	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/llm/client"
	"github.com/quillhq/quill/internal/memory"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/prompt"
	"github.com/quillhq/quill/internal/task"
	"github.com/quillhq/quill/internal/tools"
	"github.com/quillhq/quill/internal/usage"
	"github.com/quillhq/quill/pkg/models"
)

// Runtime owns every shared handle of the assistant core: the provider
// client and health monitor, the memory store and retriever, the tool
// registry, and the agent itself. Construct once, tear down once.
type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	agent     *Agent
	store     *memory.Store
	retriever *memory.Retriever
	monitor   *health.Monitor
	tasks     *task.Monitor
	tracker   *usage.Tracker
	registry  *tools.Registry
	persona   *prompt.PersonaLoader
	retro     *task.Retrospector
	consol    *memory.Consolidator
	llmClient *client.Client
	promReg   *prometheus.Registry
	startedAt time.Time

	// turnMu serializes turns; the runtime reports busy in between.
	turnMu sync.Mutex
}

// NewRuntime constructs the assistant from configuration.
func NewRuntime(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}

	store, err := memory.NewStore(memory.StoreConfig{Path: cfg.Memory.Path})
	if err != nil {
		return nil, &TurnError{Kind: KindConfig, Message: "open memory store", Cause: err}
	}

	monitor := health.NewMonitor(health.Config{
		FailureThreshold:   cfg.Failover.FailureThreshold,
		RecoveryThreshold:  cfg.Failover.RecoveryThreshold,
		CooldownBase:       cfg.Failover.CooldownBase,
		CooldownMax:        cfg.Failover.CooldownMax,
		CooldownMultiplier: cfg.Failover.CooldownMultiplier,
		ProbeInterval:      cfg.Failover.HealthCheckInterval,
	}, logger)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	llmClient := client.New(client.DefaultConfig(), monitor, metrics, logger)
	providerCfgs := append([]config.ProviderConfig{cfg.LLM.ProviderConfig}, cfg.LLM.Fallbacks...)
	for i, pc := range providerCfgs {
		provider, err := buildProvider(pc)
		if err != nil {
			store.Close()
			return nil, &TurnError{Kind: KindConfig, Message: fmt.Sprintf("provider %d", i), Cause: err}
		}
		llmClient.Add(provider, i)
	}

	retriever := memory.NewRetriever(store, nil, memory.RetrieverConfig{
		CacheSize:          cfg.Memory.CacheSize,
		CacheTTL:           cfg.Memory.CacheTTL,
		EnableQueryRewrite: cfg.Memory.EnableQueryRewrite,
	}, logger)

	persona, err := prompt.NewPersonaLoader(cfg.Persona.Dir, logger)
	if err != nil {
		store.Close()
		return nil, &TurnError{Kind: KindConfig, Message: "load persona", Cause: err}
	}
	if cfg.Persona.Watch {
		if err := persona.Watch(); err != nil {
			logger.Warn("persona watch unavailable", "error", err)
		}
	}

	registry := tools.NewRegistry()
	builtins := []tools.Tool{
		tools.NewShellTool(cfg.Tools.ShellBlocklist, cfg.Tools.Timeout),
		tools.NewFileTool(cfg.Tools.AllowPaths, cfg.Tools.Timeout),
		tools.NewWebTool(cfg.Tools.Timeout, 0),
	}
	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			store.Close()
			return nil, &TurnError{Kind: KindConfig, Message: "register tool", Cause: err}
		}
	}
	executor := tools.NewExecutor(registry, tools.ExecutorConfig{
		MaxParallel:    cfg.Tools.MaxParallel,
		DefaultTimeout: cfg.Tools.Timeout,
	}, logger)

	brain := NewBrain(llmClient, cfg.LLM.Model)
	compactor := compact.New(brain, compact.DefaultConfig(), logger)
	verifier := NewVerifier(brain, VerifierMode(cfg.Agent.VerifierLLM), logger)
	tasks := task.NewMonitor(0)
	tracker := usage.NewTracker()

	retroDir := cfg.Agent.RetrospectDir
	if retroDir == "" {
		retroDir = "retrospects"
	}
	retro := task.NewRetrospector(brain, retroDir, logger)

	wd, _ := os.Getwd()
	env := prompt.Environment{
		OS:         runtime.GOOS,
		WorkingDir: wd,
		Locale:     os.Getenv("LANG"),
	}

	agentCfg := Config{
		MaxIterations:       cfg.Agent.MaxIterations,
		TargetPromptTokens:  cfg.LLM.TargetPromptTokens,
		RetrospectThreshold: cfg.Agent.RetrospectThreshold,
		RetrospectEnabled:   cfg.Agent.RetrospectEnabled == nil || *cfg.Agent.RetrospectEnabled,
	}
	agentCfg.applyDefaults()

	a := &Agent{
		cfg:       agentCfg,
		client:    llmClient,
		compactor: compactor,
		assembler: prompt.New(),
		persona:   persona,
		retriever: retriever,
		recent:    memory.NewRecentTracker(cfg.Agent.RecentEntityMax, cfg.Agent.RecentEntityTTL),
		store:     store,
		registry:  registry,
		executor:  executor,
		verifier:  verifier,
		monitor:   tasks,
		retro:     retro,
		tracker:   tracker,
		metrics:   metrics,
		env:       env,
		params: llm.Params{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		logger: logger,
	}

	consol := memory.NewConsolidator(store, brain, logger)
	if err := consol.Start(cfg.Memory.ConsolidationCron); err != nil {
		logger.Warn("consolidation schedule unavailable", "error", err)
	}
	monitor.Start()

	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		agent:     a,
		store:     store,
		retriever: retriever,
		monitor:   monitor,
		tasks:     tasks,
		tracker:   tracker,
		registry:  registry,
		persona:   persona,
		retro:     retro,
		consol:    consol,
		llmClient: llmClient,
		promReg:   promReg,
		startedAt: time.Now(),
	}, nil
}

// buildProvider constructs one adapter from its config block.
func buildProvider(pc config.ProviderConfig) (llm.Provider, error) {
	switch pc.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.Model,
		})
	case "openai", "openai-compatible":
		name := ""
		if pc.Provider == "openai-compatible" {
			name = "openai-compatible"
		}
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.Model,
			Name:         name,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Provider)
	}
}

// Chat runs one synchronous turn.
func (r *Runtime) Chat(ctx context.Context, message, conversationID string) (*TurnResult, error) {
	r.turnMu.Lock()
	defer r.turnMu.Unlock()
	return r.agent.Run(ctx, message, conversationID, nil)
}

// ChatStream runs one turn, emitting events on the returned channel. The
// channel closes after the terminal done or error event.
func (r *Runtime) ChatStream(ctx context.Context, message, conversationID string) (<-chan Event, error) {
	events := make(chan Event, 16)
	go func() {
		r.turnMu.Lock()
		defer r.turnMu.Unlock()
		defer close(events)
		sink := SinkFunc(func(e Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		})
		// Terminal events are emitted by Run; errors need no extra handling.
		_, _ = r.agent.Run(ctx, message, conversationID, sink)
	}()
	return events, nil
}

// HealthReport is the health() contract.
type HealthReport struct {
	Status     string                  `json:"status"` // ok, degraded, error
	Components HealthComponents        `json:"components"`
	Providers  []models.ProviderHealth `json:"providers"`
}

// HealthComponents breaks health down by subsystem.
type HealthComponents struct {
	Agent  string            `json:"agent"`
	Memory MemoryHealth      `json:"memory"`
	Tools  ToolsHealth       `json:"tools"`
	LLM    map[string]string `json:"llm"`
}

// MemoryHealth reports store size.
type MemoryHealth struct {
	Count     int64 `json:"count"`
	SizeBytes int64 `json:"size_bytes"`
}

// ToolsHealth reports registry state.
type ToolsHealth struct {
	Count      int  `json:"count"`
	Responsive bool `json:"responsive"`
}

// Health implements the health() contract.
func (r *Runtime) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    "ok",
		Providers: r.monitor.Snapshots(),
	}
	report.Components.Agent = "ok"
	report.Components.Tools = ToolsHealth{Count: r.registry.Len(), Responsive: true}
	report.Components.LLM = map[string]string{
		"provider": r.cfg.LLM.Provider,
		"model":    r.cfg.LLM.Model,
	}

	count, err := r.store.Count(ctx)
	if err != nil {
		report.Status = "error"
		report.Components.Agent = "memory store unavailable"
	}
	size, _ := r.store.SizeBytes(ctx)
	report.Components.Memory = MemoryHealth{Count: count, SizeBytes: size}

	for _, ph := range report.Providers {
		if ph.Status == models.HealthUnhealthy && report.Status == "ok" {
			report.Status = "degraded"
		}
	}
	return report
}

// StatusReport is the status() contract.
type StatusReport struct {
	Busy        bool               `json:"busy"`
	CurrentTask *models.TaskRecord `json:"current_task,omitempty"`
	UptimeS     int64              `json:"uptime_s"`
	Totals      StatusTotals       `json:"totals"`
	MemoryCount int64              `json:"memory_count"`
	ToolCount   int                `json:"tool_count"`
	LLM         map[string]string  `json:"llm"`
}

// StatusTotals aggregates lifetime counters.
type StatusTotals struct {
	Conversations int64 `json:"conversations"`
	ToolCalls     int64 `json:"tool_calls"`
	Tokens        int64 `json:"tokens"`
}

// Status implements the status() contract.
func (r *Runtime) Status(ctx context.Context) StatusReport {
	convs, _ := r.store.CountConversations(ctx)
	memCount, _ := r.store.Count(ctx)

	var toolCalls int64
	for _, rec := range r.tasks.Completed() {
		for _, it := range rec.Iterations {
			toolCalls += int64(len(it.ToolCalls))
		}
	}

	return StatusReport{
		Busy:        r.tasks.Busy(),
		CurrentTask: r.tasks.Current(),
		UptimeS:     int64(time.Since(r.startedAt).Seconds()),
		Totals: StatusTotals{
			Conversations: convs,
			ToolCalls:     toolCalls,
			Tokens:        r.tracker.Total().Total(),
		},
		MemoryCount: memCount,
		ToolCount:   r.registry.Len(),
		LLM: map[string]string{
			"provider": r.cfg.LLM.Provider,
			"model":    r.cfg.LLM.Model,
		},
	}
}

// Store exposes the memory store for CLI subcommands.
func (r *Runtime) Store() *memory.Store { return r.store }

// Retrospector exposes retrospect reading for CLI subcommands.
func (r *Runtime) Retrospector() *task.Retrospector { return r.retro }

// MetricsRegistry exposes the Prometheus registry for an embedding server
// to scrape.
func (r *Runtime) MetricsRegistry() *prometheus.Registry { return r.promReg }

// Close tears the runtime down. Safe to call once.
func (r *Runtime) Close() error {
	r.monitor.Stop()
	r.consol.Stop()
	if err := r.persona.Close(); err != nil {
		r.logger.Debug("persona close", "error", err)
	}
	return r.store.Close()
}
