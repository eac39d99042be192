package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"coursechat/internal/agent"
	"coursechat/internal/bus"
	"coursechat/internal/citation"
	"coursechat/internal/config"
	"coursechat/internal/domain"
	"coursechat/internal/engine"
	"coursechat/internal/knowledge"
	"coursechat/internal/memory"
	"coursechat/internal/metrics"
	"coursechat/internal/provider"
	"coursechat/internal/tool"
	"coursechat/internal/vision"
)

// app holds the components shared by chat and serve.
type app struct {
	cfg        *config.Config
	bus        *bus.EventBus
	store      *memory.SQLiteStore
	factory    *provider.Factory
	prompt     *agent.PromptBuilder
	limiter    *agent.RateLimiter
	engine     *engine.Engine // nil when the local engine is disabled
	knowledge  *knowledge.Engine
	tools      *tool.Registry
	catalog    *agent.CourseTools
	sessions   *agent.SessionManager
	orch       *agent.Orchestrator
	stopMetric func()
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		bus:     bus.NewEventBus(logger),
		factory: provider.NewFactory(cfg, logger),
		prompt: agent.NewPromptBuilder(agent.PromptConfig{
			ThinkingLevel:     cfg.General.ThinkingLevel,
			SystemPromptExtra: cfg.General.SystemPromptExtra,
			HistoryLimit:      cfg.General.HistoryLimit,
			MaxContextChars:   cfg.General.MaxContextChars,
		}),
		limiter: agent.NewRateLimiter(0, 0),
		tools:   tool.NewRegistry(logger),
	}

	if cfg.Memory.Enabled || cfg.Knowledge.Mode == "local" {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
		a.store = store
	}

	a.catalog = agent.NewCourseTools(a.tools)
	for name, course := range cfg.Courses {
		a.limiter.SetRate(name, float64(course.RateLimitPerMin))
		a.catalog.SetCourse(name, course.Tools.Enabled, course.Tools.Allowed, course.Tools.Denied)
	}

	if cfg.Engine.Enabled {
		a.engine = newEngine(cfg)
	}
	a.loadTools()

	oc := agent.OrchestratorConfig{
		Bus:       a.bus,
		Describer: a.describer(),
		Retriever: a.retriever(),
		Tools:     a.catalog,
		Selector:  a.toolRouter(),
		Runner: tool.NewExecutor(tool.ExecutorConfig{
			Registry:    a.tools,
			MaxParallel: cfg.Tools.MaxParallel,
			Logger:      logger,
			OnDone: func(inv domain.ToolInvocation) {
				logger.Debug("tool finished", "tool", inv.Name, "failed", inv.Error != "")
			},
		}),
		Prompt: a.prompt,
		Hosted: agent.NewRoutingClient(agent.RoutingClientConfig{
			URL:    cfg.Routing.URL,
			Client: provider.SharedHTTPClient(seconds(cfg.Routing.TimeoutSeconds)),
			Logger: logger,
		}),
		Loggers:  a.messageLoggers(),
		Resolver: citation.DefaultResolver{FileBaseURL: cfg.Knowledge.FileBaseURL},
		Limiter:  a.limiter,
		TopK:     cfg.Knowledge.SearchTopK,
		Logger:   logger,
	}
	// Leave the interfaces nil rather than holding typed nil pointers.
	if a.engine != nil {
		oc.Engine = a.engine
	}
	if a.store != nil && cfg.Memory.Enabled {
		oc.Store = a.store
	}
	a.orch = agent.NewOrchestrator(oc)
	a.sessions = agent.NewSessionManager(oc.Store, logger)

	if cfg.Metrics.Enabled {
		a.stopMetric = metrics.Collector.Observe(a.bus)
	}
	return a, nil
}

func (a *app) Close() {
	if a.stopMetric != nil {
		a.stopMetric()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func newEngine(cfg *config.Config) *engine.Engine {
	return engine.New(engine.Config{
		BaseURL:     cfg.Engine.BaseURL,
		Models:      cfg.Engine.Models,
		KeepAlive:   cfg.Engine.KeepAlive,
		LoadTimeout: seconds(cfg.Engine.LoadTimeoutSeconds),
		Client:      provider.SharedHTTPClient(0),
		Logger:      logger,
	})
}

func (a *app) retriever() agent.Retriever {
	switch a.cfg.Knowledge.Mode {
	case "local":
		a.knowledge = knowledge.NewEngine(knowledge.EngineConfig{
			Store:     a.store,
			ChunkSize: a.cfg.Knowledge.ChunkSize,
			Overlap:   a.cfg.Knowledge.ChunkOverlap,
			TopK:      a.cfg.Knowledge.SearchTopK,
			Logger:    logger,
		})
		return a.knowledge
	case "remote":
		return knowledge.NewRemoteRetriever(knowledge.RemoteConfig{
			URL:        a.cfg.Knowledge.RemoteURL,
			TokenLimit: a.cfg.Knowledge.TokenLimit,
			Logger:     logger,
		})
	}
	return nil
}

func (a *app) describer() agent.ImageDescriber {
	if !a.cfg.Vision.Enabled {
		return nil
	}
	prov, err := a.providerOrDefault(a.cfg.Vision.Provider)
	if err != nil {
		logger.Warn("vision disabled", "err", err)
		return nil
	}
	return vision.NewDescriber(vision.DescriberConfig{Provider: prov, Model: a.cfg.Vision.Model, Logger: logger})
}

func (a *app) toolRouter() agent.ToolSelector {
	prov, err := a.providerOrDefault(a.cfg.Tools.Provider)
	if err != nil {
		logger.Warn("tool routing disabled", "err", err)
		return nil
	}
	return tool.NewRouter(tool.RouterConfig{Provider: prov, Model: a.cfg.Tools.Model, Logger: logger})
}

func (a *app) providerOrDefault(name string) (domain.Provider, error) {
	if name == "" {
		return a.factory.DefaultProvider()
	}
	return a.factory.Get(name)
}

func (a *app) toolClient() *http.Client {
	return provider.SharedHTTPClient(seconds(a.cfg.Tools.TimeoutSeconds))
}

// loadTools reads the workflow definitions once. serve keeps them fresh with
// a watcher.
func (a *app) loadTools() {
	if _, err := os.Stat(a.cfg.Tools.Dir); err != nil {
		logger.Debug("no tools directory", "dir", a.cfg.Tools.Dir)
		return
	}
	n, err := tool.Reload(a.tools, a.cfg.Tools.Dir, a.toolClient(), logger)
	if err != nil {
		logger.Warn("tool load failed", "dir", a.cfg.Tools.Dir, "err", err)
		return
	}
	logger.Info("tools loaded", "count", n, "dir", a.cfg.Tools.Dir)
}

// watchTools reloads the registry when the tools directory changes. It
// blocks until ctx is cancelled.
func (a *app) watchTools(ctx context.Context) {
	if !a.cfg.Tools.Watch {
		return
	}
	w, err := tool.NewWatcher(tool.WatcherConfig{
		Dir:      a.cfg.Tools.Dir,
		Registry: a.tools,
		Client:   a.toolClient(),
		OnReload: func(count int) { logger.Info("tools reloaded", "count", count) },
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("tool watcher disabled", "dir", a.cfg.Tools.Dir, "err", err)
		return
	}
	w.Run(ctx)
}

func (a *app) messageLoggers() []agent.MessageLogger {
	if !a.cfg.MessageLog.Enabled {
		return nil
	}
	var loggers []agent.MessageLogger
	if a.store != nil {
		loggers = append(loggers, memory.NewMessageLog(a.store.DB()))
	}
	if a.cfg.MessageLog.WebhookURL != "" {
		loggers = append(loggers, memory.NewWebhookLogger(a.cfg.MessageLog.WebhookURL, provider.SharedHTTPClient(30*time.Second)))
	}
	return loggers
}

// healthChecks lists the backends the heartbeat watches.
func (a *app) healthChecks() map[string]agent.HealthChecker {
	checks := make(map[string]agent.HealthChecker)
	if a.engine != nil {
		checks["engine"] = a.engine
	}
	for _, name := range a.factory.Names() {
		if p, err := a.factory.Get(name); err == nil && p != nil {
			checks["provider:"+name] = p
		}
	}
	return checks
}

// course returns the named course, falling back to general.defaultCourse.
func (a *app) course(name string) (string, config.CourseConfig, error) {
	if name == "" {
		name = a.cfg.General.DefaultCourse
	}
	if name == "" {
		return "", config.CourseConfig{}, errors.New("no course given and general.defaultCourse is not set")
	}
	c, ok := a.cfg.Course(name)
	if !ok {
		return "", config.CourseConfig{}, fmt.Errorf("unknown course %q", name)
	}
	return name, c, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
