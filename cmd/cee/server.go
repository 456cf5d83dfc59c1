package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/olumi/cee/api/handlers"
	"github.com/olumi/cee/config"
	"github.com/olumi/cee/internal/admin"
	"github.com/olumi/cee/internal/boundary"
	"github.com/olumi/cee/internal/cache"
	"github.com/olumi/cee/internal/edge"
	"github.com/olumi/cee/internal/hmacauth"
	"github.com/olumi/cee/internal/idempotency"
	"github.com/olumi/cee/internal/metrics"
	"github.com/olumi/cee/internal/pipeline"
	"github.com/olumi/cee/internal/quota"
	"github.com/olumi/cee/internal/server"
	"github.com/olumi/cee/internal/sharelink"
	"github.com/olumi/cee/internal/stream"
	"github.com/olumi/cee/internal/verify"
	"github.com/olumi/cee/llm"
	"github.com/olumi/cee/llm/factory"
	"github.com/olumi/cee/llm/fixtures"
	llmidem "github.com/olumi/cee/llm/idempotency"
	"github.com/olumi/cee/llm/tokenizer"
	"github.com/olumi/cee/types"
)

// Server assembles and runs the HTTP and metrics listeners.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	auth         *edge.Authenticator
	cacheManager *cache.Manager
	registry     *stream.Registry
	collector    *metrics.Collector
	watcher      *config.FileWatcher
}

// NewServer wires every component from configuration. configPath may be
// empty when the configuration came from the environment only.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, configPath: configPath, logger: logger}

	telemetryEmit := func(event string, fields map[string]any) {
		zf := make([]zap.Field, 0, len(fields)+1)
		zf = append(zf, zap.String("event", event))
		for k, v := range fields {
			zf = append(zf, zap.Any(k, v))
		}
		logger.Info("telemetry", zf...)
	}

	// Shared cache backend, optional.
	if cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		mgr, err := cache.NewManager(cacheCfg, logger)
		if err != nil {
			logger.Warn("shared cache unavailable, using in-process fallbacks", zap.Error(err))
		} else {
			s.cacheManager = mgr
		}
	}

	// Component A: quota store.
	quotaStore := quota.NewStore(
		quota.Params{Capacity: cfg.RateLimit.Capacity, RefillPerSec: cfg.RateLimit.RefillPerSec},
		quota.Params{Capacity: cfg.RateLimit.StreamCapacity, RefillPerSec: cfg.RateLimit.StreamRefillPerSec},
		s.cacheManager, logger,
		func(keyID string) {
			telemetryEmit("quota_fallback", map[string]any{"key_id": keyID, "backend": "fallback"})
		},
	)

	// Component B: HMAC verifier, active only with a configured secret.
	var verifier *hmacauth.Verifier
	if cfg.Auth.HMACSecret != "" {
		nonceCache := s.cacheManager
		if !cfg.Auth.RedisNonceEnabled {
			nonceCache = nil
		}
		verifier = hmacauth.NewVerifier([]byte(cfg.Auth.HMACSecret), cfg.Auth.HMACMaxSkew(), nonceCache, logger)
	}

	// Component C: the request edge.
	auth := edge.NewAuthenticator(edge.Config{
		APIKeys:         cfg.Auth.Keys(),
		HMACSecret:      []byte(cfg.Auth.HMACSecret),
		Verifier:        verifier,
		Quota:           quotaStore,
		QuotaLimit:      int(cfg.RateLimit.Capacity),
		EnableLegacySSE: cfg.Server.EnableLegacySSE,
		Telemetry:       telemetryEmit,
		Logger:          logger,
	})
	s.auth = auth

	// Component G: verification layer.
	engine := verify.NewEngineClient(cfg.Engine.BaseURL, cfg.Engine.Timeout(), cfg.Engine.MaxRetries, logger)
	responseVerifier := verify.New(engine, verify.EmitFunc(telemetryEmit), logger)

	// LLM adapter.
	adapter, modelName, err := buildAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Component E: the unified pipeline.
	pipe := pipeline.New(adapter, responseVerifier,
		briefCounter(modelName),
		pipeline.Config{
			DraftTimeout:        cfg.LLM.DraftTimeout,
			MaxRepairRetries:    cfg.LLM.MaxRepairRetries,
			CheckpointsEnabled:  true,
			Production:          cfg.Log.Format != "console",
			EngineValidation:    cfg.Engine.CausalValidationEnabled && cfg.Engine.BaseURL != "",
			EngineRequired:      false,
			ModelOverrideActive: cfg.LLM.ModelDraft != "",
			Provenance: types.Provenance{
				Commit:                  boundary.Commit,
				Version:                 boundary.Version,
				BuildTimestamp:          boundary.BuildTime,
				PromptVersion:           "v3",
				PromptSource:            "builtin",
				Model:                   modelName,
				EngineBaseURLConfigured: cfg.Engine.BaseURL != "",
			},
		}, logger)

	// Idempotent replay store.
	var idemManager llmidem.Manager
	if cfg.Redis.Enabled {
		idemManager = llmidem.NewRedisManager(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), "cee:idem:", logger)
	} else {
		idemManager = llmidem.NewMemoryManager(logger)
	}
	idemStore := idempotency.New(idemManager, 0)

	// Component D: stream registry and gates.
	s.registry = stream.NewRegistry(cfg.Stream.RingCapacity, cfg.Stream.ResumeRetention)
	var onGateFail func(string)
	if cfg.Stream.GateFailFastMode {
		onGateFail = func(reason string) {
			logger.Error("stream gate fail-fast", zap.String("reason", reason))
		}
	}
	gates := stream.NewGateEvaluator(cfg.Stream.GateWindow, onGateFail)
	aggregate := stream.NewAggregateGates()

	// Share links.
	shareSecret := cfg.Auth.ShareSecret
	if shareSecret == "" {
		shareSecret = cfg.Auth.HMACSecret
	}
	shareService := sharelink.New([]byte(shareSecret), 0, s.cacheManager)

	// Handlers.
	health := handlers.NewHealthHandler(logger)
	if s.cacheManager != nil {
		health.RegisterCheck(handlers.NewPingHealthCheck("cache", s.cacheManager.Ping))
	}
	assist := handlers.NewAssistHandler(pipe, adapter, idemStore, cfg.Server.EnableLegacySSE, logger)
	streams := handlers.NewStreamHandler(pipe, s.registry, gates, aggregate, cfg.Stream.HeartbeatEvery, logger)
	share := handlers.NewShareHandler(shareService, logger)

	adminHandler := admin.New(cfg.Auth.AdminToken, auth, gates, s.reloadKeys, logger)

	// Routes.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /{$}", health.HandleStatus)
	mux.HandleFunc("GET /v1/status", health.HandleStatus)

	mux.HandleFunc("POST /assist/draft-graph", assist.HandleDraftGraph)
	mux.HandleFunc("POST /assist/draft-graph/stream", streams.HandleStream)
	mux.HandleFunc("POST /assist/draft-graph/resume", streams.HandleResume)

	mux.HandleFunc("POST /assist/v1/draft-graph", assist.HandleDraftGraphV1)
	mux.HandleFunc("POST /assist/v1/options", assist.HandleOptions)
	mux.HandleFunc("POST /assist/v1/explain-graph", assist.HandleExplainGraph)
	mux.HandleFunc("POST /assist/v1/evidence-helper", assist.HandleEvidenceHelper)

	mux.HandleFunc("POST /assist/share", share.HandleCreate)
	mux.HandleFunc("GET /assist/share/{token}", share.HandleToken)
	mux.HandleFunc("DELETE /assist/share/{token}", share.HandleToken)

	adminHandler.Register(mux)

	// Metrics.
	s.collector = metrics.NewCollector("cee", logger)

	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		PublicRateLimiter(20, 40, edge.PublicRoute),
		auth.Middleware,
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsManager = server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, logger)

	return s, nil
}

// briefCounter picks the token counter for the brief-length guard: exact
// tiktoken counting for OpenAI model families, the heuristic estimator for
// everything else.
func briefCounter(model string) tokenizer.Tokenizer {
	if factory.ProviderForModel(model, "") == "openai" {
		if tt, err := tokenizer.NewTiktokenTokenizer(model); err == nil {
			return tt
		}
	}
	return tokenizer.NewEstimatorTokenizer(model, 0)
}

// buildAdapter selects the GraphAdapter per LLM_PROVIDER, with the
// fixtures adapter bypassing the network entirely.
func buildAdapter(cfg *config.Config, logger *zap.Logger) (llm.GraphAdapter, string, error) {
	if cfg.LLM.Provider == "fixtures" {
		return fixtures.New(), "fixtures", nil
	}

	model := cfg.LLM.DraftModel()
	providerName := factory.ProviderForModel(model, cfg.LLM.Provider)

	pc := factory.ProviderConfig{
		Model:   model,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.DraftTimeout,
	}
	switch providerName {
	case "anthropic":
		pc.APIKey = cfg.LLM.AnthropicAPIKey
	case "openai":
		pc.APIKey = cfg.LLM.OpenAIAPIKey
	}

	provider, err := factory.NewProviderFromConfig(providerName, pc, logger)
	if err != nil {
		return nil, "", fmt.Errorf("build provider: %w", err)
	}
	resilient := llm.NewResilientProvider(provider, nil, logger)
	return llm.NewChatGraphAdapter(resilient, model, cfg.LLM.DraftTimeout), model, nil
}

// reloadKeys re-resolves the configuration from its sources and returns
// the fresh API-key list. The key-set swap itself is atomic; in-flight
// requests keep the set they already read.
func (s *Server) reloadKeys() ([]string, error) {
	loader := config.NewLoader()
	if s.configPath != "" {
		loader = loader.WithConfigPath(s.configPath)
	}
	fresh, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return fresh.Auth.Keys(), nil
}

// watchConfig hot-reloads the key set when the config file changes.
func (s *Server) watchConfig() error {
	if s.configPath == "" {
		return nil
	}
	w, err := config.NewFileWatcher([]string{s.configPath}, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnChange(func(ev config.FileEvent) {
		keys, err := s.reloadKeys()
		if err != nil {
			s.logger.Error("config reload failed", zap.Error(err))
			return
		}
		s.auth.SwapKeys(keys)
		s.logger.Info("api key set reloaded from config file",
			zap.String("op", ev.Op.String()),
			zap.Int("key_count", len(keys)))
	})
	if err := w.Start(context.Background()); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Start brings up both listeners.
func (s *Server) Start() error {
	if err := s.watchConfig(); err != nil {
		s.logger.Warn("config watcher unavailable", zap.Error(err))
	}
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	s.logger.Info("metrics server listening", zap.String("addr", s.metricsManager.Addr()))

	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	s.logger.Info("http server listening", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// WaitForShutdown blocks until a signal, then drains both listeners.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = s.metricsManager.Shutdown(ctx)

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	s.registry.Close()
	if s.cacheManager != nil {
		_ = s.cacheManager.Close()
	}
}
