// Command moneta is the main entry point for the Moneta memory engine server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/monetahq/moneta/internal/condense"
	"github.com/monetahq/moneta/internal/config"
	"github.com/monetahq/moneta/internal/health"
	"github.com/monetahq/moneta/internal/ingest"
	"github.com/monetahq/moneta/internal/observe"
	"github.com/monetahq/moneta/internal/resilience"
	"github.com/monetahq/moneta/internal/retrieve"
	"github.com/monetahq/moneta/internal/server"
	"github.com/monetahq/moneta/internal/sessionmem"
	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/memory/inmem"
	"github.com/monetahq/moneta/pkg/memory/postgres"
	"github.com/monetahq/moneta/pkg/provider/classifier"
	"github.com/monetahq/moneta/pkg/provider/classifier/keyword"
	"github.com/monetahq/moneta/pkg/provider/embeddings"
	ollamaembed "github.com/monetahq/moneta/pkg/provider/embeddings/ollama"
	oaembed "github.com/monetahq/moneta/pkg/provider/embeddings/openai"
	"github.com/monetahq/moneta/pkg/provider/llm"
	"github.com/monetahq/moneta/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

// logLevel is mutable so config hot-reload can adjust verbosity at runtime.
var logLevel = new(slog.LevelVar)

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "moneta: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "moneta: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("moneta starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "moneta"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if providers.LLM == nil {
		slog.Error("providers.llm is required — the condenser and turn handler need a completion backend")
		return 1
	}
	if providers.Embeddings == nil {
		slog.Error("providers.embeddings is required — retrieval needs an embedding backend")
		return 1
	}

	// ── Memory stores ─────────────────────────────────────────────────────────
	var (
		eventLog  memory.EventLog
		knowledge memory.KnowledgeStore
		checkers  []health.Checker
	)
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		dims := cfg.Memory.EmbeddingDimensions
		if dims == 0 {
			dims = providers.Embeddings.Dimensions()
		}
		store, err := postgres.NewStore(ctx, dsn, dims, postgres.WithAutoCreateSessions())
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer store.Close()
		eventLog = store.Events()
		knowledge = store.Knowledge()
		checkers = append(checkers, health.PingChecker("database", store))
		slog.Info("using postgres memory store", "dimensions", dims)
	} else {
		eventLog = inmem.NewEventLog(inmem.WithAutoCreate())
		knowledge = inmem.NewKnowledgeStore()
		slog.Warn("memory.postgres_dsn not set — using the in-memory store, nothing survives a restart")
	}

	// ── Knowledge ingestion ───────────────────────────────────────────────────
	if len(cfg.Ingest.Paths) > 0 {
		ingester, err := ingest.New(knowledge, providers.Embeddings)
		if err != nil {
			slog.Error("failed to create ingester", "err", err)
			return 1
		}
		res, err := ingester.IngestPaths(ctx, cfg.Ingest.Paths)
		if err != nil {
			slog.Error("knowledge ingestion failed", "err", err)
			return 1
		}
		slog.Info("knowledge ingestion complete", "inserted", res.Inserted, "skipped", res.Skipped)
	}

	// ── Core pipeline ─────────────────────────────────────────────────────────
	condenser, err := condense.New(eventLog,
		condense.NewLLMSummariser(providers.LLM),
		condense.CriticalByEventDomain(),
		condense.Config{
			MaxEvents:    cfg.Condenser.MaxEvents,
			KeepFirst:    cfg.Condenser.KeepFirst,
			TargetEvents: cfg.Condenser.TargetEvents,
			Metrics:      metrics,
		})
	if err != nil {
		slog.Error("failed to create condenser", "err", err)
		return 1
	}

	retriever, err := retrieve.New(knowledge, providers.Embeddings, providers.Classifier, retrieve.Config{
		K:                         cfg.Retriever.K,
		OverfetchFactor:           cfg.Retriever.OverfetchFactor,
		RRFConstant:               cfg.Retriever.RRFConstant,
		MMRLambda:                 cfg.Retriever.MMRLambda,
		DomainConfidenceThreshold: cfg.Retriever.DomainConfidenceThreshold,
		MinSimilarity:             cfg.Memory.MinSimilarity,
		Metrics:                   metrics,
	})
	if err != nil {
		slog.Error("failed to create retriever", "err", err)
		return 1
	}

	manager, err := sessionmem.New(eventLog, condenser, retriever, providers.Classifier, sessionmem.Config{
		DomainConfidenceThreshold: cfg.Retriever.DomainConfidenceThreshold,
		Metrics:                   metrics,
	})
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	api, err := server.New(manager, providers.LLM, metrics)
	if err != nil {
		slog.Error("failed to create api server", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	api.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, onConfigChange)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, listenAddr)

	// ── Serve ─────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", listenAddr)
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// onConfigChange applies what can be applied live and reports the rest.
// The log level takes effect immediately; pipeline tunables need a restart
// because the condenser and retriever are constructed once at boot.
func onConfigChange(old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.LogLevelChanged {
		logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level updated", "level", diff.NewLogLevel)
	}
	if diff.CondenserChanged || diff.RetrieverChanged {
		slog.Warn("condenser/retriever settings changed — restart to apply")
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
	Classifier classifier.Classifier
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Hosted backends share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, ollamaembed.WithBaseURL(entry.BaseURL))
		}
		return ollamaembed.New(entry.Model, opts...), nil
	})

	// ── Classifier ────────────────────────────────────────────────────────────
	reg.RegisterClassifier("keyword", func(_ config.ProviderEntry) (classifier.Classifier, error) {
		return keyword.New(), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry.
// The LLM and embeddings providers are wrapped in single-entry fallback
// groups so a flapping backend trips a circuit breaker instead of being
// hammered on every turn.
func buildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = resilience.NewEmbeddingsFallback(p, name, resilience.FallbackConfig{})
		slog.Info("provider created", "kind", "embeddings", "name", name, "model", cfg.Providers.Embeddings.Model)
	}

	if name := cfg.Providers.Classifier.Name; name != "" {
		p, err := reg.CreateClassifier(cfg.Providers.Classifier)
		if err != nil {
			return nil, fmt.Errorf("create classifier provider %q: %w", name, err)
		}
		ps.Classifier = p
		slog.Info("provider created", "kind", "classifier", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Moneta — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Classifier", cfg.Providers.Classifier.Name, "")
	if cfg.Memory.PostgresDSN != "" {
		fmt.Printf("║  Store           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Store           : %-19s ║\n", "in-memory")
	}
	fmt.Printf("║  Corpus files    : %-19d ║\n", len(cfg.Ingest.Paths))
	fmt.Printf("║  Event budget    : %-19d ║\n", cfg.Condenser.MaxEvents)
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
