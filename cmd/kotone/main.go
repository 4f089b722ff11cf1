// Command kotone runs the Kotone companion runtime kernel.
//
// It loads the YAML configuration, builds the configured provider backends,
// assembles the application, and serves until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kotonelabs/kotone/internal/app"
	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/pkg/provider/embeddings"
	embmock "github.com/kotonelabs/kotone/pkg/provider/embeddings/mock"
	olembed "github.com/kotonelabs/kotone/pkg/provider/embeddings/ollama"
	oaiembed "github.com/kotonelabs/kotone/pkg/provider/embeddings/openai"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
	"github.com/kotonelabs/kotone/pkg/provider/llm/anyllm"
	llmmock "github.com/kotonelabs/kotone/pkg/provider/llm/mock"
	oaillm "github.com/kotonelabs/kotone/pkg/provider/llm/openai"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── Flags ────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("kotone", version)
		return 0
	}

	// ── Configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config file %q not found — create one or pass -config\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		}
		return 1
	}

	// ── Logging ──────────────────────────────────────────────────────────
	// The level var is shared with the app so config reloads can retune it.
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	// ── Telemetry ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kotone",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	// ── Providers ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)
	providers, err := buildProviders(cfg, reg, logger)
	if err != nil {
		logger.Error("build providers", "error", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	// ── Application ──────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLogLevelVar(&level),
		app.WithConfigFile(*configPath),
	)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("runtime error", "error", runErr)
	}

	// ── Shutdown ─────────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// registerBuiltinDrivers installs the provider constructors the binary ships
// with. The "mock" drivers exist so a config can be exercised end to end
// without live backends.
func registerBuiltinDrivers(reg *config.Registry) {
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if e.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllm.New(e.Backend, e.Model, opts...)
	})
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		return oaillm.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{
			Status: llm.ConnectionStatus{OK: true, Detail: "mock"},
			Models: []string{e.Model},
		}, nil
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaiembed.Option
		if e.BaseURL != "" {
			opts = append(opts, oaiembed.WithBaseURL(e.BaseURL))
		}
		return oaiembed.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return olembed.New(e.BaseURL, e.Model)
	})
	reg.RegisterEmbeddings("mock", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{ModelIDValue: e.Model}, nil
	})
}

// buildProviders instantiates every configured provider entry. Entries whose
// driver has no registered constructor are skipped with a debug log so a
// config can list backends this build does not carry.
func buildProviders(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (*app.Providers, error) {
	registry := llm.NewRegistry()
	for _, entry := range cfg.Providers.LLM {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			if errors.Is(err, config.ErrDriverNotRegistered) {
				logger.Debug("skipping provider", "name", entry.Name, "driver", entry.Driver)
				continue
			}
			return nil, fmt.Errorf("provider %q: %w", entry.Name, err)
		}
		if err := registry.Register(entry.Name, p); err != nil {
			return nil, fmt.Errorf("provider %q: %w", entry.Name, err)
		}
	}
	if cfg.Providers.Default != "" {
		if err := registry.SetDefault(cfg.Providers.Default); err != nil {
			return nil, err
		}
	}

	providers := &app.Providers{LLM: registry}

	if entry := cfg.Providers.Embeddings; entry.Driver != "" {
		emb, err := reg.CreateEmbeddings(entry)
		if err != nil {
			if errors.Is(err, config.ErrDriverNotRegistered) {
				logger.Debug("skipping embeddings provider", "driver", entry.Driver)
				return providers, nil
			}
			return nil, fmt.Errorf("embeddings provider: %w", err)
		}
		providers.Embeddings = emb
	}
	return providers, nil
}

func printStartupSummary(cfg *config.Config, providers *app.Providers) {
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	embedding := "disabled"
	if providers.Embeddings != nil {
		embedding = providers.Embeddings.ModelID()
	}
	memory := "in-memory"
	if cfg.Memory.PostgresDSN != "" {
		memory = "postgres"
	}
	fmt.Printf("kotone %s\n", version)
	fmt.Printf("  listen:     %s\n", addr)
	fmt.Printf("  providers:  %v (default %q)\n", providers.LLM.Names(), providers.LLM.DefaultName())
	fmt.Printf("  embeddings: %s\n", embedding)
	fmt.Printf("  memory:     %s\n", memory)
	fmt.Printf("  stars:      %d\n", len(cfg.Stars))
	fmt.Printf("  agents:     %d\n", len(cfg.Agents))
	fmt.Printf("  skills:     %d\n", len(cfg.Skills))
}

// slogLevel converts a config log level to its slog equivalent.
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
