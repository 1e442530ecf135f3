package main

import (
	"fmt"
	"io"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	"github.com/ceciliomichael/antigravity-gateway/internal/config"
	"github.com/ceciliomichael/antigravity-gateway/internal/executor"
	"github.com/ceciliomichael/antigravity-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const backendTimeout = 30 * time.Second

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "antigravity-gateway",
		Short:         "Antigravity multi-account gateway",
		Long:          `Dispatches Gemini generateContent calls through the Antigravity backend across multiple Google accounts.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newAccountsCmd(&configPath))
	root.AddCommand(newSearchCmd(&configPath))

	return root
}

// gateway holds the wired dispatcher and the pieces it is built from.
type gateway struct {
	cfg        *config.Config
	dispatcher *executor.Dispatcher
	registry   *prometheus.Registry
	logCloser  io.Closer
}

func (g *gateway) Close() error {
	if g.logCloser != nil {
		return g.logCloser.Close()
	}
	return nil
}

// loadGateway reads the config, sets up logging and wires the dispatcher.
func loadGateway(configPath string, consoleLog bool) (*gateway, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if consoleLog {
		cfg.ConsoleLog = true
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	closer, err := logging.Setup(cfg)
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}

	httpClient := executor.NewHTTPClient(cfg.ProxyURL, backendTimeout)
	endpoints := cfg.Endpoints()
	headers := cfg.ClientHeaders()

	store := auth.NewFileCredentialStore(cfg.CredentialPath())
	projects := auth.NewProjectResolver(httpClient, endpoints, headers)
	refresher := auth.NewTokenRefresher(cfg.ClientSecret, httpClient, store, projects)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher, err := executor.NewDispatcher(executor.Options{
		Transport:               httpClient.Transport,
		Store:                   store,
		Storage:                 auth.NewAccountStorage(cfg.AccountsPath()),
		Refresher:               refresher,
		Projects:                projects,
		Metrics:                 executor.NewMetrics(registry),
		Endpoints:               endpoints,
		Headers:                 headers,
		SessionRecovery:         cfg.SessionRecovery,
		ClaudeMinThinkingBudget: cfg.ClaudeMinThinkingBudget,
	})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &gateway{cfg: cfg, dispatcher: dispatcher, registry: registry, logCloser: closer}, nil
}
