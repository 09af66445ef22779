// Package app wires configuration, storage, the job pipeline, and the
// HTTP server into a runnable service.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/recaplabs/recap/internal/clients/extract"
	"github.com/recaplabs/recap/internal/clients/gemini"
	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/events"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/metrics"
	"github.com/recaplabs/recap/internal/queue"
	"github.com/recaplabs/recap/internal/server"
	"github.com/recaplabs/recap/internal/state"
	"github.com/recaplabs/recap/internal/storage"
	"github.com/recaplabs/recap/internal/worker"
)

// App holds the initialized components of the service. It is the shared
// core behind cmd/recap-server.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Metrics     *metrics.Metrics
	State       *state.Store
	Queue       *queue.Queue
	Hub         *events.Hub
	Pool        *worker.Pool
	Server      *server.Server
	Summarizer  interfaces.Summarizer
	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage, job state, the queue, the event bus, the
// worker pool, and the HTTP server. configPath may be empty, in which
// case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	// Get binary directory for self-contained operation
	binDir := getBinaryDir()

	// Load configuration - check provided path, RECAP_CONFIG, then binary dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("RECAP_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "recap.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/recap.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative storage path to binary directory
	if config.Storage.Path != "" && !filepath.IsAbs(config.Storage.Path) {
		config.Storage.Path = filepath.Join(binDir, config.Storage.Path)
	}

	// Resolve relative log file path to binary directory
	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(binDir, config.Logging.FilePath)
	}

	logger := common.NewLoggerFromConfig(config.Logging)
	m := metrics.New()

	persist, err := storage.NewPersistentStore(logger, &config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	st := state.New(config.State, persist, logger)
	q := queue.New(config.Queue, st, logger, m)
	hub := events.NewHub(&config.Events, logger, m)

	summarizer := newSummarizer(context.Background(), config, logger)
	pool := worker.New(config.Workers, q, st, hub, summarizer, logger, m)
	srv := server.NewServer(config, logger, m, q, st, hub)

	a := &App{
		Config:      config,
		Logger:      logger,
		Metrics:     m,
		State:       st,
		Queue:       q,
		Hub:         hub,
		Pool:        pool,
		Server:      srv,
		Summarizer:  summarizer,
		StartupTime: startupStart,
	}

	logger.Info().
		Dur("startup", time.Since(startupStart)).
		Str("storage", persist.Name()).
		Str("summarizer", summarizer.Name()).
		Msg("App initialized")

	return a, nil
}

// newSummarizer selects the summarization backend: Gemini when an API
// key is configured, otherwise the local extractive fallback. Both use
// the same fetch client for document extraction.
func newSummarizer(ctx context.Context, config *common.Config, logger *common.Logger) interfaces.Summarizer {
	fetcher := extract.NewClient(extract.WithLogger(logger))

	if config.Gemini.APIKey != "" {
		s, err := gemini.New(ctx, config.Gemini.APIKey,
			gemini.WithModel(config.Gemini.Model),
			gemini.WithTimeout(config.Gemini.GetTimeout()),
			gemini.WithLogger(logger),
			gemini.WithDocumentClient(fetcher),
		)
		if err == nil {
			return s
		}
		logger.Warn().Err(err).Msg("Failed to initialize Gemini client, falling back to extractive summarizer")
	} else {
		logger.Info().Msg("Gemini API key not configured, using extractive summarizer")
	}
	return extract.NewSummarizer(fetcher, extract.WithSummarizerLogger(logger))
}

// Start launches the background machinery: the event bus, persisted job
// recovery, and the worker pool. The HTTP listener is started by the
// caller so it can own the serve loop.
func (a *App) Start(ctx context.Context) {
	a.Hub.Start()
	a.Pool.RecoverPersisted(ctx)
	a.Pool.Start()
}

// Stop shuts the service down. Order: event bus first so active streams
// end and the listener can drain, then the HTTP server, the worker
// pool, and finally the state store with its closing flush.
func (a *App) Stop(ctx context.Context) {
	a.Hub.Close()
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	a.Pool.Stop(a.Config.Workers.GetShutdownGrace())
	if err := a.State.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("State store close failed")
	}
}
