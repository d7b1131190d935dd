package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"orchestd/internal/backend"
	"orchestd/internal/config"
	"orchestd/internal/download"
	"orchestd/internal/httpapi"
	"orchestd/internal/lifecycle"
	"orchestd/internal/memory"
	"orchestd/internal/orchestrator"
	"orchestd/internal/progress"
	"orchestd/internal/recovery"
	"orchestd/internal/tokenizer"
	"orchestd/internal/validate"

	"orchestd/internal/common/fsutil"
	"orchestd/internal/hardware"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// Flags with environment variable defaults.
	addr := flag.String("addr", envOr("ORCHESTD_ADDR", ":8090"), "HTTP listen address, e.g. :8090")
	modelsDir := flag.String("models-dir", envOr("ORCHESTD_MODELS_DIR", "~/models"), "Directory scanned for model artifacts")
	configPath := flag.String("config", os.Getenv("ORCHESTD_CONFIG"), "Optional config file (yaml/json/toml)")
	catalogPath := flag.String("catalog", os.Getenv("ORCHESTD_CATALOG"), "Optional remote model catalog file")
	budgetMB := flag.Int64("memory-budget-mb", 0, "Memory budget in MB for all loaded models (0=detect)")
	defaultModel := flag.String("default-model", os.Getenv("ORCHESTD_DEFAULT_MODEL"), "Default model id when requests omit one")
	logLevel := flag.String("log-level", envOr("ORCHESTD_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	corsOrigins := flag.String("cors-origins", os.Getenv("ORCHESTD_CORS_ORIGINS"), "Comma-separated CORS origins (empty disables CORS)")
	llamaCtx := flag.Int("llama-ctx", 2048, "llama.cpp context size")
	llamaThreads := flag.Int("llama-threads", 0, "llama.cpp thread count (0=auto)")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()

	cfg := config.Config{}
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
		}
	}
	// Flags override file values.
	if cfg.Addr == "" {
		cfg.Addr = *addr
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = *modelsDir
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = *catalogPath
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = *defaultModel
	}
	if *budgetMB > 0 {
		cfg.MemoryBudgetBytes = *budgetMB << 20
	}

	dir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("models dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("create models dir")
	}

	hw := hardware.NewSystemProvider()
	snap, err := hw.Snapshot(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("hardware snapshot")
	}
	if cfg.MemoryBudgetBytes == 0 {
		// Leave headroom for the process itself and the OS page cache.
		cfg.MemoryBudgetBytes = snap.AvailableMemoryBytes * 8 / 10
	}
	log.Info().
		Str("os", snap.OS).Str("arch", snap.Arch).
		Str("accelerator", string(snap.Accelerator)).
		Int64("budget_bytes", cfg.MemoryBudgetBytes).
		Msg("hardware detected")

	machine := lifecycle.NewMachine()

	registry := backend.NewRegistry()
	if err := registry.Register(backend.NewLlamaDescriptor(*llamaCtx, *llamaThreads)); err != nil {
		log.Fatal().Err(err).Msg("backend registration")
	}

	downloads := download.NewManager(download.Config{
		Dir:         dir,
		MaxParallel: cfg.MaxParallelDownloads,
		Retries:     cfg.DownloadRetries,
		BaseDelay:   cfg.RetryBaseDelay(),
		Hardware:    hw,
		Logger:      log.With().Str("component", "download").Logger(),
	})

	manifest, err := validate.LoadManifest(filepath.Join(dir, "manifest.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("manifest load")
	}
	validator := validate.NewValidator(manifest, log.With().Str("component", "validate").Logger())

	mem := memory.NewManager(memory.Config{
		BudgetBytes:       cfg.MemoryBudgetBytes,
		SlackFactor:       cfg.MemorySlackFactor,
		PressureThreshold: cfg.PressureThreshold,
		Logger:            log.With().Str("component", "memory").Logger(),
	}, machine)

	tracker, err := progress.NewTracker(nil,
		progress.NewHistory(filepath.Join(dir, "stage_history.json")),
		log.With().Str("component", "progress").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("progress tracker")
	}

	coord := recovery.NewCoordinator(recovery.Config{
		Logger: log.With().Str("component", "recovery").Logger(),
	})

	orc, err := orchestrator.New(orchestrator.Config{
		ModelsDir:     dir,
		CatalogPath:   cfg.CatalogPath,
		DefaultModel:  cfg.DefaultModel,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       cfg.MaxWait(),
		DrainTimeout:  cfg.DrainTimeout(),
		Logger:        log.With().Str("component", "orchestrator").Logger(),
	}, orchestrator.Deps{
		Machine:    machine,
		Backends:   registry,
		Downloads:  downloads,
		Validator:  validator,
		Memory:     mem,
		Progress:   tracker,
		Recovery:   coord,
		Hardware:   hw,
		Tokenizers: tokenizer.NewRegistry(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("orchestrator init")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	models, err := orc.DiscoverModels(rootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("model discovery")
	}
	log.Info().Int("count", len(models)).Str("dir", dir).Msg("models discovered")

	go func() {
		if err := orc.Watch(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Warn().Err(err).Msg("directory watch stopped")
		}
	}()

	if origins := splitCSV(*corsOrigins); len(origins) > 0 {
		httpapi.SetCORSOptions(true, origins,
			[]string{"GET", "POST", "DELETE", "OPTIONS"},
			[]string{"Accept", "Content-Type"})
	}
	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(rootCtx)

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(orc)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("orchestd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM).
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
}

// splitCSV splits a comma-separated flag value, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
