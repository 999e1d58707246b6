package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/dkazakov/opsrag/internal/api"
	"github.com/dkazakov/opsrag/internal/config"
	"github.com/dkazakov/opsrag/internal/embedding"
	"github.com/dkazakov/opsrag/internal/indexer"
	"github.com/dkazakov/opsrag/internal/optimizer"
	"github.com/dkazakov/opsrag/internal/pipeline"
	"github.com/dkazakov/opsrag/internal/retrieval"
	"github.com/dkazakov/opsrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the opsrag daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running opsrag daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show opsrag daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "opsrag.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "opsrag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start when a daemon is already answering on the port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("opsrag is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("opsrag is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the retrieval pipeline.
	cache := embedding.NewCache(embedding.CacheConfig{
		TTL:             config.Duration(cfg.Cache.TTL, 30*time.Minute),
		MaxEntries:      cfg.Cache.MaxEntries,
		MaxMemoryBytes:  int64(cfg.Cache.MaxMemoryMB) * 1024 * 1024,
		CleanupInterval: config.Duration(cfg.Cache.CleanupInterval, 5*time.Minute),
	})
	defer cache.Close()

	embedTimeout := config.Duration(cfg.OpenAI.EmbedTimeout, 3*time.Second)
	provider := embedding.NewOpenAIClient(
		cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.Dimensions,
		embedTimeout,
	)
	generator := embedding.NewGenerator(provider, cache, cfg.OpenAI.Dimensions, embedTimeout)

	searchStore := retrieval.NewSQLiteStore(store.DB())
	client := retrieval.NewClient(searchStore)
	chunkRetriever := retrieval.NewChunkRetriever(client)
	opt := optimizer.New(client, optimizer.DefaultConfig())
	retriever := pipeline.New(generator, client, chunkRetriever, opt)

	defaults := pipeline.Options{
		Limit:             cfg.Retrieval.DefaultLimit,
		UseChunks:         cfg.Retrieval.UseChunks,
		EnableReranking:   cfg.Retrieval.RerankingEnabled,
		AdaptiveThreshold: cfg.Retrieval.AdaptiveThreshold,
	}

	// Start the embedding backfill worker.
	ix := indexer.New(store, generator, config.Duration(cfg.Retrieval.IndexInterval, time.Minute))
	go ix.Run(ctx)

	// Build HTTP server.
	handler := api.NewHandler(api.Deps{
		Retriever: retriever,
		Cache:     cache,
		Defaults:  defaults,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Retriever: retriever,
		Cache:     cache,
		Defaults:  defaults,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start HTTP server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "opsrag listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.LoadLenient()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("opsrag is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop opsrag (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to opsrag (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.LoadLenient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding model", "%s (%d dims)", cfg.OpenAI.Model, cfg.OpenAI.Dimensions)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	// Show index coverage directly from storage; works even when the daemon
	// is stopped.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err == nil {
		defer store.Close()
		if total, embedded, err := store.CountInstructions(); err == nil {
			printStatus("Instructions", "%d (%d embedded)", total, embedded)
		}
	}

	return nil
}
