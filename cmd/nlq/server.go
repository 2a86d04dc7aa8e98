package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/rosetsky/nlq/internal/access"
	"github.com/rosetsky/nlq/internal/api"
	"github.com/rosetsky/nlq/internal/assembler"
	"github.com/rosetsky/nlq/internal/backend"
	"github.com/rosetsky/nlq/internal/config"
	"github.com/rosetsky/nlq/internal/corpus"
	"github.com/rosetsky/nlq/internal/domain"
	"github.com/rosetsky/nlq/internal/ingest"
	"github.com/rosetsky/nlq/internal/orchestrator"
	"github.com/rosetsky/nlq/internal/pipeline"
	"github.com/rosetsky/nlq/internal/reranking"
	"github.com/rosetsky/nlq/internal/retrieval"
)

var mcpStdio bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the nlq server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running nlq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nlq system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().BoolVar(&mcpStdio, "mcp-stdio", false, "serve MCP over stdio instead of SSE")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "nlq.pid")
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
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Log.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Server.APIToken == "" {
		return fmt.Errorf("no API token configured; set NLQ_API_TOKEN")
	}

	// Refuse to start twice.
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	probe := &http.Client{Timeout: 2 * time.Second}
	if resp, err := probe.Get(healthURL); err == nil {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			return fmt.Errorf("nlq is already running on port %d", cfg.Server.Port)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := corpus.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening corpus store: %w", err)
	}
	defer store.Close()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	// Generation backends. Ollama is always present; OpenRouter joins the
	// chain only when a key is configured.
	ollama := backend.NewOllama("ollama", cfg.Ollama.BaseURL, cfg.Ollama.Model, cfg.Ollama.EmbedModel)
	backends := []backend.Backend{ollama}
	if cfg.OpenRouter.APIKey != "" {
		backends = append(backends, backend.NewOpenRouter("openrouter", cfg.OpenRouter.APIKey, cfg.OpenRouter.Model))
	} else {
		slog.Info("no OpenRouter key configured, generation runs on Ollama only")
	}

	attemptTimeout, err := time.ParseDuration(cfg.Generation.AttemptTimeout)
	if err != nil {
		slog.Warn("invalid generation.attempt_timeout, using 60s", "value", cfg.Generation.AttemptTimeout)
		attemptTimeout = 60 * time.Second
	}
	usage := orchestrator.NewUsageTracker()
	generator := orchestrator.New(backends, cfg.BackendOrder(), usage, attemptTimeout)

	ranker := retrieval.NewHybridRanker(ollama, store, float32(cfg.Retrieval.Alpha))

	rerankTimeout, err := time.ParseDuration(cfg.Reranking.Timeout)
	if err != nil {
		slog.Warn("invalid reranking.timeout, using 10s", "value", cfg.Reranking.Timeout)
		rerankTimeout = 10 * time.Second
	}
	reranker := reranking.NewReranker(ollama, cfg.Reranking.Enabled, rerankTimeout, cfg.Reranking.Window)

	domainsPath := cfg.Generation.DomainsPath
	if domainsPath == "" {
		domainsPath = filepath.Join(cfg.Storage.DataDir, "domains.json")
	}
	domains, err := domain.Load(domainsPath)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		slog.Info("no domains file, using compiled-in defaults", "path", domainsPath)
		domains = domain.Defaults()
	}
	classifier := domain.NewClassifier(domains)

	asm := assembler.New(store, cfg.Generation.MaxContextTokens)
	rewriter := access.NewRewriter(cfg.Access.ScopeColumn, cfg.Access.OwnerColumn)
	pipe := pipeline.New(classifier, ranker, reranker, asm, generator, rewriter, store, cfg.Retrieval.TopK)

	ingester := ingest.NewIngester(store)
	worker := ingest.NewWorker(store, ollama, 500*time.Millisecond)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Pipeline:   pipe,
		Ingester:   ingester,
		Store:      store,
		Usage:      usage,
		Classifier: classifier,
		Token:      cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline:   pipe,
		Ingester:   ingester,
		Store:      store,
		Classifier: classifier,
	})

	var sseSrv *server.SSEServer
	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	} else {
		sseSrv = server.NewSSEServer(mcpSrv)
		mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
		go func() {
			if err := sseSrv.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("MCP SSE server error", "error", err)
			}
		}()
		slog.Info("MCP server started", "addr", mcpAddr)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "nlq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sseSrv != nil {
		if err := sseSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("MCP server shutdown", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("nlq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop nlq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to nlq (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Model", "%s", cfg.Ollama.Model)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.OpenRouter.APIKey != "" {
		printStatus("OpenRouter", "configured (%s)", cfg.OpenRouter.Model)
	} else {
		printStatus("OpenRouter", "not configured")
	}
	printStatus("Backend order", "%s", cfg.Generation.Order)

	if running && cfg.Server.APIToken != "" {
		statsResp, err := apiGet(client, serverURL+"/v1/stats", cfg.Server.APIToken)
		if err == nil {
			var stats struct {
				Corpus struct {
					Total      int            `json:"total"`
					ByCategory map[string]int `json:"by_category"`
				} `json:"corpus"`
			}
			if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
				printStatus("Corpus items", "%d", stats.Corpus.Total)
			}
			statsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
