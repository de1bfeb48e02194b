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

	"github.com/kalambet/blockchat/internal/api"
	"github.com/kalambet/blockchat/internal/blocks"
	"github.com/kalambet/blockchat/internal/chat"
	"github.com/kalambet/blockchat/internal/config"
	"github.com/kalambet/blockchat/internal/engine"
	"github.com/kalambet/blockchat/internal/ingest"
	"github.com/kalambet/blockchat/internal/retrieval"
	"github.com/kalambet/blockchat/internal/thread"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the blockchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running blockchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show blockchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "blockchat.pid")
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
	fmt.Fprintf(os.Stderr, "blockchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, completer, err := engine.Detect(engine.DetectConfig{
		Provider:         cfg.Completion.Provider,
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OpenRouterAPIKey: cfg.Proxy.OpenRouterAPIKey,
		DefaultModel:     cfg.Proxy.DefaultModel,
	})
	if err != nil {
		return fmt.Errorf("detecting completion backend: %w", err)
	}

	// Ollama is required for completions with the ollama provider. With a
	// remote provider it only serves embeddings, and search is disabled when
	// it is unavailable.
	searchEnabled := true
	chatModel := ""
	if cfg.Completion.Provider == config.ProviderOllama {
		chatModel = cfg.Ollama.ChatModel
		if err := engine.EnsureReady(ctx, eng, engine.Models{Chat: chatModel, Embed: cfg.Ollama.EmbedModel}, os.Stderr); err != nil {
			return err
		}
	} else if err := engine.EnsureReady(ctx, eng, engine.Models{Embed: cfg.Ollama.EmbedModel}, os.Stderr); err != nil {
		printWarning("related-message search disabled: %v", err)
		searchEnabled = false
	}

	store, err := blocks.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	watcher, err := blocks.NewWatcher(store, cfg.Store.WatchDebounce)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watching storage: %w", err)
	}
	defer watcher.Stop()

	threads := thread.NewService(store)

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectorStore)

	worker := ingest.NewWorker(store, embedder, vectorStore, 500*time.Millisecond)
	opts := []chat.Option{chat.WithLogger(slog.Default())}
	var searcher chat.Searcher
	if searchEnabled {
		go worker.Run(ctx)
		searcher = retriever
		opts = append(opts, chat.WithSearcher(retriever), chat.WithIndexNotify(worker.Wake))
	}

	chatSvc := chat.NewService(store, threads, completer, chat.Config{
		Pipeline:         chat.Pipeline(cfg.Chat.Pipeline),
		Model:            chatModel,
		FlushInterval:    cfg.Chat.FlushInterval,
		MaxContextTokens: cfg.Chat.MaxContextTokens,
		RelatedTopK:      cfg.Retrieval.TopK,
		ChangeDebounce:   cfg.Store.WatchDebounce,
	}, opts...)

	handler := api.NewHandler(api.Deps{
		Chat:    chatSvc,
		Threads: threads,
		Pages:   store,
		Search:  searcher,
		Token:   apiToken,
		Logger:  slog.Default(),
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Threads: threads,
			Pages:   store,
			Search:  searcher,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "blockchat listening on %s (provider %s, pipeline %s)\n", addr, cfg.Completion.Provider, cfg.Chat.Pipeline)
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
	err = srv.Shutdown(shutdownCtx)
	chatSvc.Close(shutdownCtx)
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("blockchat is not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop blockchat (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to blockchat (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
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

	printStatus("Provider", "%s", cfg.Completion.Provider)
	if cfg.Completion.Provider == config.ProviderOllama {
		printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	} else {
		printStatus("Chat model", "%s", cfg.Proxy.DefaultModel)
	}
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Pipeline", "%s", cfg.Chat.Pipeline)
	printStatus("MCP", "%t", cfg.Server.MCPEnabled)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
